package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the credential verifier.
type VerifierConfig struct {
	// JWKSURL is the issuer's key-set endpoint.
	JWKSURL string
	// Issuer, when set, must match the credential's iss claim.
	Issuer string
	// Audience, when set, must appear in the credential's aud claim.
	Audience string
	// CacheTTL bounds how long a fetched key set is reused. Default 5m.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Verifier checks credentials pushed to the consumer's callback endpoint
// against the issuer's published keys, so a spoofed push cannot poison the
// cache.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	etag    string
	expires time.Time
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{cfg: cfg, client: client}
}

// VerifiedClaims is a simplified view of a verified credential.
type VerifiedClaims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// Verify checks the credential's signature, issuer, audience, and expiry.
func (v *Verifier) Verify(ctx context.Context, token string) (*VerifiedClaims, error) {
	if token == "" {
		return nil, errors.New("token required")
	}

	set, err := v.keySet(ctx)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, key := range set.Keys {
			if kid == "" || key.KeyID == kid {
				return key.Key, nil
			}
		}
		return nil, fmt.Errorf("signing key %q not found", kid)
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("credential invalid")
	}

	iss, _ := claims["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	if v.cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		found := false
		for _, a := range aud {
			if a == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience rejected")
		}
	}

	sub, _ := claims["sub"].(string)
	clientID, _ := claims["client_id"].(string)
	scopeStr, _ := claims["scope"].(string)

	out := &VerifiedClaims{
		Subject:  sub,
		ClientID: clientID,
		Scopes:   strings.Fields(scopeStr),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// keySet returns the cached JWKS, refetching when stale. ETag revalidation
// keeps repeat fetches cheap.
func (v *Verifier) keySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	set, etag, expires := v.keys, v.etag, v.expires
	v.mu.RUnlock()

	if set.Keys != nil && time.Now().Before(expires) {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		v.mu.Lock()
		v.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Unlock()
		return set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var fetched jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.keys = fetched
	v.etag = resp.Header.Get("ETag")
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()

	return fetched, nil
}
