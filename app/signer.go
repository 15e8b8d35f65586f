package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification failures are distinguished so callers can tell a garbled
// credential from a stale one; the public validate endpoint still collapses
// them all to false.
var (
	ErrMalformed    = errors.New("credential malformed")
	ErrBadSignature = errors.New("credential signature invalid")
	ErrExpired      = errors.New("credential expired")
)

// CredentialClaims are the claims minted into and parsed out of a credential.
type CredentialClaims struct {
	Scope         string `json:"scope"`
	ClientID      string `json:"client_id"`
	CorrelationID string `json:"trace_id,omitempty"`
	jwt.RegisteredClaims
}

// Credential is a freshly minted signed credential plus its metadata.
type Credential struct {
	Token     string
	ID        string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer mints and verifies signed credentials using the active key pair.
type Signer struct {
	issuer   string
	audience string
	ttl      time.Duration
	keys     *KeyMaterial
	logger   *slog.Logger
}

// NewSigner constructs a Signer from configuration.
func NewSigner(cfg TokenConfig, keys *KeyMaterial, logger *slog.Logger) *Signer {
	return &Signer{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL.Std(),
		keys:     keys,
		logger:   logger,
	}
}

// TTL reports the configured credential lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue mints a credential for an authenticated client. The correlation ID
// is embedded for traceability; the jti makes every credential distinct even
// when two are minted within the same clock tick.
func (s *Signer) Issue(clientID, scope, correlationID string) (Credential, error) {
	if scope == "" {
		scope = "default"
	}
	now := time.Now()
	expires := now.Add(s.ttl)
	id := uuid.NewString()

	claims := CredentialClaims{
		Scope:         scope,
		ClientID:      clientID,
		CorrelationID: correlationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        id,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keys.KeyID()
	signed, err := token.SignedString(s.keys.PrivateKey())
	if err != nil {
		return Credential{}, fmt.Errorf("sign credential: %w", err)
	}

	s.logger.Info("credential issued", "client_id", clientID, "scope", scope, "jti", id, "trace_id", correlationID)
	return Credential{
		Token:     signed,
		ID:        id,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// Verify parses and cryptographically verifies a credential. Revocation is a
// separate concern layered on top by the caller.
func (s *Signer) Verify(token string) (*CredentialClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformed
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	parsed, err := jwt.ParseWithClaims(token, &CredentialClaims{}, func(t *jwt.Token) (any, error) {
		return s.keys.PublicKey(), nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims, ok := parsed.Claims.(*CredentialClaims)
	if !ok || !parsed.Valid {
		return nil, ErrBadSignature
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// IsExpired reports whether a credential should be treated as expired. Any
// verification failure counts: the validate surface fails closed.
func (s *Signer) IsExpired(token string) bool {
	_, err := s.Verify(token)
	return err != nil
}

// Subject extracts the subject from a verified credential.
func (s *Signer) Subject(token string) (string, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// CorrelationID extracts the embedded correlation ID, or "" when the
// credential does not verify.
func (s *Signer) CorrelationID(token string) string {
	claims, err := s.Verify(token)
	if err != nil {
		return ""
	}
	return claims.CorrelationID
}
