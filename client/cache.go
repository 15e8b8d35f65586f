// Package client provides the consumer side of the credential protocol: a
// per-client credential cache with single-flight refresh, supporting both
// synchronous issuance responses and asynchronous callback delivery.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Delivery modes for credential refresh.
const (
	ModeSync     = "sync"
	ModeCallback = "callback"
)

// ErrAcquisitionTimeout is returned when a callback-mode refresh never
// receives the pushed credential within the configured wait bound.
var ErrAcquisitionTimeout = errors.New("callback delivery timed out")

// Config configures a credential Source.
type Config struct {
	// TokenURL is the issuer's token endpoint.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	// Mode selects sync or callback refresh. Defaults to sync.
	Mode string

	// RefreshSkew treats credentials expiring within this window as absent.
	RefreshSkew time.Duration

	// WaitInterval and WaitAttempts bound the callback-mode wait:
	// the refresh gives up after WaitAttempts * WaitInterval.
	WaitInterval time.Duration
	WaitAttempts int

	// Transport retry policy, applied per issuance call.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type cached struct {
	accessToken string
	expiresAt   time.Time
}

// Source caches one credential per client id and refreshes it before expiry.
// Reads are lock free; refreshes serialize behind a single mutex so
// concurrent stale reads collapse into one issuance call.
type Source struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger

	refreshMu sync.Mutex

	mu       sync.RWMutex
	cache    map[string]cached
	arrivals map[string]chan struct{}
}

// NewSource creates a credential source with sane defaults.
func NewSource(cfg Config) *Source {
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = time.Minute
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 500 * time.Millisecond
	}
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	rc.Logger = nil

	return &Source{
		cfg:      cfg,
		http:     rc,
		logger:   cfg.Logger,
		cache:    make(map[string]cached),
		arrivals: make(map[string]chan struct{}),
	}
}

// Token returns a valid credential for the configured client, refreshing it
// when absent or within the refresh skew of expiry. Concurrent callers for
// the same client share a single refresh.
func (s *Source) Token(ctx context.Context) (string, error) {
	clientID := s.cfg.ClientID

	if token, ok := s.fresh(clientID); ok {
		return token, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Re-check under the lock: a racing caller may have refreshed already.
	if token, ok := s.fresh(clientID); ok {
		return token, nil
	}

	switch s.cfg.Mode {
	case ModeCallback:
		return s.refreshViaCallback(ctx, clientID)
	default:
		return s.refreshSync(ctx, clientID)
	}
}

// fresh returns the cached credential unless it is within the refresh skew
// of expiry; stale entries are treated as absent.
func (s *Source) fresh(clientID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[clientID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt.Add(-s.cfg.RefreshSkew)) {
		return "", false
	}
	return entry.accessToken, true
}

func (s *Source) refreshSync(ctx context.Context, clientID string) (string, error) {
	resp, err := s.requestIssuance(ctx)
	if err != nil {
		return "", err
	}
	s.store(clientID, resp.AccessToken, resp.ExpiresIn)
	s.logger.Info("credential refreshed", "client_id", clientID, "expires_in", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// refreshViaCallback initiates issuance and waits for the credential to be
// pushed to StoreFromCallback. The arrival channel replaces a fixed-interval
// poll of the local store; the configured interval and attempt count still
// bound the total wait.
func (s *Source) refreshViaCallback(ctx context.Context, clientID string) (string, error) {
	arrival := s.arrivalChan(clientID)

	// Drain a stale signal from an earlier unsolicited push.
	select {
	case <-arrival:
	default:
	}

	if _, err := s.requestIssuance(ctx); err != nil {
		return "", err
	}

	deadline := time.NewTimer(time.Duration(s.cfg.WaitAttempts) * s.cfg.WaitInterval)
	defer deadline.Stop()

	for {
		select {
		case <-arrival:
			if token, ok := s.fresh(clientID); ok {
				s.logger.Info("credential arrived via callback", "client_id", clientID)
				return token, nil
			}
			// Pushed credential was already stale; keep waiting.
		case <-deadline.C:
			return "", ErrAcquisitionTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// StoreFromCallback records a credential delivered by the issuer's push.
// It always overwrites: the callback is the definitive write path in
// callback mode.
func (s *Source) StoreFromCallback(clientID, accessToken string, expiresIn int64) {
	s.store(clientID, accessToken, expiresIn)

	s.mu.Lock()
	arrival, ok := s.arrivals[clientID]
	s.mu.Unlock()
	if ok {
		select {
		case arrival <- struct{}{}:
		default:
		}
	}
	s.logger.Info("credential stored from callback", "client_id", clientID, "expires_in", expiresIn)
}

// Invalidate removes the cached credential, forcing the next Token call to
// refresh.
func (s *Source) Invalidate(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, clientID)
}

func (s *Source) store(clientID, accessToken string, expiresIn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[clientID] = cached{
		accessToken: accessToken,
		expiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
}

func (s *Source) arrivalChan(clientID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.arrivals[clientID]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	s.arrivals[clientID] = ch
	return ch
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// requestIssuance posts to the issuer's token endpoint. The transport client
// applies its own bounded exponential retry; a failure here is terminal for
// the calling refresh.
func (s *Source) requestIssuance(ctx context.Context) (tokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     s.cfg.ClientID,
		"client_secret": s.cfg.ClientSecret,
		"grant_type":    "client_credentials",
		"scope":         s.cfg.Scope,
	})
	if err != nil {
		return tokenResponse{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("build issuance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("issuance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return tokenResponse{}, fmt.Errorf("issuance request failed: %s", resp.Status)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return tokenResponse{}, fmt.Errorf("decode issuance response: %w", err)
	}
	if out.AccessToken == "" && s.cfg.Mode != ModeCallback {
		return tokenResponse{}, errors.New("issuance response missing access token")
	}
	return out, nil
}
