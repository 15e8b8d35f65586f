package app

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClientNotFound is returned when an operation names an unregistered client.
var ErrClientNotFound = errors.New("client not found")

// Client is a registered machine identity. Instances are owned by the
// Directory and mutated only through RegisterCallback.
type Client struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string
	CreatedAt    time.Time
}

// Directory holds registered machine clients. Clients are seeded from
// configuration at startup and never deleted.
type Directory struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

// NewDirectory builds the directory from configuration.
func NewDirectory(cfgs []ClientConfig, logger *slog.Logger) (*Directory, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			CallbackURL:  cfg.CallbackURL,
			Scopes:       append([]string(nil), cfg.Scopes...),
			CreatedAt:    time.Now(),
		}
		logger.Info("client registered", "client_id", cfg.ClientID, "callback_url", cfg.CallbackURL)
	}
	return &Directory{clients: clients, logger: logger}, nil
}

// Authenticate reports whether the id/secret pair matches a registered
// client. The comparison is constant time so a probe cannot learn secret
// prefixes from response latency.
func (d *Directory) Authenticate(clientID, clientSecret string) bool {
	d.mu.RLock()
	client, ok := d.clients[clientID]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("unknown client", "client_id", clientID)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		d.logger.Warn("bad client secret", "client_id", clientID)
		return false
	}
	return true
}

// RegisterCallback overwrites the client's callback URL and, when scopes are
// provided, its scopes. Unknown clients are an error; registration never
// implicitly creates a client.
func (d *Directory) RegisterCallback(clientID, callbackURL string, scopes []string) error {
	if err := validateCallbackURL(callbackURL); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	client, ok := d.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	client.CallbackURL = callbackURL
	if len(scopes) > 0 {
		client.Scopes = append([]string(nil), scopes...)
	}
	d.logger.Info("callback registered", "client_id", clientID, "callback_url", callbackURL)
	return nil
}

// CallbackURL returns the registered callback URL for a client, if any.
func (d *Directory) CallbackURL(clientID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	client, ok := d.clients[clientID]
	if !ok || client.CallbackURL == "" {
		return "", false
	}
	return client.CallbackURL, true
}

// Get retrieves a client definition.
func (d *Directory) Get(clientID string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	client, ok := d.clients[clientID]
	return client, ok
}
