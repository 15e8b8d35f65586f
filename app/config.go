package app

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded issuance and delivery defaults
const (
	DefaultTokenTTL         = time.Hour
	DefaultCleanupInterval  = time.Hour
	DefaultRetention        = time.Hour
	DefaultCallbackWorkers  = 5
	DefaultCallbackAttempts = 3
	DefaultCallbackBackoff  = time.Second
)

// Duration wraps time.Duration so YAML configs can use "30s" / "1h" notation.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or raw seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders durations in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full issuer configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Keys       KeyConfig        `yaml:"keys"`
	Revocation RevocationConfig `yaml:"revocation"`
	Callbacks  CallbackConfig   `yaml:"callbacks"`
	Clients    []ClientConfig   `yaml:"clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// TokenConfig controls credential minting.
type TokenConfig struct {
	Issuer   string   `yaml:"issuer"`
	TTL      Duration `yaml:"ttl"`
	Audience string   `yaml:"audience"`
}

// KeyConfig locates or sizes the RSA signing key pair. The public half is
// derived from the private key, so only one path is needed.
type KeyConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	Size           int    `yaml:"size"`
}

// RevocationConfig tunes the blacklist sweep.
type RevocationConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	Retention       Duration `yaml:"retention"`
}

// CallbackConfig tunes the async delivery pool.
type CallbackConfig struct {
	Workers        int      `yaml:"workers"`
	QueueSize      int      `yaml:"queue_size"`
	MaxAttempts    int      `yaml:"max_attempts"`
	Backoff        Duration `yaml:"backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

// ClientConfig describes a pre-registered machine client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	CallbackURL  string   `yaml:"callback_url"`
	Scopes       []string `yaml:"scopes"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in configuration template, including the
// single pre-registered client the original deployment ships with.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Tokens: TokenConfig{
			Issuer:   "tokend",
			TTL:      Duration(DefaultTokenTTL),
			Audience: "data-consumer",
		},
		Keys: KeyConfig{
			Size: 2048,
		},
		Revocation: RevocationConfig{
			CleanupInterval: Duration(DefaultCleanupInterval),
			Retention:       Duration(DefaultRetention),
		},
		Callbacks: CallbackConfig{
			Workers:        DefaultCallbackWorkers,
			QueueSize:      64,
			MaxAttempts:    DefaultCallbackAttempts,
			Backoff:        Duration(DefaultCallbackBackoff),
			MaxBackoff:     Duration(30 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
			ShutdownGrace:  Duration(5 * time.Second),
		},
		Clients: []ClientConfig{{
			ClientID:     "data-consumer",
			ClientSecret: "secret123",
			CallbackURL:  "http://127.0.0.1:8082/callback",
			Scopes:       []string{"read", "write"},
		}},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TOKEND_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"TOKEND_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TOKEND_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TOKEND_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TOKEND_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TOKEND_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TOKEND_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TOKEND_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"TOKEND_TOKEN_ISSUER":      func(v string) { cfg.Tokens.Issuer = v },
		"TOKEND_TOKEN_TTL":         func(v string) { cfg.Tokens.TTL = Duration(parseDuration(v, cfg.Tokens.TTL.Std())) },
		"TOKEND_CLIENT_ID":         func(v string) { cfg.seedClient().ClientID = v },
		"TOKEND_CLIENT_SECRET":     func(v string) { cfg.seedClient().ClientSecret = v },
		"TOKEND_CALLBACK_URL":      func(v string) { cfg.seedClient().CallbackURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// seedClient returns a pointer to the first configured client, creating it if needed.
func (c *Config) seedClient() *ClientConfig {
	if len(c.Clients) == 0 {
		c.Clients = append(c.Clients, ClientConfig{})
	}
	return &c.Clients[0]
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Tokens.TTL.Std() <= 0 {
		return errors.New("tokens.ttl must be positive")
	}
	if c.Keys.Size != 0 && c.Keys.Size < 2048 {
		return fmt.Errorf("keys.size must be at least 2048, got: %d", c.Keys.Size)
	}
	if c.Revocation.CleanupInterval.Std() <= 0 {
		return errors.New("revocation.cleanup_interval must be positive")
	}
	// A revocation record must outlive any credential it could refer to,
	// otherwise a swept entry would let a still-unexpired credential validate.
	if c.Revocation.Retention.Std() < c.Tokens.TTL.Std() {
		return fmt.Errorf("revocation.retention (%s) must be at least tokens.ttl (%s)",
			c.Revocation.Retention.Std(), c.Tokens.TTL.Std())
	}

	if c.Callbacks.Workers <= 0 {
		return errors.New("callbacks.workers must be positive")
	}
	if c.Callbacks.MaxAttempts <= 0 {
		return errors.New("callbacks.max_attempts must be positive")
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if client.ClientSecret == "" {
			return fmt.Errorf("clients[%d] (%s): client_secret is required", i, client.ClientID)
		}
		if client.CallbackURL != "" {
			if err := validateCallbackURL(client.CallbackURL); err != nil {
				return fmt.Errorf("clients[%d] (%s): %w", i, client.ClientID, err)
			}
		}
	}

	return nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("callback_url must be an absolute http(s) URL, got: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("callback_url missing host: %s", raw)
	}
	return nil
}
