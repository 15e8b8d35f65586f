package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
	if cfg.Tokens.TTL.Std() != time.Hour {
		t.Fatalf("unexpected default TTL: %v", cfg.Tokens.TTL.Std())
	}
	if cfg.Callbacks.Workers != 5 || cfg.Callbacks.MaxAttempts != 3 {
		t.Fatalf("unexpected delivery defaults: workers=%d attempts=%d",
			cfg.Callbacks.Workers, cfg.Callbacks.MaxAttempts)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: "http://127.0.0.1:9999"
  dev_listen_addr: "127.0.0.1:9999"
tokens:
  ttl: "30m"
revocation:
  retention: "2h"
clients:
  - client_id: "svc-a"
    client_secret: "s3cret"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9999" {
		t.Fatalf("public_url override did not take: %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.TTL.Std() != 30*time.Minute {
		t.Fatalf("ttl override did not take: %v", cfg.Tokens.TTL.Std())
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "svc-a" {
		t.Fatalf("clients override did not take: %+v", cfg.Clients)
	}
	// Untouched sections keep defaults.
	if cfg.Callbacks.Workers != 5 {
		t.Fatalf("callbacks.workers should keep default, got %d", cfg.Callbacks.Workers)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: "http://127.0.0.1:8080"
  no_such_field: true
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidateRetentionAtLeastTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tokens.TTL = Duration(2 * time.Hour)
	cfg.Revocation.Retention = Duration(time.Hour)

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("retention shorter than TTL must be rejected")
	}
	if !strings.Contains(err.Error(), "retention") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public_url", func(c *Config) { c.Server.PublicURL = "" }},
		{"bad public_url scheme", func(c *Config) { c.Server.PublicURL = "ldap://x" }},
		{"prod without tls domains", func(c *Config) { c.Server.DevMode = false }},
		{"zero ttl", func(c *Config) { c.Tokens.TTL = 0 }},
		{"small key", func(c *Config) { c.Keys.Size = 1024 }},
		{"zero cleanup interval", func(c *Config) { c.Revocation.CleanupInterval = 0 }},
		{"zero workers", func(c *Config) { c.Callbacks.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Callbacks.MaxAttempts = 0 }},
		{"no clients", func(c *Config) { c.Clients = nil }},
		{"client without secret", func(c *Config) { c.Clients[0].ClientSecret = "" }},
		{"client bad callback", func(c *Config) { c.Clients[0].CallbackURL = "not-a-url" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKEND_PUBLIC_URL", "http://10.0.0.5:8080")
	t.Setenv("TOKEND_TOKEN_TTL", "15m")
	t.Setenv("TOKEND_CLIENT_SECRET", "from-env")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.PublicURL != "http://10.0.0.5:8080" {
		t.Fatalf("env public_url override did not take: %q", cfg.Server.PublicURL)
	}
	if cfg.Tokens.TTL.Std() != 15*time.Minute {
		t.Fatalf("env ttl override did not take: %v", cfg.Tokens.TTL.Std())
	}
	if cfg.Clients[0].ClientSecret != "from-env" {
		t.Fatalf("env client secret override did not take")
	}
}

func TestDurationYAML(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: \"45s\"\nb: 3600\n"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.A.Std() != 45*time.Second {
		t.Fatalf("string duration parsed as %v", out.A.Std())
	}
	if out.B.Std() != time.Hour {
		t.Fatalf("integer seconds parsed as %v", out.B.Std())
	}

	if _, err := yaml.Marshal(Duration(90 * time.Second)); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}
