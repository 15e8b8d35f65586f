// Command consumer runs the consuming side of the credential protocol: it
// keeps a cached credential fresh via tokend's token endpoint, receives
// asynchronously delivered credentials on its callback endpoint, and exposes
// the current credential to local callers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"tokend/client"
)

// Config is the consumer daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DevMode    bool   `yaml:"dev_mode"`

	Issuer struct {
		URL          string `yaml:"url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		Scope        string `yaml:"scope"`
	} `yaml:"issuer"`

	Credentials struct {
		Mode         string `yaml:"mode"`
		RefreshSkew  string `yaml:"refresh_skew"`
		WaitInterval string `yaml:"wait_interval"`
		WaitAttempts int    `yaml:"wait_attempts"`
		VerifyPushed bool   `yaml:"verify_pushed"`
	} `yaml:"credentials"`

	Callback struct {
		PublicURL string `yaml:"public_url"`
	} `yaml:"callback"`
}

func defaultConfig() Config {
	cfg := Config{
		ListenAddr: "127.0.0.1:8082",
		DevMode:    true,
	}
	cfg.Issuer.URL = "http://127.0.0.1:8080"
	cfg.Issuer.ClientID = "data-consumer"
	cfg.Issuer.ClientSecret = "secret123"
	cfg.Issuer.Scope = "read write"
	cfg.Credentials.Mode = client.ModeSync
	cfg.Credentials.RefreshSkew = "60s"
	cfg.Credentials.WaitInterval = "500ms"
	cfg.Credentials.WaitAttempts = 10
	cfg.Credentials.VerifyPushed = true
	cfg.Callback.PublicURL = "http://127.0.0.1:8082/callback"
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(b))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CONSUMER_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var handler slog.Handler
	if cfg.DevMode {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)

	source := client.NewSource(client.Config{
		TokenURL:     strings.TrimSuffix(cfg.Issuer.URL, "/") + "/oauth/token",
		ClientID:     cfg.Issuer.ClientID,
		ClientSecret: cfg.Issuer.ClientSecret,
		Scope:        cfg.Issuer.Scope,
		Mode:         cfg.Credentials.Mode,
		RefreshSkew:  parseDuration(cfg.Credentials.RefreshSkew, time.Minute),
		WaitInterval: parseDuration(cfg.Credentials.WaitInterval, 500*time.Millisecond),
		WaitAttempts: cfg.Credentials.WaitAttempts,
		RetryMax:     3,
		Logger:       logger,
	})

	var verifier *client.Verifier
	if cfg.Credentials.VerifyPushed {
		verifier = client.NewVerifier(client.VerifierConfig{
			JWKSURL: strings.TrimSuffix(cfg.Issuer.URL, "/") + "/.well-known/jwks.json",
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Credentials.Mode == client.ModeCallback {
		if err := registerCallback(ctx, cfg, logger); err != nil {
			log.Fatalf("register callback: %v", err)
		}
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      routes(cfg, source, verifier, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	logger.Info("consumer listening", "addr", cfg.ListenAddr, "mode", cfg.Credentials.Mode)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func routes(cfg Config, source *client.Source, verifier *client.Verifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Inbound push from the issuer's callback delivery.
	r.Post("/callback", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int64  `json:"expires_in"`
			Scope       string `json:"scope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AccessToken == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid callback payload"})
			return
		}

		if verifier != nil {
			if _, err := verifier.Verify(r.Context(), payload.AccessToken); err != nil {
				logger.Warn("rejected pushed credential", "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "credential verification failed"})
				return
			}
		}

		source.StoreFromCallback(cfg.Issuer.ClientID, payload.AccessToken, payload.ExpiresIn)
		logger.Info("credential received via callback", "expires_in", payload.ExpiresIn, "scope", payload.Scope)
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	})

	// Local convenience surface: the currently cached credential.
	r.Get("/api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		token, err := source.Token(r.Context())
		if err != nil {
			logger.Error("acquire credential", "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	})

	return r
}

// registerCallback announces this daemon's callback URL to the issuer so
// freshly issued credentials get pushed here.
func registerCallback(ctx context.Context, cfg Config, logger *slog.Logger) error {
	body, err := json.Marshal(map[string]any{
		"client_id":     cfg.Issuer.ClientID,
		"client_secret": cfg.Issuer.ClientSecret,
		"callback_url":  cfg.Callback.PublicURL,
	})
	if err != nil {
		return err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.Logger = nil

	url := strings.TrimSuffix(cfg.Issuer.URL, "/") + "/oauth/register-callback"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issuer returned %s", resp.Status)
	}

	logger.Info("callback registered with issuer", "callback_url", cfg.Callback.PublicURL)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
