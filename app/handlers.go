package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// App bundles runtime dependencies for the issuer HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Keys        *KeyMaterial
	Signer      *Signer
	Directory   *Directory
	Revocations *RevocationRegistry
	Delivery    *Deliverer
}

// NewApp wires together the issuer state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	keys, err := NewKeyMaterial(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	directory, err := NewDirectory(cfg.Clients, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Keys:        keys,
		Signer:      NewSigner(cfg.Tokens, keys, logger),
		Directory:   directory,
		Revocations: NewRevocationRegistry(cfg.Revocation, logger),
		Delivery:    NewDeliverer(cfg.Callbacks, logger),
	}, nil
}

// handleToken issues a credential under the client-credentials model. The
// credential is returned synchronously and, when the client has a registered
// callback, additionally handed to the delivery pool.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.GrantType != "" && req.GrantType != "client_credentials" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}

	traceID := CorrelationIDFromContext(r.Context())
	if !a.Directory.Authenticate(req.ClientID, req.ClientSecret) {
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	cred, err := a.Signer.Issue(req.ClientID, req.Scope, traceID)
	if err != nil {
		a.Logger.Error("issue credential", "client_id", req.ClientID, "error", err, "trace_id", traceID)
		writeError(w, http.StatusInternalServerError, "failed to issue credential")
		return
	}

	resp := TokenResponse{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.Signer.TTL().Seconds()),
		Scope:       cred.Scope,
		IssuedAt:    cred.IssuedAt.UTC().Format(time.RFC3339),
	}

	if url, ok := a.Directory.CallbackURL(req.ClientID); ok {
		a.Delivery.DeliverAsync(url, resp, traceID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest accepts the JSON body the consumer library sends, or a
// standard form-encoded client_credentials request so stock OAuth2 clients
// can use the endpoint too.
func parseTokenRequest(r *http.Request) (TokenRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return TokenRequest{}, errors.New("invalid form body")
		}
		req := TokenRequest{
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
			Scope:        r.PostFormValue("scope"),
			GrantType:    r.PostFormValue("grant_type"),
		}
		if id, secret, ok := r.BasicAuth(); ok {
			req.ClientID = id
			req.ClientSecret = secret
		}
		return req, nil
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return TokenRequest{}, errors.New("invalid request body")
	}
	return req, nil
}

func (a *App) handleRegisterCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	traceID := CorrelationIDFromContext(r.Context())
	if !a.Directory.Authenticate(req.ClientID, req.ClientSecret) {
		writeError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	if err := a.Directory.RegisterCallback(req.ClientID, req.CallbackURL, req.Scopes); err != nil {
		status := http.StatusInternalServerError
		if !errors.Is(err, ErrClientNotFound) {
			status = http.StatusBadRequest
		}
		a.Logger.Warn("register callback failed", "client_id", req.ClientID, "error", err, "trace_id", traceID)
		writeJSON(w, status, CallbackRegistrationResponse{
			ClientID:    req.ClientID,
			CallbackURL: req.CallbackURL,
			Status:      "error",
			Message:     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, CallbackRegistrationResponse{
		ClientID:    req.ClientID,
		CallbackURL: req.CallbackURL,
		Status:      "success",
		Message:     "callback registered",
	})
}

func (a *App) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	publicKey, err := a.Keys.PublicKeyBase64()
	if err != nil {
		a.Logger.Error("encode public key", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode public key")
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{
		PublicKey: publicKey,
		Algorithm: "RS256",
		KeyID:     a.Keys.KeyID(),
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, RevokeResponse{Revoked: false, Message: "token is required"})
		return
	}

	id := RevocationIdentifier(a.Signer, req.Token)
	if a.Revocations.IsRevoked(id) {
		writeJSON(w, http.StatusOK, RevokeResponse{Revoked: true, Message: "token already revoked"})
		return
	}

	a.Revocations.Revoke(id, "manual revocation via API")
	writeJSON(w, http.StatusOK, RevokeResponse{Revoked: true, Message: "token revoked"})
}

// handleValidate collapses every failure mode to false: revoked, expired,
// malformed, and badly signed credentials are all rejected uniformly.
func (a *App) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token query parameter is required")
		return
	}

	traceID := CorrelationIDFromContext(r.Context())
	if a.Revocations.IsRevoked(RevocationIdentifier(a.Signer, token)) {
		a.Logger.Info("credential rejected: revoked", "trace_id", traceID)
		writeJSON(w, http.StatusOK, false)
		return
	}

	claims, err := a.Signer.Verify(token)
	if err != nil {
		a.Logger.Info("credential rejected", "reason", err, "trace_id", traceID)
		writeJSON(w, http.StatusOK, false)
		return
	}

	a.Logger.Info("credential validated", "subject", claims.Subject, "trace_id", traceID)
	writeJSON(w, http.StatusOK, true)
}

func (a *App) handleBlacklistCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Revocations.Count())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
