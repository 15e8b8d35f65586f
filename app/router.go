package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the issuer.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(CorrelationMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/healthz", a.handleHealth)

	r.Post("/oauth/token", a.handleToken)
	r.Post("/oauth/register-callback", a.handleRegisterCallback)

	r.Get("/api/v1/public-key", a.handlePublicKey)
	r.Post("/api/v1/revoke", a.handleRevoke)
	r.Get("/api/v1/validate", a.handleValidate)
	r.Get("/api/v1/blacklist/count", a.handleBlacklistCount)

	return r
}
