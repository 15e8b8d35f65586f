package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Callbacks.Backoff = Duration(time.Millisecond)
	cfg.Callbacks.MaxBackoff = Duration(10 * time.Millisecond)
	cfg.Clients = []ClientConfig{{
		ClientID:     "data-consumer",
		ClientSecret: "secret123",
		Scopes:       []string{"read", "write"},
	}}

	a, err := NewApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Delivery.Shutdown(context.Background()) })
	return a
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func issueToken(t *testing.T, handler http.Handler) TokenResponse {
	t.Helper()
	rec := postJSON(t, handler, "/oauth/token", TokenRequest{
		ClientID:     "data-consumer",
		ClientSecret: "secret123",
		Scope:        "read write",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func TestTokenEndpoint(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	resp := issueToken(t, handler)
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "read write" {
		t.Fatalf("scope = %q", resp.Scope)
	}

	claims, err := a.Signer.Verify(resp.AccessToken)
	if err != nil {
		t.Fatalf("issued credential does not verify: %v", err)
	}
	if claims.Subject != "data-consumer" {
		t.Fatalf("subject = %q", claims.Subject)
	}
}

func TestTokenEndpointFormEncoded(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", "data-consumer")
	form.Set("client_secret", "secret123")
	form.Set("scope", "read")
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("form-encoded token request returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("data-consumer", "secret123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("basic auth token request returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTokenEndpointRejections(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	cases := []struct {
		name string
		req  TokenRequest
		want int
	}{
		{"bad secret", TokenRequest{ClientID: "data-consumer", ClientSecret: "wrong"}, http.StatusUnauthorized},
		{"unknown client", TokenRequest{ClientID: "nobody", ClientSecret: "secret123"}, http.StatusUnauthorized},
		{"missing credentials", TokenRequest{}, http.StatusBadRequest},
		{"bad grant type", TokenRequest{ClientID: "data-consumer", ClientSecret: "secret123", GrantType: "password"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/oauth/token", tc.req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestTokenEndpointInvalidBody(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIssuancePushesToRegisteredCallback(t *testing.T) {
	received := make(chan TokenResponse, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload TokenResponse
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestApp(t)
	handler := a.Routes()

	rec := postJSON(t, handler, "/oauth/register-callback", CallbackRegistrationRequest{
		ClientID:     "data-consumer",
		ClientSecret: "secret123",
		CallbackURL:  srv.URL + "/callback",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register-callback returned %d: %s", rec.Code, rec.Body.String())
	}

	issued := issueToken(t, handler)

	select {
	case pushed := <-received:
		if pushed.AccessToken != issued.AccessToken {
			t.Fatalf("pushed credential differs from the issued one")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never received the credential")
	}
}

func TestRegisterCallbackRejections(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	t.Run("bad credentials", func(t *testing.T) {
		rec := postJSON(t, handler, "/oauth/register-callback", CallbackRegistrationRequest{
			ClientID:     "data-consumer",
			ClientSecret: "wrong",
			CallbackURL:  "http://127.0.0.1:8082/callback",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("invalid callback url", func(t *testing.T) {
		rec := postJSON(t, handler, "/oauth/register-callback", CallbackRegistrationRequest{
			ClientID:     "data-consumer",
			ClientSecret: "secret123",
			CallbackURL:  "not-a-url",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var resp CallbackRegistrationResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "error" {
			t.Fatalf("status field = %q, want error", resp.Status)
		}
	})
}

func TestValidateEndpoint(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()
	issued := issueToken(t, handler)

	validate := func(token string) (bool, int) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/validate?token="+url.QueryEscape(token), nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var valid bool
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &valid); err != nil {
				t.Fatalf("decode validate body: %v", err)
			}
		}
		return valid, rec.Code
	}

	if ok, code := validate(issued.AccessToken); code != http.StatusOK || !ok {
		t.Fatalf("fresh credential should validate, got ok=%v code=%d", ok, code)
	}
	if ok, _ := validate("garbage"); ok {
		t.Fatalf("malformed credential must not validate")
	}
	if _, code := validate(""); code != http.StatusBadRequest {
		t.Fatalf("missing token should be 400, got %d", code)
	}

	// Revocation takes effect immediately.
	rec := postJSON(t, handler, "/api/v1/revoke", RevokeRequest{Token: issued.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke returned %d: %s", rec.Code, rec.Body.String())
	}
	if ok, _ := validate(issued.AccessToken); ok {
		t.Fatalf("revoked credential must not validate")
	}
}

func TestRevokeEndpoint(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()
	issued := issueToken(t, handler)

	rec := postJSON(t, handler, "/api/v1/revoke", RevokeRequest{Token: issued.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	var resp RevokeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Revoked {
		t.Fatalf("expected revoked=true")
	}

	// Second revocation is idempotent and says so.
	rec = postJSON(t, handler, "/api/v1/revoke", RevokeRequest{Token: issued.AccessToken})
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Revoked || !strings.Contains(resp.Message, "already") {
		t.Fatalf("second revocation should report already revoked, got %+v", resp)
	}

	// Empty token is a 400.
	rec = postJSON(t, handler, "/api/v1/revoke", RevokeRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token revoke returned %d, want 400", rec.Code)
	}
}

func TestBlacklistCount(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	count := func() int {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/blacklist/count", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("count returned %d", rec.Code)
		}
		var n int
		if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return n
	}

	if got := count(); got != 0 {
		t.Fatalf("initial count = %d, want 0", got)
	}
	postJSON(t, handler, "/api/v1/revoke", RevokeRequest{Token: "some-opaque-string"})
	if got := count(); got != 1 {
		t.Fatalf("count after revocation = %d, want 1", got)
	}
}

func TestPublicKeyEndpoints(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public-key", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("public-key returned %d", rec.Code)
	}
	var pk PublicKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pk.PublicKey == "" || pk.Algorithm != "RS256" || pk.KeyID == "" {
		t.Fatalf("unexpected public key response: %+v", pk)
	}

	req = httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks returned %d", rec.Code)
	}
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("jwks has %d keys, want 1", len(jwks.Keys))
	}
	if jwks.Keys[0]["kid"] != a.Keys.KeyID() {
		t.Fatalf("jwks kid mismatch")
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestCorrelationIDPropagation(t *testing.T) {
	a := newTestApp(t)
	handler := a.Routes()

	b, _ := json.Marshal(TokenRequest{ClientID: "data-consumer", ClientSecret: "secret123"})
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "trace-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("token request returned %d", rec.Code)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := a.Signer.CorrelationID(resp.AccessToken); got != "trace-abc" {
		t.Fatalf("credential trace id = %q, want trace-abc", got)
	}
}
