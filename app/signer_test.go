package app

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T, ttl time.Duration) *Signer {
	t.Helper()
	logger := testLogger()
	keys, err := NewKeyMaterial(KeyConfig{Size: 2048}, logger)
	if err != nil {
		t.Fatalf("NewKeyMaterial: %v", err)
	}
	cfg := TokenConfig{Issuer: "tokend", TTL: Duration(ttl), Audience: "data-consumer"}
	return NewSigner(cfg, keys, logger)
}

func TestIssueAndVerify(t *testing.T) {
	signer := newTestSigner(t, time.Hour)

	cred, err := signer.Issue("data-consumer", "read write", "trace-1")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if cred.Token == "" {
		t.Fatalf("expected a signed credential")
	}
	if !cred.ExpiresAt.After(cred.IssuedAt) {
		t.Fatalf("expiry %v not after issuance %v", cred.ExpiresAt, cred.IssuedAt)
	}

	claims, err := signer.Verify(cred.Token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "data-consumer" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.ClientID != "data-consumer" {
		t.Fatalf("unexpected client_id: %q", claims.ClientID)
	}
	if claims.Scope != "read write" {
		t.Fatalf("unexpected scope: %q", claims.Scope)
	}
	if claims.CorrelationID != "trace-1" {
		t.Fatalf("unexpected trace id: %q", claims.CorrelationID)
	}
	if claims.ID == "" {
		t.Fatalf("expected a jti")
	}
}

func TestIssueDefaultsScope(t *testing.T) {
	signer := newTestSigner(t, time.Hour)
	cred, err := signer.Issue("data-consumer", "", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cred.Scope != "default" {
		t.Fatalf("expected default scope, got %q", cred.Scope)
	}
}

func TestIssueProducesDistinctCredentials(t *testing.T) {
	signer := newTestSigner(t, time.Hour)

	first, err := signer.Issue("data-consumer", "read", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := signer.Issue("data-consumer", "read", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if first.Token == second.Token {
		t.Fatalf("two issuances produced identical credentials")
	}
	if first.ID == second.ID {
		t.Fatalf("two issuances share a jti")
	}
}

func TestVerifyExpired(t *testing.T) {
	signer := newTestSigner(t, -time.Minute)
	cred, err := signer.Issue("data-consumer", "read", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = signer.Verify(cred.Token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if !signer.IsExpired(cred.Token) {
		t.Fatalf("IsExpired should report true for an expired credential")
	}
}

func TestVerifyMalformed(t *testing.T) {
	signer := newTestSigner(t, time.Hour)

	for _, token := range []string{"", "garbage", "a.b", "a.b.c.d"} {
		if _, err := signer.Verify(token); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Verify(%q): expected ErrMalformed, got %v", token, err)
		}
	}
}

func TestVerifyForeignKey(t *testing.T) {
	signer := newTestSigner(t, time.Hour)
	foreign := newTestSigner(t, time.Hour)

	cred, err := foreign.Issue("data-consumer", "read", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := signer.Verify(cred.Token); err == nil {
		t.Fatalf("expected verification to fail under a different key pair")
	}
	if !signer.IsExpired(cred.Token) {
		t.Fatalf("IsExpired should fail closed on foreign signatures")
	}
}

func TestVerifyValidWindow(t *testing.T) {
	signer := newTestSigner(t, time.Hour)
	cred, err := signer.Issue("data-consumer", "read", "trace-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := signer.Verify(cred.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < 59*time.Minute || remaining > time.Hour {
		t.Fatalf("unexpected credential lifetime: %v", remaining)
	}
}
