package app

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// RevocationRegistry is the in-memory blacklist of revoked credentials.
//
// Entries are keyed by credential identifier and reclaimed by a periodic
// sweep once older than the retention window. Retention is validated at
// config load to be at least the credential TTL: a revocation record must
// outlive every credential it could refer to, or a swept entry would let a
// still-unexpired credential validate again.
type RevocationRegistry struct {
	mu        sync.RWMutex
	revoked   map[string]time.Time
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewRevocationRegistry constructs the registry.
func NewRevocationRegistry(cfg RevocationConfig, logger *slog.Logger) *RevocationRegistry {
	return &RevocationRegistry{
		revoked:   make(map[string]time.Time),
		retention: cfg.Retention.Std(),
		interval:  cfg.CleanupInterval.Std(),
		logger:    logger,
	}
}

// Revoke records a credential as revoked. Idempotent: revoking twice keeps
// the original revocation time.
func (r *RevocationRegistry) Revoke(identifier, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[identifier]; ok {
		return
	}
	r.revoked[identifier] = time.Now()
	r.logger.Info("credential revoked", "reason", reason)
}

// IsRevoked reports whether a credential identifier is blacklisted.
func (r *RevocationRegistry) IsRevoked(identifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[identifier]
	return ok
}

// Count returns the number of live revocation entries.
func (r *RevocationRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.revoked)
}

// StartSweep launches the background expiry reclamation ticker.
func (r *RevocationRegistry) StartSweep(stop <-chan struct{}) {
	if r.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (r *RevocationRegistry) sweep() {
	threshold := time.Now().Add(-r.retention)

	r.mu.Lock()
	before := len(r.revoked)
	for id, revokedAt := range r.revoked {
		if revokedAt.Before(threshold) {
			delete(r.revoked, id)
		}
	}
	removed := before - len(r.revoked)
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info("revocation sweep", "removed", removed, "remaining", before-removed)
	}
}

// RevocationIdentifier derives the blacklist key for a presented credential:
// the jti when the credential parses, else a hash of the raw string so
// malformed input can still be revoked and re-checked consistently.
func RevocationIdentifier(signer *Signer, token string) string {
	if claims, err := signer.Verify(token); err == nil && claims.ID != "" {
		return claims.ID
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
