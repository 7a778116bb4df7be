// Package apikey defines the long-lived API key data model and storage
// port for APIKeyManager (component N): issuance, hashed-at-rest storage,
// revocation, and usage accounting.
package apikey

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no API key record matches.
var ErrNotFound = errors.New("api key not found")

// ErrInvalid is returned by Validate for any malformed, expired, revoked,
// or non-matching candidate. The caller never learns which.
var ErrInvalid = errors.New("invalid api key")

// Key is the persisted record for an issued API key. KeyHash is the only
// representation of the secret ever stored; the plaintext is handed back
// to the caller exactly once, at creation.
type Key struct {
	ID          string // UUID
	Name        string
	KeyHash     string
	Preview     string // "<first8>...<last4>"
	UserID      string
	StoreID     string // optional scoping, empty when unused
	Permissions []string
	Scopes      []string
	UsageCount  int64
	LastUsedAt  time.Time // zero value when never used
	Active      bool
	ExpiresAt   time.Time // zero value when no expiry
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RevokedAt   time.Time // zero value when not revoked
	RevokedBy   string
	Metadata    map[string]any
}

// IsExpired reports whether the key's expiry, if set, has passed.
func (k *Key) IsExpired() bool {
	return !k.ExpiresAt.IsZero() && time.Now().UTC().After(k.ExpiresAt)
}

// IsRevoked reports whether the key has been revoked.
func (k *Key) IsRevoked() bool {
	return !k.RevokedAt.IsZero()
}

// Usable reports whether the key may still be matched against candidates:
// active, not expired, not revoked.
func (k *Key) Usable() bool {
	return k.Active && !k.IsExpired() && !k.IsRevoked()
}

// Scrub returns a copy of k with KeyHash cleared, for list responses that
// must never leak the stored hash to API callers.
func (k *Key) Scrub() *Key {
	cp := *k
	cp.KeyHash = ""
	return &cp
}

// Store persists API key records. Implementations: PostgreSQL (prod, via
// sqlx/lib/pq), in-memory (tests).
type Store interface {
	Create(ctx context.Context, key *Key) error
	Get(ctx context.Context, id string) (*Key, error)
	// ListActiveCandidates returns every key row eligible for matching:
	// active, not expired, not revoked. Bounded by operational policy, so
	// comparing every hash in this set is an acceptable validation cost.
	ListActiveCandidates(ctx context.Context) ([]*Key, error)
	ListByUser(ctx context.Context, userID string) ([]*Key, error)
	RecordUsage(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id, revokedBy, reason string) error
}
