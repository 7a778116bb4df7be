package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/accessguard/accessguard/internal/domain/apikey"
	"github.com/accessguard/accessguard/internal/domain/auth"
)

// APIKeyManager implements component N: issuance, hashed-at-rest storage,
// revocation, and usage accounting for long-lived API key credentials.
type APIKeyManager struct {
	store apikey.Store
}

// NewAPIKeyManager wraps a Store implementation.
func NewAPIKeyManager(store apikey.Store) *APIKeyManager {
	return &APIKeyManager{store: store}
}

// CreateOptions carries the caller-supplied attributes for a new key.
type CreateOptions struct {
	Name        string
	UserID      string
	StoreID     string
	Permissions []string
	Scopes      []string
	ExpiresAt   time.Time // zero value means no expiry
}

const apiKeyPrefix = "agk_"

// Create mints a new plaintext key, hashes it at rest, and persists the
// record. The plaintext is returned exactly once; it is never stored.
func (m *APIKeyManager) Create(ctx context.Context, opts CreateOptions) (plaintext string, rec *apikey.Key, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	key := &apikey.Key{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		KeyHash:     hash,
		Preview:     preview(plaintext),
		UserID:      opts.UserID,
		StoreID:     opts.StoreID,
		Permissions: opts.Permissions,
		Scopes:      opts.Scopes,
		Active:      true,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("persist api key: %w", err)
	}
	return plaintext, key, nil
}

func preview(plaintext string) string {
	if len(plaintext) < 12 {
		return plaintext
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}

// Validate matches plaintext against every usable candidate key's hash.
// The candidate set is bounded by operational policy, so the linear scan
// is acceptable and avoids leaking which prefix matched via timing.
func (m *APIKeyManager) Validate(ctx context.Context, plaintext string) (*apikey.Key, error) {
	candidates, err := m.store.ListActiveCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	for _, candidate := range candidates {
		if !candidate.Usable() {
			continue
		}
		ok, err := auth.VerifyAPIKeyHash(plaintext, candidate.KeyHash)
		if err != nil || !ok {
			continue
		}
		if err := m.store.RecordUsage(ctx, candidate.ID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("record usage: %w", err)
		}
		return candidate, nil
	}
	return nil, apikey.ErrInvalid
}

// Revoke marks a key inactive and stamps who revoked it and why.
func (m *APIKeyManager) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	return m.store.Revoke(ctx, id, revokedBy, reason)
}

// ListByUser returns a user's keys with hashes scrubbed for display.
func (m *APIKeyManager) ListByUser(ctx context.Context, userID string) ([]*apikey.Key, error) {
	keys, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*apikey.Key, len(keys))
	for i, k := range keys {
		out[i] = k.Scrub()
	}
	return out, nil
}

// HealthCheck reports whether the backing store is reachable by
// performing a bounded read.
func (m *APIKeyManager) HealthCheck(ctx context.Context) error {
	_, err := m.store.ListActiveCandidates(ctx)
	return err
}
