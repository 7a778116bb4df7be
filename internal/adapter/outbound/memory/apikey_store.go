package memory

import (
	"context"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/domain/apikey"
)

// APIKeyStore implements apikey.Store with an in-memory map. For tests and
// local development; production uses the sqlx/lib/pq-backed store.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*apikey.Key
}

// NewAPIKeyStore creates an empty in-memory API key store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]*apikey.Key)}
}

func (s *APIKeyStore) Create(ctx context.Context, key *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *APIKeyStore) Get(ctx context.Context, id string) (*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, apikey.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *APIKeyStore) ListActiveCandidates(ctx context.Context) ([]*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*apikey.Key, 0, len(s.keys))
	for _, k := range s.keys {
		if k.Usable() {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *APIKeyStore) ListByUser(ctx context.Context, userID string) ([]*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*apikey.Key, 0)
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *APIKeyStore) RecordUsage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.UsageCount++
	k.LastUsedAt = at
	return nil
}

func (s *APIKeyStore) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return apikey.ErrNotFound
	}
	k.Active = false
	k.RevokedAt = time.Now().UTC()
	k.RevokedBy = revokedBy
	if reason != "" {
		if k.Metadata == nil {
			k.Metadata = map[string]any{}
		}
		k.Metadata["revocationReason"] = reason
	}
	return nil
}

// Compile-time interface verification.
var _ apikey.Store = (*APIKeyStore)(nil)
