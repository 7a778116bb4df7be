// Package memory provides in-memory implementations of outbound ports,
// used in tests and single-node/dev deployments.
package memory

import (
	"context"
	"sync"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

// UserStore implements auth.UserStore with an in-memory map. Thread-safe;
// intended for tests and local development, not production.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*auth.Record
}

// NewUserStore creates an empty in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*auth.Record)}
}

func (s *UserStore) ListUsers(ctx context.Context) ([]auth.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Record, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *UserStore) GetUser(ctx context.Context, id string) (*auth.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *UserStore) CreateUser(ctx context.Context, user *auth.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *UserStore) UpdateUser(ctx context.Context, user *auth.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return auth.ErrUserNotFound
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *UserStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

// Compile-time interface verification.
var _ auth.UserStore = (*UserStore)(nil)
