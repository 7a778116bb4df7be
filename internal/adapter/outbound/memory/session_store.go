package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/domain/auth"
	"github.com/accessguard/accessguard/internal/domain/session"
)

// DefaultCleanupInterval is the background expiry sweep period.
const DefaultCleanupInterval = 1 * time.Minute

// SessionStore implements session.Store in-memory, for development and
// tests. A background goroutine sweeps expired sessions on
// cleanupInterval; production deployments use the sqlx-backed store.
type SessionStore struct {
	mu              sync.RWMutex
	sessions        map[string]*session.Session
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once
}

// NewSessionStore creates an in-memory session store with the default
// cleanup interval and starts its sweep goroutine.
func NewSessionStore() *SessionStore {
	return NewSessionStoreWithConfig(DefaultCleanupInterval)
}

// NewSessionStoreWithConfig creates an in-memory session store with a
// custom cleanup interval and starts its sweep goroutine.
func NewSessionStoreWithConfig(cleanupInterval time.Duration) *SessionStore {
	s := &SessionStore{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

func (s *SessionStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.CleanupExpired(context.Background()); err == nil && n > 0 {
				slog.Debug("session store: swept expired sessions", "count", n)
			}
		case <-s.stopChan:
			return
		}
	}
}

// Stop terminates the background sweep goroutine. Safe to call multiple
// times.
func (s *SessionStore) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *SessionStore) Store(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *SessionStore) Retrieve(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !sess.Active || sess.IsExpired() {
		return nil, session.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *SessionStore) Destroy(ctx context.Context, id string, reason session.DestroyReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.Active = false
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	sess.Metadata["destroy_reason"] = string(reason)
	return nil
}

func (s *SessionStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, sess := range s.sessions {
		if sess.Active && now.After(sess.ExpiresAt) {
			sess.Active = false
			n++
		}
		_ = id
	}
	return n, nil
}

// EnforceConcurrentLimit deactivates the oldest active sessions for
// userID in excess of max, ordered by LastAccessedAt ascending so the
// most recently used sessions survive.
func (s *SessionStore) EnforceConcurrentLimit(ctx context.Context, userID string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active && !sess.IsExpired() {
			active = append(active, sess)
		}
	}
	if len(active) <= max {
		return 0, nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastAccessedAt.Before(active[j].LastAccessedAt)
	})
	excess := len(active) - max
	for i := 0; i < excess; i++ {
		active[i].Active = false
		if active[i].Metadata == nil {
			active[i].Metadata = make(map[string]any)
		}
		active[i].Metadata["destroy_reason"] = string(session.ReasonConcurrentLimit)
	}
	return excess, nil
}

func (s *SessionStore) GetUserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active && !sess.IsExpired() {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out, nil
}

func copySession(sess *session.Session) *session.Session {
	cp := *sess
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Principal = sess.Principal
	if sess.Principal.Roles != nil {
		cp.Principal.Roles = append([]auth.Role(nil), sess.Principal.Roles...)
	}
	if sess.Principal.Permissions != nil {
		cp.Principal.Permissions = append([]string(nil), sess.Principal.Permissions...)
	}
	if sess.Principal.Attributes != nil {
		cp.Principal.Attributes = make(map[string]any, len(sess.Principal.Attributes))
		for k, v := range sess.Principal.Attributes {
			cp.Principal.Attributes[k] = v
		}
	}
	return &cp
}

var _ session.Store = (*SessionStore)(nil)
