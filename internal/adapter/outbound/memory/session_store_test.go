// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/accessguard/accessguard/internal/domain/auth"
	"github.com/accessguard/accessguard/internal/domain/session"
	"go.uber.org/goleak"
)

func newTestSession(id, userID string) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:             id,
		UserID:         userID,
		Principal:      auth.Principal{ID: userID, Roles: []auth.Role{"user"}},
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(30 * time.Minute),
		Active:         true,
	}
}

func TestSessionStore_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	sess := newTestSession("sess-1", "user-1")
	if err := store.Store(ctx, sess); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	got, err := store.Retrieve(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-1")
	}
	if len(got.Principal.Roles) != 1 || got.Principal.Roles[0] != "user" {
		t.Errorf("Roles = %v, want [user]", got.Principal.Roles)
	}
}

func TestSessionStore_RetrieveNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	_, err := store.Retrieve(ctx, "nonexistent")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Retrieve() error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_RetrieveExpiredSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	sess := newTestSession("sess-expired", "user-1")
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Store(ctx, sess); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := store.Retrieve(ctx, "sess-expired")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Retrieve() for expired session error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_Destroy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	sess := newTestSession("sess-destroy", "user-1")
	if err := store.Store(ctx, sess); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	if err := store.Destroy(ctx, "sess-destroy", session.ReasonLogout); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}

	_, err := store.Retrieve(ctx, "sess-destroy")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Retrieve() after Destroy() should return ErrNotFound, got %v", err)
	}
}

func TestSessionStore_DestroyNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	err := store.Destroy(ctx, "nonexistent", session.ReasonLogout)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Destroy() error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_CopyOnReturn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	sess := newTestSession("sess-copy-test", "user-1")
	if err := store.Store(ctx, sess); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	got1, err := store.Retrieve(ctx, "sess-copy-test")
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	got1.UserID = "modified-user"
	got1.Principal.Roles = append(got1.Principal.Roles, "admin")

	got2, err := store.Retrieve(ctx, "sess-copy-test")
	if err != nil {
		t.Fatalf("Retrieve() second call error: %v", err)
	}
	if got2.UserID == "modified-user" {
		t.Error("store returned a reference instead of a copy (UserID was modified)")
	}
	if len(got2.Principal.Roles) != 1 {
		t.Errorf("store returned a reference instead of a copy (Roles length = %d, want 1)", len(got2.Principal.Roles))
	}
}

// TestSessionStore_EnforceConcurrentLimit covers testable property #5 and
// scenario S2: a user with more active sessions than max has the oldest
// (by LastAccessedAt) deactivated until exactly max remain, and the
// survivors are the most recently used sessions.
func TestSessionStore_EnforceConcurrentLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	const userID = "user-concurrent"
	base := time.Now().UTC().Add(-time.Hour)
	ids := []string{"sess-a", "sess-b", "sess-c", "sess-d", "sess-e"}
	for i, id := range ids {
		sess := newTestSession(id, userID)
		sess.LastAccessedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Store(ctx, sess); err != nil {
			t.Fatalf("Store(%s) error: %v", id, err)
		}
	}

	evicted, err := store.EnforceConcurrentLimit(ctx, userID, 3)
	if err != nil {
		t.Fatalf("EnforceConcurrentLimit() error: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	remaining, err := store.GetUserSessions(ctx, userID)
	if err != nil {
		t.Fatalf("GetUserSessions() error: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("len(remaining) = %d, want 3", len(remaining))
	}
	survivors := make(map[string]bool, len(remaining))
	for _, sess := range remaining {
		survivors[sess.ID] = true
	}
	for _, want := range []string{"sess-c", "sess-d", "sess-e"} {
		if !survivors[want] {
			t.Errorf("expected %s to survive eviction, survivors = %v", want, survivors)
		}
	}

	for _, evictedID := range []string{"sess-a", "sess-b"} {
		if _, err := store.Retrieve(ctx, evictedID); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("Retrieve(%s) after eviction = %v, want ErrNotFound", evictedID, err)
		}
	}

	// A second call with the same max should be a no-op: already at the limit.
	evicted, err = store.EnforceConcurrentLimit(ctx, userID, 3)
	if err != nil {
		t.Fatalf("second EnforceConcurrentLimit() error: %v", err)
	}
	if evicted != 0 {
		t.Errorf("second call evicted = %d, want 0", evicted)
	}
}

func TestSessionStore_EnforceConcurrentLimitIgnoresOtherUsers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	for i := 0; i < 3; i++ {
		if err := store.Store(ctx, newTestSession("sess-other-"+string(rune('a'+i)), "other-user")); err != nil {
			t.Fatalf("Store() error: %v", err)
		}
	}
	if err := store.Store(ctx, newTestSession("sess-target", "target-user")); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	evicted, err := store.EnforceConcurrentLimit(ctx, "target-user", 1)
	if err != nil {
		t.Fatalf("EnforceConcurrentLimit() error: %v", err)
	}
	if evicted != 0 {
		t.Errorf("evicted = %d, want 0 (only one session for target-user)", evicted)
	}

	others, err := store.GetUserSessions(ctx, "other-user")
	if err != nil {
		t.Fatalf("GetUserSessions(other-user) error: %v", err)
	}
	if len(others) != 3 {
		t.Errorf("len(others) = %d, want 3 (unaffected by target-user's limit check)", len(others))
	}
}

func TestSessionStore_CleanupExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	expired := newTestSession("sess-cleanup", "user-1")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Store(ctx, expired); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	active := newTestSession("sess-active", "user-1")
	if err := store.Store(ctx, active); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	n, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}

	if _, err := store.Retrieve(ctx, "sess-active"); err != nil {
		t.Errorf("Retrieve(sess-active) should still succeed: %v", err)
	}
}

func TestSessionStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	defer store.Stop()

	for i := 0; i < 10; i++ {
		sess := newTestSession("sess-concurrent-"+string(rune('0'+i)), "user-1")
		if err := store.Store(ctx, sess); err != nil {
			t.Fatalf("Store() error: %v", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 300)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			_, err := store.Retrieve(ctx, id)
			if err != nil && !errors.Is(err, session.ErrNotFound) {
				errCh <- err
			}
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			sess := newTestSession(id, "user-updated")
			_ = store.Store(ctx, sess)
		}(i)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			if err := store.Destroy(ctx, id, session.ReasonLogout); err != nil && !errors.Is(err, session.ErrNotFound) {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}

// TestSessionStoreNoGoroutineLeak verifies the cleanup goroutine exits on Stop.
func TestSessionStoreNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewSessionStoreWithConfig(50 * time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sess := newTestSession("sess-leak-test-"+string(rune('0'+i)), "user-1")
		_ = store.Store(ctx, sess)
		_, _ = store.Retrieve(ctx, sess.ID)
	}

	time.Sleep(100 * time.Millisecond)
	store.Stop()
}

func TestSessionStoreStopMultipleCalls(t *testing.T) {
	t.Parallel()

	store := NewSessionStoreWithConfig(50 * time.Millisecond)

	store.Stop()
	store.Stop()
	store.Stop()
}
