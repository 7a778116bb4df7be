package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no active session matches.
var ErrNotFound = errors.New("session not found")

// DestroyReason tags why a session was deactivated, threaded through to
// the session:deleted sync event and to audit logging.
type DestroyReason string

const (
	ReasonExpired             DestroyReason = "expired"
	ReasonSecurityViolation   DestroyReason = "security_violation"
	ReasonRotated             DestroyReason = "rotated"
	ReasonLogout              DestroyReason = "logout"
	ReasonConcurrentLimit     DestroyReason = "concurrent_limit"
	ReasonAllSessionsDestroyed DestroyReason = "all_sessions_destroyed"
	ReasonCreationFailed      DestroyReason = "creation_failed"
)

// Store persists Session records with cache-through semantics. Component
// K (SessionStore) in the gateway's component design.
//
// Implementations: PostgreSQL+sqlx (prod, internal/adapter/outbound/sql),
// in-memory (internal/adapter/outbound/memory, tests/dev).
type Store interface {
	// Store upserts session by SessionID; on conflict it updates
	// LastAccessedAt, token fields, metadata, and Active. Tokens must
	// already be encrypted by the caller (SessionManager).
	Store(ctx context.Context, s *Session) error

	// Retrieve loads an active session by id, cache-through.
	Retrieve(ctx context.Context, id string) (*Session, error)

	// Destroy deactivates a session and records why.
	Destroy(ctx context.Context, id string, reason DestroyReason) error

	// CleanupExpired deactivates all sessions past ExpiresAt and returns
	// the count affected.
	CleanupExpired(ctx context.Context) (int, error)

	// EnforceConcurrentLimit atomically counts a user's active sessions
	// and deactivates the oldest ones in excess of max, returning the
	// number deactivated. Must not admit more than max under concurrent
	// callers (single statement in the SQL implementation).
	EnforceConcurrentLimit(ctx context.Context, userID string, max int) (int, error)

	// GetUserSessions lists a user's active, unexpired sessions ordered
	// by LastAccessedAt descending.
	GetUserSessions(ctx context.Context, userID string) ([]*Session, error)
}
