// Package session defines the server-side session record persisted by
// SessionStore (component K) and mutated through SessionManager (L).
package session

import (
	"time"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Session is the full session record. Tokens are stored encrypted; the
// EncryptionManager-sealed blobs live in AccessToken/RefreshToken/IDToken
// once persisted by SessionStore — SessionManager never writes plaintext.
//
// Invariants: CreatedAt <= LastAccessedAt <= ExpiresAt; ExpiresAt-CreatedAt
// <= the configured max age. Session is exclusively owned by SessionStore;
// SessionManager mutates LastAccessedAt and token fields only through it.
type Session struct {
	ID              string // opaque, >=128 bits entropy
	UserID          string
	Principal       auth.Principal
	IdPSessionID    string
	AccessToken     string // encrypted at rest
	RefreshToken    string // encrypted at rest, empty when absent
	IDToken         string // encrypted at rest, empty when absent
	TokenExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	ExpiresAt       time.Time
	IPAddress       string
	UserAgent       string
	Active          bool
	Metadata        map[string]any
	Fingerprint     string // sha256(ip + ":" + ua + ":" + createdAtMillis)
}

// IsExpired reports whether the session has passed its ExpiresAt.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// TokenExpiringWithin reports whether the stored access token expires
// within d, used by SessionManager to set requiresTokenRefresh.
func (s *Session) TokenExpiringWithin(d time.Duration) bool {
	if s.TokenExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().Add(d).After(s.TokenExpiresAt)
}

// Snapshot is a read-only copy of a Session returned to callers outside
// SessionStore, preventing accidental mutation of store-owned state.
type Snapshot = Session
