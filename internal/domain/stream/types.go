// Package stream holds the transport-independent state a stream
// protocol connection carries once authenticated: who it belongs to,
// which rate-limit bucket it is accounted against, and its lifecycle
// bookkeeping. The adapter in internal/adapter/inbound/stream owns the
// actual wire transport (WebSocket).
package stream

import (
	"time"

	"github.com/accessguard/accessguard/internal/domain/ability"
	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Connection is the authenticated state attached to one stream
// connection for its lifetime.
type Connection struct {
	ID          string
	Principal   auth.Principal
	SessionID   string
	Ability     *ability.Ability
	ConnectedAt time.Time
	RemoteAddr  string
}

// BucketKey returns the connection-accounting key RateLimiterService
// tracks concurrent connections under: one bucket per authenticated
// principal, so a user's connections across multiple devices share the
// same ceiling.
func (c Connection) BucketKey() string {
	if c.Principal.ID == "" {
		return "anonymous"
	}
	return c.Principal.ID
}
