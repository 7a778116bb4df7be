// Package cache defines the CacheFacade port (component B): a typed,
// TTL-bounded wrapper over a shared cache store with pub/sub for
// cross-node events. Values are opaque; callers choose serialization.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Facade is implemented by the Redis-backed adapter (production) and an
// in-memory adapter (tests, single-node dev).
type Facade interface {
	// Get returns the raw bytes stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with a mandatory TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate deletes a single key.
	Invalidate(ctx context.Context, key string) error
	// InvalidatePrefix deletes every key matching prefix + "*". Reserved
	// for maintenance paths (session cleanup, admin cache-bust); never
	// called on a request hot path.
	InvalidatePrefix(ctx context.Context, prefix string) error
	// IncrementWithExpiry atomically increments key and (re)applies an
	// expiry in one round trip, the primitive the sliding-window rate
	// limiter and concurrent-session bookkeeping build on.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Publish sends payload on channel to every subscriber.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for messages on channel. Subscriptions
	// run on a connection separate from command traffic so a slow
	// handler never blocks Get/Set/Increment calls. Subscribe blocks
	// until ctx is cancelled.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// Namespace keys used across components, matching the configurable
// prefixes in the external-interfaces surface.
const (
	NamespaceRateLimit   = "rate_limit"
	NamespaceSession     = "session"
	NamespaceJWT         = "jwt"
	NamespaceIntrospect  = "introspect"
	NamespaceRBAC        = "rbac"
	NamespaceAbility     = "ability"
	NamespaceRefresh     = "refresh"
	NamespaceAPIKeyCheck = "api_key_validation"
	NamespacePKCE        = "pkce"
)
