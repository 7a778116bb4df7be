package ratelimit

import "context"

// Limiter is the rate-limiting port shared by the request and stream
// variants. Implementations maintain current/previous minute counters per
// bucket key in a shared cache and apply the two-counter sliding-window
// estimate: estimated = floor(current + previous*(1-fraction)).
//
// Storage-agnostic so it can be backed by Redis (production,
// internal/adapter/outbound/cache) or an in-memory map (tests).
type Limiter interface {
	// Allow atomically checks and, if admitted, increments the bucket
	// identified by key under cfg. On cache outage it must fail open and
	// set Result.Degraded.
	Allow(ctx context.Context, key string, cfg Config) (Result, error)
}

// ConnectionAccountant tracks concurrent stream connections per bucket,
// the stream-only extension to Limiter described for component P.
type ConnectionAccountant interface {
	// TryAcquire increments the connection counter for key if it is below
	// max, returning false when the cap is reached. The returned Result
	// carries no retry hint.
	TryAcquire(ctx context.Context, key string, max int) (bool, Result, error)
	// Release decrements the counter, deleting the key once it reaches
	// zero.
	Release(ctx context.Context, key string) error
}
