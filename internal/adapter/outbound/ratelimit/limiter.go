// Package ratelimit implements the sliding-window Limiter and
// ConnectionAccountant (component P) over any cache.Facade, so the same
// code runs against Redis in production and the in-memory facade in
// tests, differing only in the wiring at construction time.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/ratelimit"
)

// Limiter implements ratelimit.Limiter using the two-counter sliding
// window estimate over a cache.Facade: each bucket key tracks a current
// and previous window counter, and the estimated count blends them by
// how far the clock has moved into the current window.
type Limiter struct {
	cache domaincache.Facade
}

// NewLimiter wraps an existing cache facade.
func NewLimiter(cache domaincache.Facade) *Limiter {
	return &Limiter{cache: cache}
}

func (l *Limiter) Allow(ctx context.Context, key string, cfg ratelimit.Config) (ratelimit.Result, error) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	now := time.Now().UTC()
	windowIdx := now.UnixNano() / int64(cfg.Window)
	fraction := float64(now.UnixNano()%int64(cfg.Window)) / float64(cfg.Window)

	currentKey := fmt.Sprintf("%s:w:%d", key, windowIdx)
	previousKey := fmt.Sprintf("%s:w:%d", key, windowIdx-1)

	previousRaw, err := l.cache.Get(ctx, previousKey)
	if err != nil && err != domaincache.ErrMiss {
		return failOpen(cfg), nil
	}
	previous := decodeInt(previousRaw)

	currentRaw, err := l.cache.Get(ctx, currentKey)
	if err != nil && err != domaincache.ErrMiss {
		return failOpen(cfg), nil
	}

	estimated := decodeInt(currentRaw)
	if fraction < 1 {
		estimated += int64(math.Floor(float64(previous) * (1 - fraction)))
	}

	if estimated >= int64(cfg.Limit) {
		return ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: cfg.Window - time.Duration(float64(cfg.Window)*fraction),
			ResetAfter: cfg.Window,
		}, nil
	}

	current, err := l.cache.IncrementWithExpiry(ctx, currentKey, 2*cfg.Window)
	if err != nil {
		return failOpen(cfg), nil
	}

	estimated = current
	if fraction < 1 {
		estimated = current + int64(math.Floor(float64(previous)*(1-fraction)))
	}

	remaining := int64(cfg.Limit) - estimated
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{
		Allowed:    true,
		Remaining:  int(remaining),
		ResetAfter: cfg.Window,
	}, nil
}

func failOpen(cfg ratelimit.Config) ratelimit.Result {
	return ratelimit.Result{Allowed: true, Remaining: cfg.Limit, Degraded: true}
}

func decodeInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var n int64
	neg := false
	for i, c := range string(b) {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// ConnectionAccountant implements ratelimit.ConnectionAccountant over a
// cache.Facade, tracking concurrent stream connections per bucket.
type ConnectionAccountant struct {
	cache domaincache.Facade
}

// NewConnectionAccountant wraps an existing cache facade.
func NewConnectionAccountant(cache domaincache.Facade) *ConnectionAccountant {
	return &ConnectionAccountant{cache: cache}
}

func (a *ConnectionAccountant) TryAcquire(ctx context.Context, key string, max int) (bool, ratelimit.Result, error) {
	raw, err := a.cache.Get(ctx, key)
	if err != nil && err != domaincache.ErrMiss {
		return true, failOpen(ratelimit.Config{Limit: max}), nil
	}
	if int(decodeInt(raw)) >= max {
		return false, ratelimit.Result{Allowed: false, Remaining: 0}, nil
	}
	n, err := a.cache.IncrementWithExpiry(ctx, key, 24*time.Hour)
	if err != nil {
		return true, failOpen(ratelimit.Config{Limit: max}), nil
	}
	if int(n) > max {
		_ = a.Release(ctx, key)
		return false, ratelimit.Result{Allowed: false, Remaining: 0}, nil
	}
	return true, ratelimit.Result{Allowed: true, Remaining: max - int(n)}, nil
}

func (a *ConnectionAccountant) Release(ctx context.Context, key string) error {
	raw, err := a.cache.Get(ctx, key)
	if err == domaincache.ErrMiss {
		return nil
	}
	if err != nil {
		return err
	}
	n := decodeInt(raw) - 1
	if n <= 0 {
		return a.cache.Invalidate(ctx, key)
	}
	return a.cache.Set(ctx, key, []byte(strconv.FormatInt(n, 10)), 24*time.Hour)
}

var _ ratelimit.ConnectionAccountant = (*ConnectionAccountant)(nil)
