package middleware

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"
)

// Entry registers one middleware with the chain: its priority (higher runs
// first), an enabled flag, optional skip-path globs, and the execute
// function itself.
type Entry struct {
	Name      string
	Priority  int
	Enabled   bool
	SkipPaths []string
	Execute   func(ctx context.Context, req *Request, next Next) (*Request, error)

	// Retry configures per-middleware retry for errors tagged
	// *RetryableError. A MaxAttempts of 0 disables retry.
	Retry RetryPolicy
}

// RetryPolicy is exponential backoff with a cap, matching the chain's
// default (base 100ms, factor 2, cap 1s, max 3 attempts).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
}

// DefaultRetryPolicy holds the default values for an Entry to opt into.
// Register does not apply it: an Entry with a zero Retry does not retry.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: 100 * time.Millisecond, Factor: 2, Cap: time.Second}

// breakerState is the circuit-breaker bookkeeping for a single Entry.
type breakerState struct {
	mu          sync.Mutex
	failures    int
	open        bool
	openedAt    time.Time
	halfOpening bool
}

const (
	breakerFailureThreshold = 5
	breakerRecoveryTimeout  = 60 * time.Second
)

// Chain is an ordered interceptor pipeline. A single Chain instance serves
// one protocol (request or stream); callers construct two, as the
// component design specifies separate instances per protocol.
type Chain struct {
	mu       sync.RWMutex
	entries  []*Entry
	breakers map[string]*breakerState
	logger   *slog.Logger

	onBreakerOpen   func(name string)
	onBreakerClosed func(name string)
}

// New creates an empty Chain for one protocol.
func New(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		breakers: make(map[string]*breakerState),
		logger:   logger,
	}
}

// OnBreakerStateChange registers callbacks invoked on circuit transitions,
// used to emit the counter metrics the component design requires.
func (c *Chain) OnBreakerStateChange(onOpen, onClosed func(name string)) {
	c.onBreakerOpen = onOpen
	c.onBreakerClosed = onClosed
}

// Register adds a middleware and re-sorts the chain by descending
// priority. Sorting happens once per registration change, not per request.
func (c *Chain) Register(e Entry) {
	if e.Retry.MaxAttempts == 0 && e.Retry.Base == 0 {
		e.Retry = RetryPolicy{} // explicit no-retry, left as zero value
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := e
	c.entries = append(c.entries, &entry)
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].Priority > c.entries[j].Priority
	})
	if _, ok := c.breakers[e.Name]; !ok {
		c.breakers[e.Name] = &breakerState{}
	}
}

// Run executes the chain in priority order, honoring skip paths, circuit
// breakers, and retry, terminating at a final handler.
func (c *Chain) Run(ctx context.Context, req *Request, final Next) (*Request, error) {
	c.mu.RLock()
	entries := make([]*Entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	var run func(i int, ctx context.Context, req *Request) (*Request, error)
	run = func(i int, ctx context.Context, req *Request) (*Request, error) {
		if i >= len(entries) {
			return final(ctx, req)
		}
		entry := entries[i]
		next := func(ctx context.Context, req *Request) (*Request, error) {
			return run(i+1, ctx, req)
		}
		if !entry.Enabled || c.matchesSkipPath(entry, req.Path) {
			return next(ctx, req)
		}
		if c.breakerOpen(entry.Name) {
			return next(ctx, req)
		}
		out, err := c.executeWithRetry(ctx, entry, req, next)
		c.recordOutcome(entry.Name, err)
		return out, err
	}
	return run(0, ctx, req)
}

func (c *Chain) matchesSkipPath(e *Entry, p string) bool {
	for _, pattern := range e.SkipPaths {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

func (c *Chain) executeWithRetry(ctx context.Context, e *Entry, req *Request, next Next) (*Request, error) {
	policy := e.Retry
	if policy.MaxAttempts == 0 {
		return e.Execute(ctx, req, next)
	}
	var lastErr error
	delay := policy.Base
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		out, err := e.Execute(ctx, req, next)
		if err == nil {
			return out, nil
		}
		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return out, err
		}
		lastErr = err
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = time.Duration(float64(delay) * policy.Factor)
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return nil, lastErr
}

func (c *Chain) breakerOpen(name string) bool {
	c.mu.RLock()
	b := c.breakers[name]
	c.mu.RUnlock()
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	if b.halfOpening {
		// A probe is already in flight; every other caller is blocked
		// until recordOutcome resolves it, so only one request at a
		// time reaches the recovering dependency.
		return true
	}
	if time.Since(b.openedAt) >= breakerRecoveryTimeout {
		b.halfOpening = true
		return false // admit exactly one half-open probe
	}
	return true
}

func (c *Chain) recordOutcome(name string, err error) {
	c.mu.RLock()
	b := c.breakers[name]
	c.mu.RUnlock()
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.open || b.halfOpening {
			b.open = false
			b.halfOpening = false
			b.failures = 0
			if c.onBreakerClosed != nil {
				c.onBreakerClosed(name)
			}
		} else {
			b.failures = 0
		}
		return
	}
	if b.halfOpening {
		// probe failed, reopen and wait another full recovery window
		b.halfOpening = false
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= breakerFailureThreshold && !b.open {
		b.open = true
		b.openedAt = time.Now()
		if c.onBreakerOpen != nil {
			c.onBreakerOpen(name)
		}
	}
}
