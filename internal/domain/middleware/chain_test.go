package middleware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEntry(name string, exec func(ctx context.Context, req *Request, next Next) (*Request, error)) Entry {
	return Entry{Name: name, Priority: 0, Enabled: true, Execute: exec}
}

func failingExecute(ctx context.Context, req *Request, next Next) (*Request, error) {
	return nil, errors.New("boom")
}

func finalOK(ctx context.Context, req *Request) (*Request, error) {
	return req, nil
}

// TestChain_BreakerOpensAfterThreshold drives enough failures to trip the
// breaker, then confirms the entry stops executing (Run falls through to
// final) while it is open.
func TestChain_BreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	var calls int32
	c := New(nil)
	c.Register(newTestEntry("flaky", func(ctx context.Context, req *Request, next Next) (*Request, error) {
		atomic.AddInt32(&calls, 1)
		return failingExecute(ctx, req, next)
	}))

	for i := 0; i < breakerFailureThreshold; i++ {
		if _, err := c.Run(context.Background(), &Request{Path: "/x"}, finalOK); err == nil {
			t.Fatalf("attempt %d: expected error before breaker opens", i)
		}
	}
	if got := atomic.LoadInt32(&calls); got != breakerFailureThreshold {
		t.Fatalf("calls = %d, want %d", got, breakerFailureThreshold)
	}

	// Breaker should now be open: the entry is skipped and Run falls
	// through to final without another Execute call.
	if _, err := c.Run(context.Background(), &Request{Path: "/x"}, finalOK); err != nil {
		t.Fatalf("Run() with open breaker error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != breakerFailureThreshold {
		t.Fatalf("calls after open = %d, want unchanged %d", got, breakerFailureThreshold)
	}
}

// TestChain_HalfOpenAdmitsExactlyOneProbe is a regression test for a bug
// where every concurrent caller during the half-open window was admitted
// instead of just the single probe: it trips the breaker, forces the
// recovery window to have elapsed, then fires a burst of concurrent
// requests and asserts only one of them actually reached the entry.
func TestChain_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	t.Parallel()

	var calls int32
	c := New(nil)
	c.Register(newTestEntry("flaky", func(ctx context.Context, req *Request, next Next) (*Request, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond) // hold the probe open so concurrent callers overlap it
		return failingExecute(ctx, req, next)
	}))

	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = c.Run(context.Background(), &Request{Path: "/x"}, finalOK)
	}

	c.mu.RLock()
	b := c.breakers["flaky"]
	c.mu.RUnlock()
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * breakerRecoveryTimeout)
	b.mu.Unlock()

	atomic.StoreInt32(&calls, 0)

	const burst = 20
	var wg sync.WaitGroup
	wg.Add(burst)
	for i := 0; i < burst; i++ {
		go func() {
			defer wg.Done()
			_, _ = c.Run(context.Background(), &Request{Path: "/x"}, finalOK)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("concurrent half-open calls reached the entry %d times, want exactly 1", got)
	}
}

// TestChain_BreakerClosesOnSuccessfulProbe confirms a successful half-open
// probe closes the breaker and subsequent calls execute normally again.
func TestChain_BreakerClosesOnSuccessfulProbe(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	var calls int32

	c := New(nil)
	c.Register(newTestEntry("recovering", func(ctx context.Context, req *Request, next Next) (*Request, error) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return next(ctx, req)
	}))

	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = c.Run(context.Background(), &Request{Path: "/x"}, finalOK)
	}

	c.mu.RLock()
	b := c.breakers["recovering"]
	c.mu.RUnlock()
	b.mu.Lock()
	b.openedAt = time.Now().Add(-2 * breakerRecoveryTimeout)
	b.mu.Unlock()

	fail.Store(false)
	if _, err := c.Run(context.Background(), &Request{Path: "/x"}, finalOK); err != nil {
		t.Fatalf("half-open probe should have succeeded: %v", err)
	}

	b.mu.Lock()
	open, halfOpening := b.open, b.halfOpening
	b.mu.Unlock()
	if open || halfOpening {
		t.Fatalf("breaker not closed after successful probe: open=%v halfOpening=%v", open, halfOpening)
	}

	// Breaker closed: the entry runs normally again.
	if _, err := c.Run(context.Background(), &Request{Path: "/x"}, finalOK); err != nil {
		t.Fatalf("Run() after close error: %v", err)
	}
}
