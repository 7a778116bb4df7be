package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/domain/cache"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// CacheFacade implements cache.Facade in-memory, for tests and local
// development. Pub/sub fan-out is in-process: Publish hands the payload
// to each subscriber's buffered channel without blocking, dropping it for
// a subscriber whose buffer is full, and handlers run in the goroutine
// that called Subscribe.
type CacheFacade struct {
	mu          sync.RWMutex
	entries     map[string]cacheEntry
	subsMu      sync.RWMutex
	subscribers map[string][]chan []byte

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewCacheFacade creates an empty in-memory cache facade and starts its
// background expiry sweep.
func NewCacheFacade() *CacheFacade {
	f := &CacheFacade{
		entries:     make(map[string]cacheEntry),
		subscribers: make(map[string][]chan []byte),
		stopChan:    make(chan struct{}),
	}
	f.wg.Add(1)
	go f.cleanupLoop()
	return f
}

func (f *CacheFacade) cleanupLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sweepExpired()
		case <-f.stopChan:
			return
		}
	}
}

func (f *CacheFacade) sweepExpired() {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.entries {
		if now.After(v.expires) {
			delete(f.entries, k)
		}
	}
}

// Stop terminates the background sweep goroutine.
func (f *CacheFacade) Stop() {
	f.once.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}

func (f *CacheFacade) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, cache.ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (f *CacheFacade) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = cacheEntry{value: cp, expires: time.Now().Add(ttl)}
	return nil
}

func (f *CacheFacade) Invalidate(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *CacheFacade) InvalidatePrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			delete(f.entries, k)
		}
	}
	return nil
}

func (f *CacheFacade) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	var n int64
	if ok && time.Now().Before(e.expires) {
		n = decodeCount(e.value) + 1
	} else {
		n = 1
	}
	f.entries[key] = cacheEntry{value: encodeCount(n), expires: time.Now().Add(ttl)}
	return n, nil
}

func (f *CacheFacade) Publish(ctx context.Context, channel string, payload []byte) error {
	f.subsMu.RLock()
	defer f.subsMu.RUnlock()
	for _, ch := range f.subscribers[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (f *CacheFacade) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	ch := make(chan []byte, 16)
	f.subsMu.Lock()
	f.subscribers[channel] = append(f.subscribers[channel], ch)
	f.subsMu.Unlock()

	defer func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		subs := f.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				f.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-ch:
			handler(payload)
		}
	}
}

func encodeCount(n int64) []byte {
	return []byte(itoa(n))
}

func decodeCount(b []byte) int64 {
	return atoi(string(b))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func atoi(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
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

var _ cache.Facade = (*CacheFacade)(nil)
