// Package cache implements CacheFacade (component B) over Redis. The
// in-memory equivalent for tests and single-node development lives in
// package memory.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
)

// RedisFacade implements domaincache.Facade over go-redis. Subscriptions
// use a dedicated *redis.PubSub connection per channel, per the component
// design's requirement that pub/sub never share a connection with command
// traffic.
type RedisFacade struct {
	client *redis.Client
}

// NewRedisFacade wraps an existing client.
func NewRedisFacade(client *redis.Client) *RedisFacade {
	return &RedisFacade{client: client}
}

func (f *RedisFacade) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := f.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, domaincache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return b, nil
}

func (f *RedisFacade) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set: ttl is mandatory")
	}
	return f.client.Set(ctx, key, value, ttl).Err()
}

func (f *RedisFacade) Invalidate(ctx context.Context, key string) error {
	return f.client.Del(ctx, key).Err()
}

func (f *RedisFacade) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := f.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return f.client.Del(ctx, keys...).Err()
}

func (f *RedisFacade) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := f.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache incr+expire: %w", err)
	}
	return incr.Val(), nil
}

func (f *RedisFacade) Publish(ctx context.Context, channel string, payload []byte) error {
	return f.client.Publish(ctx, channel, payload).Err()
}

func (f *RedisFacade) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := f.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

var _ domaincache.Facade = (*RedisFacade)(nil)
