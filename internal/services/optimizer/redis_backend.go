package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/picklepal/internal/storage"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps cache entries in Redis so they survive restarts and are shared
// between replicas. Redis expiry removes entries; the stored expiresAt is still checked
// by the Cache against its own clock.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackend creates a backend whose keys live under prefix
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

type envelope struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Get returns the stored value or storage.ErrNotFound
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis cache get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis cache decode: %w", err)
	}
	return env.Value, env.ExpiresAt, nil
}

// Set stores value with a Redis expiry matching expiresAt
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	raw, err := json.Marshal(envelope{Value: value, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := b.client.Set(ctx, b.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

// Delete removes key
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix
func (b *RedisBackend) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := b.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis cache clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache scan: %w", err)
	}
	if len(batch) > 0 {
		if err := b.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis cache clear: %w", err)
		}
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
