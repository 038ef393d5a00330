// Package optimizer wraps outbound AI and content calls with a TTL cache, priority-aware
// execution, request batching and usage accounting.
package optimizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultCacheTTL applies when Set is called with a non-positive ttl
	DefaultCacheTTL = 30 * time.Minute
	// DefaultMaxCacheEntries bounds the in-process map
	DefaultMaxCacheEntries = 10000
)

// Backend is an optional durable cache tier. Get returns storage.ErrNotFound on a miss.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, expiresAt time.Time, err error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a TTL cache with lazy eviction: an entry is served while now <= expiresAt and
// removed on the first read after that. Backend failures are logged and read as misses.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	backend    Backend
	now        func() time.Time
	defaultTTL time.Duration
	maxEntries int
	logger     *zap.Logger
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithCacheClock replaces time.Now
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithBackend adds a durable tier behind the in-process map
func WithBackend(b Backend) CacheOption {
	return func(c *Cache) { c.backend = b }
}

// WithDefaultTTL sets the ttl used when Set receives a non-positive ttl
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMaxEntries bounds the in-process map
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewCache creates a cache
func NewCache(log *zap.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
		defaultTTL: DefaultCacheTTL,
		maxEntries: DefaultMaxCacheEntries,
		logger:     logger.Component(log, "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value and true, or nil and false on a miss
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.mu.Unlock()
			c.deleteBackend(ctx, key)
			return nil, false
		}
		c.mu.Unlock()
		return e.value, true
	}
	c.mu.Unlock()

	if c.backend == nil {
		return nil, false
	}
	value, expiresAt, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("cache_backend_get_failed",
				zap.String("key_hash", logger.HashKey(key)),
				zap.String("error", logger.SanitizeError(err)),
			)
		}
		return nil, false
	}
	if now.After(expiresAt) {
		c.deleteBackend(ctx, key)
		return nil, false
	}

	c.mu.Lock()
	c.storeLocked(key, cacheEntry{value: value, expiresAt: expiresAt}, now)
	c.mu.Unlock()
	return value, true
}

// Set stores value until now+ttl, replacing any previous entry for key
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := cacheEntry{value: value, expiresAt: now.Add(ttl)}

	c.mu.Lock()
	c.storeLocked(key, e, now)
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	if err := c.backend.Set(ctx, key, value, e.expiresAt); err != nil {
		c.logger.Warn("cache_backend_set_failed",
			zap.String("key_hash", logger.HashKey(key)),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
}

// Delete removes key from both tiers
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.deleteBackend(ctx, key)
}

// Clear empties both tiers
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	if c.backend == nil {
		return
	}
	if err := c.backend.Clear(ctx); err != nil {
		c.logger.Warn("cache_backend_clear_failed", zap.String("error", logger.SanitizeError(err)))
	}
}

// Len reports the number of in-process entries, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) deleteBackend(ctx context.Context, key string) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn("cache_backend_delete_failed",
			zap.String("key_hash", logger.HashKey(key)),
			zap.String("error", logger.SanitizeError(err)),
		)
	}
}

// storeLocked inserts e, first dropping expired entries and then the entry closest to
// expiry when the map is full.
func (c *Cache) storeLocked(key string, e cacheEntry, now time.Time) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		for k, v := range c.entries {
			if now.After(v.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			var victim string
			var soonest time.Time
			for k, v := range c.entries {
				if victim == "" || v.expiresAt.Before(soonest) {
					victim, soonest = k, v.expiresAt
				}
			}
			delete(c.entries, victim)
		}
	}
	c.entries[key] = e
}
