package nameres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docwallet/dwagent/pkg/chains"
)

const defaultTTL = 60 * time.Second

// Cached fronts a resolver with a lock-guarded read-through cache. Negative
// results (no record) are cached too, so a missing policy record does not
// hammer the RPC endpoint every poll tick.
type Cached struct {
	inner chains.NameResolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry

	// Optional shared layer for multi-instance deployments.
	redis *redis.Client
}

type cacheEntry struct {
	value     string
	noRecord  bool
	expiresAt time.Time
}

// Option configures the cache.
type Option func(*Cached)

// WithTTL overrides the 60 s default.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cached) { c.ttl = ttl }
}

// WithRedis adds a shared cache layer consulted between the local map and
// the resolver.
func WithRedis(client *redis.Client) Option {
	return func(c *Cached) { c.redis = client }
}

// NewCached wraps inner.
func NewCached(inner chains.NameResolver, opts ...Option) *Cached {
	c := &Cached{
		inner:   inner,
		ttl:     defaultTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cached) ResolveTextRecord(ctx context.Context, name, key string) (string, error) {
	cacheKey := name + "\x00" + key

	c.mu.Lock()
	if e, ok := c.entries[cacheKey]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		if e.noRecord {
			return "", chains.ErrNoRecord
		}
		return e.value, nil
	}
	c.mu.Unlock()

	if c.redis != nil {
		if value, err := c.redis.Get(ctx, "nameres:"+cacheKey).Result(); err == nil {
			c.store(cacheKey, value, false)
			return value, nil
		}
	}

	value, err := c.inner.ResolveTextRecord(ctx, name, key)
	switch {
	case errors.Is(err, chains.ErrNoRecord):
		c.store(cacheKey, "", true)
		return "", err
	case err != nil:
		// Lookup failures are not cached; the next tick retries.
		return "", err
	}

	c.store(cacheKey, value, false)
	if c.redis != nil {
		_ = c.redis.Set(ctx, "nameres:"+cacheKey, value, c.ttl).Err()
	}
	return value, nil
}

func (c *Cached) store(cacheKey, value string, noRecord bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey] = cacheEntry{
		value: value, noRecord: noRecord, expiresAt: c.now().Add(c.ttl),
	}
}
