// Package dedup holds the short-lived idempotency keys that collapse repeated
// deliveries of the same upstream event.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL key set. Claim must be atomic: of two concurrent claims for
// the same key, exactly one reports true.
type Cache interface {
	// Claim stores key for ttl and reports whether it was absent.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so that a failed enqueue can be retried at once.
	Release(ctx context.Context, key string) error
	// Size returns the number of live keys.
	Size(ctx context.Context) (int64, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	now           func() time.Time
	sweepInterval time.Duration

	mu        sync.Mutex
	entries   map[string]time.Time // key -> expiry
	lastSweep time.Time
}

type Option func(*MemoryCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(opts ...Option) *MemoryCache {
	c := &MemoryCache{
		now:           time.Now,
		sweepInterval: time.Second,
		entries:       map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Size(_ context.Context) (int64, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, exp := range c.entries {
		if now.Before(exp) {
			n++
		}
	}
	return n, nil
}

// sweep drops expired keys, at most once per sweepInterval. Caller holds mu.
func (c *MemoryCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
}
