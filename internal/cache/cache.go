package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cache is a keyed byte store with per-entry TTL. It knows nothing about the
// values it holds; callers serialize.
// Get returns (nil, false, nil) on a miss. Delete of an absent key is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// InMemoryCache implements Cache using a process-local map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]cacheEntry
	clock clockwork.Clock
}

// cacheEntry stores a cached value with its absolute expiry instant.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance backed by the real clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clockwork.NewRealClock())
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from clock.
// Tests pass a fake clock to control expiry.
func NewInMemoryCacheWithClock(clock clockwork.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: clock,
	}
}

// Get returns the value for key if present and not expired.
// Expired entries are automatically removed from cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set replaces the entry for key. The entry expires after ttl elapses.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     buf,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Delete removes key from the cache.
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
