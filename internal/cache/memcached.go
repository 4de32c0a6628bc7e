package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	keyPrefix = "cityweather:"

	// memcached rejects keys longer than 250 bytes.
	maxMemcachedKeyLen = 250
	maxRelativeExp     = 30 * 24 * 60 * 60 // 30 days
)

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcachedKey escapes city names (which may contain spaces) and hashes keys
// that would exceed the protocol limit.
func memcachedKey(k string) string {
	key := keyPrefix + url.QueryEscape(k)
	if len(key) <= maxMemcachedKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(k))
	return keyPrefix + "h:" + hex.EncodeToString(sum[:])
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(memcachedKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Set(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      value,
		Expiration: expirationSeconds(ttl, time.Now()),
	})
}

// Delete implements Cache.Delete. A missing key is not an error.
func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := c.client.Delete(memcachedKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// expirationSeconds converts ttl to memcached's Expiration field. memcached
// reads values above 30 days as an absolute unix time, so longer TTLs are sent
// as now+ttl. Sub-second TTLs round up to one second; 0 would mean no expiry.
func expirationSeconds(ttl time.Duration, now time.Time) int32 {
	if ttl <= 0 {
		return 3600 // fallback 1h if invalid
	}
	expSec := int64((ttl + time.Second - 1) / time.Second)
	if expSec > maxRelativeExp {
		return int32(now.Add(ttl).Unix())
	}
	return int32(expSec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
