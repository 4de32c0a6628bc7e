package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the redis instance at rawURL
// (e.g. "redis://localhost:6379/0"). The connection is lazy; use Ping to verify.
func NewRedisCache(rawURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opt)}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete implements Cache.Delete.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// Ping checks if redis is reachable. Used for health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
