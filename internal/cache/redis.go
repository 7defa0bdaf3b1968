package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs Cache with a shared Redis instance, for deployments
// running more than one gateway replica behind the same cache. Hit and
// miss counters are process-local; Size reports the server's key count
// for the configured database, which may include keys from other
// callers sharing the same Redis database.
type RedisCache struct {
	client *redis.Client
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis creates a RedisCache from a redis:// connection URL such as
// "redis://localhost:6379/0".
func NewRedis(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Get returns the cached value for key, or false if absent or expired.
// Redis enforces the TTL itself, so an expired key simply misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return val, true
}

// Set stores value under key with the given TTL in Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.client.Set(ctx, key, value, ttl)
}

// Stats returns process-local hit/miss counters plus the server's
// reported key count as Size. MaxSize is 0 — Redis is not bounded by
// MaxEntries, since eviction there is the server's own policy, not
// this cache's.
func (c *RedisCache) Stats() Stats {
	size := 0
	if n, err := c.client.DBSize(context.Background()).Result(); err == nil {
		size = int(n)
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Size:    size,
		MaxSize: 0,
	}
}

// Close releases the underlying Redis client's connections.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
