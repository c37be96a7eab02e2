package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/metrics"
)

const keyPrefix = "lexisub:cache:"

// RedisCache implements Cache on a Redis connection. All backend
// failures degrade to misses on read and are swallowed on write.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get loads the entry at key into out
func (c *RedisCache) Get(ctx context.Context, key string, out any) error {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		}
		metrics.CacheMisses.Inc()
		return ErrMiss
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A corrupt entry is indistinguishable from a miss for callers
		log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("corrupt cache entry")
		metrics.CacheMisses.Inc()
		return ErrMiss
	}
	metrics.CacheHits.Inc()
	return nil
}

// Set writes the entry with the given TTL. Last writer wins; concurrent
// duplicate computation is tolerated rather than coordinated.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return nil
}

// NopCache ignores writes and always misses, for deployments without Redis
type NopCache struct{}

func (NopCache) Get(ctx context.Context, key string, out any) error {
	return ErrMiss
}

func (NopCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return nil
}
