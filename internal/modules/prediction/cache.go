package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

// Cache stores served predictions for a fixed TTL. Last write wins.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Prediction, bool)
	Set(ctx context.Context, key string, p domain.Prediction)
}

// CacheKey is the cache key of a prediction request.
func CacheKey(symbol, horizon string, family domain.ModelFamily) string {
	return fmt.Sprintf("prediction_%s_%s_%s", symbol, horizon, family)
}

// MemoryCache is an in-process expiring LRU.
type MemoryCache struct {
	lru *expirable.LRU[string, domain.Prediction]
}

// NewMemoryCache creates an LRU holding up to size predictions for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, domain.Prediction](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.Prediction, bool) {
	return c.lru.Get(key)
}

func (c *MemoryCache) Set(_ context.Context, key string, p domain.Prediction) {
	c.lru.Add(key, p)
}

// RedisCache shares predictions between instances. Redis failures count as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisCache creates a cache on client.
func NewRedisCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log.With().Str("component", "prediction_cache").Logger()}
}

func (c *RedisCache) Get(ctx context.Context, key string) (domain.Prediction, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return domain.Prediction{}, false
	}
	var p domain.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return domain.Prediction{}, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, key string, p domain.Prediction) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
