package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zedarvates/storycore/internal/reference"
)

// RedisCache is the shared backend for multi-instance deployments. Scores are
// stored as JSON under a namespaced key with a TTL; invalidation scans the
// entity's prefix.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// Conn opens and pings a redis client.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedis wraps an existing client. Namespace defaults to "storycore:score".
func NewRedis(client *redis.Client, namespace string) *RedisCache {
	if namespace == "" {
		namespace = "storycore:score"
	}
	return &RedisCache{client: client, namespace: namespace}
}

func (c *RedisCache) key(key string) string { return c.namespace + ":" + key }

func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (reference.ConsistencyScore, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == nil {
		var score reference.ConsistencyScore
		if err := json.Unmarshal(raw, &score); err == nil {
			return score, true, nil
		}
		// Corrupt entry: fall through and recompute over it.
	} else if err != redis.Nil {
		// Redis being down degrades to compute-every-time, never to a hard failure.
		log.Printf("[CACHE] redis get %s: %v", key, err)
	}
	score, err := fn(ctx)
	if err != nil {
		return reference.ConsistencyScore{}, false, err
	}
	payload, err := json.Marshal(score)
	if err == nil {
		if err := c.client.Set(ctx, c.key(key), payload, ttl).Err(); err != nil {
			log.Printf("[CACHE] redis set %s: %v", key, err)
		}
	}
	return score, false, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, entityID string) int {
	pattern := c.key(entityID) + ":*"
	dropped := 0
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			dropped++
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[CACHE] redis scan %s: %v", pattern, err)
	}
	return dropped
}
