package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"questline-settlement/pkg/rediskey"
)

// RedisCache stores one key per applied event with the TTL as expiry.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Seen(ctx context.Context, workspaceID, eventID string) (bool, error) {
	key := rediskey.BuildWebhookEventKey(workspaceID, eventID)

	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, workspaceID, eventID string) error {
	key := rediskey.BuildWebhookEventKey(workspaceID, eventID)
	return c.rdb.Set(ctx, key, 1, c.ttl).Err()
}

// Sweep is a no-op for the redis backend; marks expire on their own.
func (c *RedisCache) Sweep(ctx context.Context) int {
	return 0
}
