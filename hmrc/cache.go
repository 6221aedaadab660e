package hmrc

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ObligationCache holds recent obligation responses. A nil cache disables
// caching entirely; the service treats every lookup as a miss.
type ObligationCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

type RedisObligationCache struct {
	rdb *redis.Client
}

func NewRedisObligationCache(rdb *redis.Client) *RedisObligationCache {
	return &RedisObligationCache{rdb: rdb}
}

func (c *RedisObligationCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisObligationCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisObligationCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// DeleteByPrefix scans rather than KEYS so a large keyspace never blocks Redis.
func (c *RedisObligationCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return c.Delete(ctx, keys...)
}
