package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client. It backs the shared request counters
// used when several server processes rate limit the same clients.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis client instance
func NewRedisCache(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,     // e.g., "redis:6379"
		Password: password, // empty string if no password
		DB:       db,       // 0 is default
	})

	return &RedisCache{
		client: rdb,
		prefix: "mdt:rl:",
	}
}

// Ping checks that the server is reachable.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Incr bumps the counter for key in the current fixed window and returns the
// new count. The window index is part of the Redis key, so counters expire
// on their own.
func (r *RedisCache) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	slot := now.UnixNano() / int64(window)
	k := fmt.Sprintf("%s%s:%d", r.prefix, key, slot)

	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, 2*window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close releases the client's connections.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
