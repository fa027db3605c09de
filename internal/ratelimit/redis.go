package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis so that all instances share one
// counter per window. Each key expires at its window's reset time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kanshi:rl"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL, connects and pings.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

// Incr runs INCR and PEXPIREAT in one pipeline.
func (s *RedisStore) Incr(ctx context.Context, key string, resetAt time.Time) (int64, error) {
	full := s.prefix + ":" + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.PExpireAt(ctx, full, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: redis pipeline: %w", err)
	}
	return incr.Val(), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
