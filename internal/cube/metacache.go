package cube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetaCache stores raw /meta payloads shared across gateway instances.
type MetaCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, raw []byte) error
	Delete(ctx context.Context, key string) error
}

// RedisMetaCache is a MetaCache backed by Redis with a fixed TTL.
type RedisMetaCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMetaCache connects to the Redis instance at redisURL.
func NewRedisMetaCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMetaCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("NewRedisMetaCache: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("NewRedisMetaCache: %w", err)
	}
	return NewRedisMetaCacheWithClient(client, ttl), nil
}

// NewRedisMetaCacheWithClient wraps an existing client.
func NewRedisMetaCacheWithClient(client *redis.Client, ttl time.Duration) *RedisMetaCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMetaCache{client: client, ttl: ttl}
}

func (c *RedisMetaCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get: %w", err)
	}
	return raw, true, nil
}

func (c *RedisMetaCache) Set(ctx context.Context, key string, raw []byte) error {
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

func (c *RedisMetaCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisMetaCache) Close() error {
	return c.client.Close()
}
