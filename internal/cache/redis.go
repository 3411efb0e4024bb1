package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const redisKeyPrefix = "kestrel"

// RedisCache stores entries in Redis under kestrel:{tenant}:{key}. It is the
// pro tier cache and L2 of the two-phase cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the configured Redis and verifies it answers.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}
	if cfg.RedisTimeout > 0 {
		opts.ReadTimeout = cfg.RedisTimeout
		opts.WriteTimeout = cfg.RedisTimeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(tenantID, key string) string {
	return redisKeyPrefix + ":" + tenantID + ":" + key
}

// Get returns the cached value or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value; a non-positive TTL stores it without expiry.
func (c *RedisCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisKey(tenantID, key), value, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key without blocking Redis on large values.
func (c *RedisCache) Delete(ctx context.Context, tenantID, key string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := c.client.Unlink(ctx, redisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client's connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
