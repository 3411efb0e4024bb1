package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" validate:"oneof=memory redis"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"localmaxsize"`
	LocalTTL     time.Duration `koanf:"localttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redisaddr"`
	RedisPassword string `koanf:"redispassword"`
	RedisDB       int    `koanf:"redisdb"`
	RedisPoolSize int    `koanf:"redispoolsize" validate:"gte=0"`

	// RedisTimeout bounds each Redis command; zero uses the client default.
	RedisTimeout time.Duration `koanf:"redistimeout"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enabletwophase"` // If true, check local first, then Redis
}
