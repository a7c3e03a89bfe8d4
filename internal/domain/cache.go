package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `mapstructure:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `mapstructure:"local_ttl" json:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `mapstructure:"redis_addr" json:"redisAddr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `mapstructure:"two_phase" json:"twoPhase"` // If true, check local first, then Redis

	// PredictionTTL bounds how long a scored transaction is memoized.
	PredictionTTL time.Duration `mapstructure:"prediction_ttl" json:"predictionTtl"`
}
