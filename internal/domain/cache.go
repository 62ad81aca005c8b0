package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value cache. Keys are scoped by namespace.
type Cache interface {
	// Get returns nil, nil if the key is not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace string, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts a local LRU in front of Redis.
	EnableTwoPhase bool

	// SeriesTTL bounds how long a metric series stays cached.
	SeriesTTL time.Duration
}
