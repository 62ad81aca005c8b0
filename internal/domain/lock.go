package domain

import (
	"context"
	"time"
)

// RunLock keeps two invocations from working on the same store at once.
type RunLock interface {
	// TryLock returns false, nil when another owner holds the lock.
	TryLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string, owner string) error
	Close() error
}

// LockConfig selects the run lock implementation.
type LockConfig struct {
	// Type is "none" or "redis"
	Type string
	Key  string
	TTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
