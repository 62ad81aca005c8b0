// Package lock keeps two kpiwatch invocations from running against the same
// store at once.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// New creates the configured run lock.
func New(cfg domain.LockConfig) (domain.RunLock, error) {
	switch cfg.Type {
	case "", "none":
		return NewLocal(), nil
	case "redis":
		return NewRedisLock(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// LocalLock is an in-process lock. It serialises scheduled ticks inside one
// process but cannot see other processes.
type LocalLock struct {
	mu      sync.Mutex
	holders map[string]localHold
	now     func() time.Time
}

type localHold struct {
	owner     string
	expiresAt time.Time
}

// NewLocal creates an in-process lock.
func NewLocal() *LocalLock {
	return &LocalLock{
		holders: make(map[string]localHold),
		now:     time.Now,
	}
}

func (l *LocalLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holders[key]; ok && now.Before(h.expiresAt) && h.owner != owner {
		return false, nil
	}
	l.holders[key] = localHold{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *LocalLock) Unlock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[key]; ok && h.owner == owner {
		delete(l.holders, key)
	}
	return nil
}

func (l *LocalLock) Close() error { return nil }

// unlockScript deletes the key only while owner still holds it.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLock is a SET NX lock with an owner token and a TTL.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock connects to Redis.
func NewRedisLock(addr, password string, db int) (*RedisLock, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLock{client: client}, nil
}

func (r *RedisLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		slog.Debug("run lock acquired", "key", key, "owner", owner, "ttl", ttl)
	}
	return ok, nil
}

func (r *RedisLock) Unlock(ctx context.Context, key, owner string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{key}, owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		slog.Warn("run lock was not held at release", "key", key, "owner", owner)
	}
	return nil
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}
