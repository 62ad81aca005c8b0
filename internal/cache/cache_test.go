package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kpiwatch/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	ns := "series"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, ns, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, ns, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, ns, "expiring", []byte("temp"), time.Minute)

		val, _ := c.Get(ctx, ns, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Minute)

		val, _ = c.Get(ctx, ns, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, ns, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, ns, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, ns, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, ns, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, ns, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "series", "shared-key", []byte("series-value"), time.Minute)
		_ = cache.Set(ctx, "report", "shared-key", []byte("report-value"), time.Minute)

		val1, _ := cache.Get(ctx, "series", "shared-key")
		val2, _ := cache.Get(ctx, "report", "shared-key")

		if string(val1) != "series-value" {
			t.Errorf("expected 'series-value', got '%s'", string(val1))
		}
		if string(val2) != "report-value" {
			t.Errorf("expected 'report-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty namespace")
		}
		if _, err := cache.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty namespace")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		lru, ok := c.(*LRUCache)
		if !ok {
			t.Fatalf("expected *LRUCache, got %T", c)
		}
		if _, capacity := lru.Stats(); capacity != 5 {
			t.Errorf("expected capacity 5, got %d", capacity)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported cache type")
		}
	})
}

// TestRedisCache runs against a live Redis when KPIWATCH_TEST_REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("KPIWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KPIWATCH_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	remote, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	two := newTwoPhase(NewLRUCache(10), remote, time.Minute)
	defer two.Close()

	if err := two.Set(ctx, "test", "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Drop L1 so the read goes to Redis and repopulates it.
	_ = two.local.Delete(ctx, "test", "k")
	val, err := two.Get(ctx, "test", "k")
	if err != nil || string(val) != "v" {
		t.Fatalf("expected 'v' from L2, got %q (%v)", val, err)
	}
	if size, _ := two.Stats(); size != 1 {
		t.Errorf("expected L1 repopulated, size %d", size)
	}

	if err := two.Delete(ctx, "test", "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	val, _ = remote.Get(ctx, "test", "k")
	if val != nil {
		t.Error("expected nil after delete")
	}
}
