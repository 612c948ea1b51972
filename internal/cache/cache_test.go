package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	ns := "narrative"

	t.Run("SetAndGet", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		if err := c.Set(ctx, ns, "A:2025-03-01:Both", []byte("text"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, ns, "A:2025-03-01:Both")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "text" {
			t.Errorf("expected 'text', got '%s'", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		val, err := c.Get(ctx, ns, "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for miss, got %q", val)
		}
		if s := c.Stats(); s.Misses != 1 || s.Hits != 0 {
			t.Errorf("unexpected stats %+v", s)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		_ = c.Set(ctx, ns, "k", []byte("v"), time.Minute)
		if err := c.Delete(ctx, ns, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, ns, "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, ns, "short", []byte("v"), time.Second)
		_ = c.Set(ctx, ns, "default", []byte("v"), 0)

		now = now.Add(2 * time.Second)
		if val, _ := c.Get(ctx, ns, "short"); val != nil {
			t.Error("expected expired entry to be gone")
		}
		if val, _ := c.Get(ctx, ns, "default"); val == nil {
			t.Error("expected entry with default TTL to survive")
		}

		now = now.Add(time.Minute)
		if val, _ := c.Get(ctx, ns, "default"); val != nil {
			t.Error("expected default TTL to expire")
		}
	})

	t.Run("Eviction", func(t *testing.T) {
		c := NewLRUCache(3, time.Minute)
		_ = c.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, ns, "c", []byte("3"), time.Minute)
		_, _ = c.Get(ctx, ns, "a")
		_ = c.Set(ctx, ns, "d", []byte("4"), time.Minute)

		if val, _ := c.Get(ctx, ns, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := c.Get(ctx, ns, "a"); val == nil {
			t.Error("expected 'a' to survive")
		}
		if s := c.Stats(); s.Size != 3 || s.Capacity != 3 {
			t.Errorf("unexpected stats %+v", s)
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		_ = c.Set(ctx, "prod", "k", []byte("prod"), time.Minute)
		_ = c.Set(ctx, "staging", "k", []byte("staging"), time.Minute)

		v1, _ := c.Get(ctx, "prod", "k")
		v2, _ := c.Get(ctx, "staging", "k")
		if string(v1) != "prod" || string(v2) != "staging" {
			t.Errorf("namespaces leaked: %q %q", v1, v2)
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		c := NewLRUCache(100, time.Minute)
		if err := c.Set(ctx, "", "k", []byte("v"), time.Minute); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := c.Get(ctx, "", "k"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10, time.Minute)
		_ = c.Set(ctx, ns, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, ns, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache_ServesFromL1(t *testing.T) {
	ctx := context.Background()
	// Unreachable Redis: every L2 call fails, so any success must come from L1.
	remote := NewRedisCacheFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
	local := NewLRUCache(10, time.Minute)
	c := newTwoPhase(local, remote, time.Minute)
	defer c.Close()

	_ = local.Set(ctx, "narrative", "k", []byte("cached"), time.Minute)

	val, err := c.Get(ctx, "narrative", "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "cached" {
		t.Errorf("expected L1 value, got %q", val)
	}

	if _, err := c.Get(ctx, "narrative", "other"); err == nil {
		t.Error("expected L2 error on L1 miss")
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("expected ping to fail against unreachable redis")
	}
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()

	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(ctx, domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(ctx, domain.CacheConfig{Type: "memcached"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})

	t.Run("UnreachableRedis", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := New(ctx, domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			t.Errorf("expected ErrSourceUnavailable, got %v", err)
		}
	})
}
