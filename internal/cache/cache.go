package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the cache selected by cfg.Type:
// "memory" is a process-local LRU, "redis" a shared Redis cache, and
// "redis" with EnableTwoPhase an LRU in front of Redis.
func New(ctx context.Context, cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize, cfg.LocalTTL), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(ctx, cfg)
		}
		return NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, &domain.ConfigError{Field: "cache.type", Reason: "unsupported cache type " + cfg.Type}
	}
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2).
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache connects to Redis and wraps it with an LRU.
func NewTwoPhaseCache(ctx context.Context, cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize, cfg.LocalTTL), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = DefaultLocalTTL
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get checks L1, then L2. An L2 hit is copied into L1.
func (c *TwoPhaseCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, namespace, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, namespace, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L1 with the shorter of ttl and the L1 TTL, and L2 with ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, namespace, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, namespace, key, value, ttl)
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, namespace string, key string) error {
	if err := c.local.Delete(ctx, namespace, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, namespace, key)
}

// Ping checks Redis. L1 is always healthy.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close clears L1 and closes the Redis client.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns the L1 hit statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

func namespacedKey(namespace, key string) (string, error) {
	if namespace == "" {
		return "", fmt.Errorf("%w: cache namespace is required", domain.ErrInvalidInput)
	}
	return namespace + ":" + key, nil
}
