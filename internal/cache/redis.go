package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// keyPrefix separates Kestrel keys from other users of the same Redis.
const keyPrefix = "kestrel:"

// RedisCache implements domain.Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and pings within five seconds. An unreachable Redis
// is reported as ErrSourceUnavailable.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: redis at %s: %v", domain.ErrSourceUnavailable, addr, err)
	}
	return c, nil
}

// NewRedisCacheFromClient wraps an existing client without pinging it.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, keyPrefix+fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores value. A non-positive ttl keeps the key without expiry.
func (c *RedisCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, keyPrefix+fullKey, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, namespace string, key string) error {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, keyPrefix+fullKey).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
