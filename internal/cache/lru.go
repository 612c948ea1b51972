// Package cache provides the narrative cache implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults for the local cache.
const (
	DefaultLocalMaxSize = 10000
	DefaultLocalTTL     = 5 * time.Minute
)

// Stats reports LRU occupancy and hit counts.
type Stats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
}

// LRUCache is a thread-safe LRU cache with per-entry expiry.
type LRUCache struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	items      map[string]*list.Element
	order      *list.List
	hits       int64
	misses     int64
	now        func() time.Time
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU holding at most maxSize entries. Entries set
// with a non-positive ttl live for defaultTTL.
func NewLRUCache(maxSize int, defaultTTL time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = DefaultLocalMaxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultLocalTTL
	}
	return &LRUCache{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(_ context.Context, namespace string, key string) ([]byte, error) {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		c.misses++
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores value, evicting the least recently used entries over capacity.
func (c *LRUCache) Set(_ context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[fullKey]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[fullKey] = c.order.PushFront(&lruEntry{key: fullKey, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(_ context.Context, namespace string, key string) error {
	fullKey, err := namespacedKey(namespace, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.remove(elem)
	}
	return nil
}

func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.order.Len(), Capacity: c.maxSize, Hits: c.hits, Misses: c.misses}
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
