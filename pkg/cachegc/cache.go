// Package cachegc is a local in-memory caching layer with expiring entries.
package cachegc

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a thread-safe LRU cache whose entries expire after TTL.
// Expired entries are garbage collected from the LRU end on access.
type Cache[K comparable, V any] struct {
	LRU *lru.Cache
	TTL time.Duration
	Now func() time.Time
}

type cacheEntry[V any] struct {
	data        V
	lastUpdated time.Time
}

// NewCache creates a new caching layer that keeps the number of entries specified.
func NewCache[K comparable, V any](size int, ttl time.Duration) (*Cache[K, V], error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{LRU: cache, TTL: ttl, Now: time.Now}, nil
}

func (c *Cache[K, V]) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	entryI, ok := c.LRU.Get(key)
	if !ok {
		return value, false
	}
	entry := entryI.(*cacheEntry[V])
	if c.now().Sub(entry.lastUpdated) > c.TTL {
		c.LRU.Remove(key)
		c.GC() // Also prune other expired entries while we're at it.
		return value, false
	}
	return entry.data, true
}

// Add inserts or refreshes an item.
func (c *Cache[K, V]) Add(key K, value V) {
	c.LRU.Add(key, &cacheEntry[V]{data: value, lastUpdated: c.now()})
}

// Remove evicts an item.
func (c *Cache[K, V]) Remove(key K) {
	c.LRU.Remove(key)
}

// Len returns the number of entries, including expired ones not yet collected.
func (c *Cache[K, V]) Len() int {
	return c.LRU.Len()
}

// GetOrLoad returns the cached item or calls load and caches its result.
// Errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	c.Add(key, value)
	return value, nil
}

// GC removes expired entries from the LRU end.
func (c *Cache[K, V]) GC() {
	now := c.now()
	for {
		key, entryI, ok := c.LRU.GetOldest()
		if !ok {
			break
		}
		entry := entryI.(*cacheEntry[V])
		if now.Sub(entry.lastUpdated) <= c.TTL {
			break
		}
		c.LRU.Remove(key)
	}
}
