package cache

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryCache is an in-process LRU cache with a per-entry TTL.
//
// A zero maxSize means unbounded; a zero ttl means entries never expire.
// Values are copied on Put and Get so callers cannot alias cached maps.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
	ttl time.Duration
	now func() time.Time

	hits, misses atomic.Int64
	// dropped counts every entry leaving the LRU, removed the ones taken
	// out by Invalidate and Clear; evictions are the difference.
	dropped, removed atomic.Int64
}

type memoryEntry struct {
	outputs   map[string]any
	expiresAt time.Time
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	c := &MemoryCache{ttl: ttl, now: time.Now}
	c.lru = expirable.NewLRU(maxSize, func(string, memoryEntry) { c.dropped.Add(1) }, ttl)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (map[string]any, bool, error) {
	e, ok := c.lru.Get(key)
	if ok && !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return maps.Clone(e.outputs), true, nil
}

// Put stores a copy of outputs. The entry expires after the shorter of
// ttl and the cache TTL.
func (c *MemoryCache) Put(_ context.Context, key string, outputs map[string]any, ttl time.Duration) error {
	var expires time.Time
	if d := effectiveTTL(ttl, c.ttl); d > 0 {
		expires = c.now().Add(d)
	}
	c.lru.Add(key, memoryEntry{outputs: maps.Clone(outputs), expiresAt: expires})
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	if c.lru.Remove(key) {
		c.removed.Add(1)
	}
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.removed.Add(int64(c.lru.Len()))
	c.lru.Purge()
	return nil
}

// Stats counts expired and size-evicted entries as evictions; Invalidate
// and Clear are not.
func (c *MemoryCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.dropped.Load() - c.removed.Load(),
		Size:      int64(c.lru.Len()),
	}
}
