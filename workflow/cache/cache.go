// Package cache memoizes node outputs keyed by a digest of their inputs.
//
// The engine consults a Cache before running a cacheable node. A hit is
// treated as a completed node whose outputs are the cached map; the work
// item is not invoked.
//
// Backends:
//   - MemoryCache: in-process LRU with TTL and statistics
//   - RedisCache: shared cache on Redis (go-redis/v9)
//   - BadgerCache: embedded persistent cache (badger/v3)
//
// Redis and Badger encode entries as JSON, so numbers come back as float64.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"
)

// Cache stores node outputs.
//
// Get reports a miss as (nil, false, nil); errors are reserved for backend
// failures, which the engine logs and treats as a miss.
//
// A positive ttl passed to Put bounds the entry's lifetime. Backends also
// apply their own configured TTL, and the shorter of the two wins.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Put(ctx context.Context, key string, outputs map[string]any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// StatsReporter is implemented by caches that count their traffic.
type StatsReporter interface {
	Stats() Stats
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// HitRate is Hits / (Hits + Misses), or 0 when there was no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Key joins the non-empty parts with ":" and returns their sha256 digest.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(kept, ":")))
	return hex.EncodeToString(sum[:])
}

// effectiveTTL returns the shorter positive duration, or zero when neither
// is set.
func effectiveTTL(entry, backend time.Duration) time.Duration {
	switch {
	case entry <= 0:
		return max(backend, 0)
	case backend <= 0:
		return entry
	}
	return min(entry, backend)
}

// counters backs Stats for the remote caches.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}
