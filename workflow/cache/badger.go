package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

// BadgerCache keeps entries in an embedded Badger database, so cached node
// outputs survive process restarts.
type BadgerCache struct {
	db     *badger.DB
	prefix []byte
	ttl    time.Duration
	owned  bool
	counters
}

// OpenBadgerCache opens (or creates) a database in dir. An empty dir opens
// an in-memory database. The returned cache owns the database.
func OpenBadgerCache(dir string, ttl time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	c := NewBadgerCache(db, ttl)
	c.owned = true
	return c, nil
}

// NewBadgerCache wraps an existing database. Entries are namespaced under
// "cache/" so the database can be shared.
func NewBadgerCache(db *badger.DB, ttl time.Duration) *BadgerCache {
	return &BadgerCache{db: db, prefix: []byte("cache/"), ttl: ttl}
}

func (c *BadgerCache) key(k string) []byte {
	return append(append([]byte(nil), c.prefix...), k...)
}

func (c *BadgerCache) Get(_ context.Context, key string) (map[string]any, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.record(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	var outputs map[string]any
	if err := json.Unmarshal(data, &outputs); err != nil {
		c.record(false)
		return nil, false, nil
	}
	c.record(true)
	return outputs, true, nil
}

func (c *BadgerCache) Put(_ context.Context, key string, outputs map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(c.key(key), data)
		if d := effectiveTTL(ttl, c.ttl); d > 0 {
			e = e.WithTTL(d)
		}
		return txn.SetEntry(e)
	})
}

func (c *BadgerCache) Invalidate(_ context.Context, key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(key))
	})
}

func (c *BadgerCache) Clear(_ context.Context) error {
	return c.db.DropPrefix(c.prefix)
}

// Stats reports hits and misses plus the number of live entries.
func (c *BadgerCache) Stats() Stats {
	var size int64
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = c.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			size++
		}
		return nil
	})
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

// Close closes the database if the cache opened it.
func (c *BadgerCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}
