package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

// Cache is the fast read layer in front of the store, backed by BadgerDB.
// Entries carry a TTL so records edited out-of-band by the web layer are
// eventually re-read even without an invalidation.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string
	// InMemory skips disk persistence; used in tests.
	InMemory bool
	// TTL bounds entry staleness. Zero defaults to 5 minutes.
	TTL time.Duration
}

// OpenCache opens the badger-backed cache.
func OpenCache(conf CacheConfig) (*Cache, error) {
	if conf.TTL == 0 {
		conf.TTL = 5 * time.Minute
	}
	opts := badger.DefaultOptions(conf.Path).WithLogger(nil)
	if conf.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	return &Cache{db: db, ttl: conf.TTL}, nil
}

// Close releases the badger handle.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func cacheKey(id string) []byte { return []byte("reaction/" + id) }

// Get returns the cached record for id, or ok=false on a miss. Decode
// failures count as misses so a corrupt entry falls through to the store.
func (c *Cache) Get(id string) (*reaction.Record, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	var rec reaction.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Set stores a record with the configured TTL.
func (c *Cache) Set(rec *reaction.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal reaction %s: %w", rec.ID, err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(cacheKey(rec.ID), raw).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache: set reaction %s: %w", rec.ID, err)
	}
	return nil
}

// Invalidate drops the entry for id. Missing keys are not an error.
func (c *Cache) Invalidate(id string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(id))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("cache: invalidate reaction %s: %w", id, err)
	}
	return nil
}

// RunGC runs badger value-log garbage collection until there is nothing left
// to collect. Intended to be called periodically from main.
func (c *Cache) RunGC() {
	for {
		if err := c.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}
