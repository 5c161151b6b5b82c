// Package repo provides read/write access to reaction records and execution
// history: a SQLite persistent store fronted by a BadgerDB cache.
package repo

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/gyaneshwarpardhi/reactsink/internal/metrics"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

// ErrNotFound marks a reaction id with no stored record.
var ErrNotFound = errors.New("reaction not found")

// Client is the repository surface the sink depends on.
type Client interface {
	// Get loads a record, cache-first. Unknown ids return an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, id string) (*reaction.Record, error)
	// RecordRun durably records an execution result, advancing lastrun for
	// non-Skipped outcomes.
	RecordRun(ctx context.Context, res *reaction.ExecutionResult) error
	// Runs lists recent history for a reaction, newest first.
	Runs(ctx context.Context, id string, limit int) ([]reaction.Run, error)
}

// client is the production Client: Store + Cache + bounded retry.
type client struct {
	store *Store
	cache *Cache
	retry RetryConfig
	group singleflight.Group
}

// NewClient wires the store and cache into a Client.
func NewClient(store *Store, cache *Cache, retry RetryConfig) Client {
	return &client{store: store, cache: cache, retry: retry}
}

// Get is cache-first. Concurrent misses on the same id collapse to a single
// store read; the winning read populates the cache.
func (c *client) Get(ctx context.Context, id string) (*reaction.Record, error) {
	if rec, ok := c.cache.Get(id); ok {
		metrics.CacheHits.Inc()
		return rec, nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		var rec *reaction.Record
		err := retry(ctx, c.retry, func() error {
			var err error
			rec, err = c.store.Get(ctx, id)
			if err != nil && !errors.Is(err, ErrNotFound) {
				metrics.RepoErrors.Inc()
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(rec); err != nil {
			// Cache population is best-effort; the store read stands.
			return rec, nil
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*reaction.Record), nil
}

// RecordRun writes through the store then invalidates the cache entry so the
// next Get observes the advanced lastrun.
func (c *client) RecordRun(ctx context.Context, res *reaction.ExecutionResult) error {
	err := retry(ctx, c.retry, func() error {
		err := c.store.RecordRun(ctx, res)
		if err != nil {
			metrics.RepoErrors.Inc()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("repo: record run: %w", err)
	}
	if res.Outcome != reaction.Skipped {
		if err := c.cache.Invalidate(res.ReactionID); err != nil {
			return fmt.Errorf("repo: invalidate after run: %w", err)
		}
	}
	return nil
}

func (c *client) Runs(ctx context.Context, id string, limit int) ([]reaction.Run, error) {
	return c.store.Runs(ctx, id, limit)
}
