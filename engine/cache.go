package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mjkoskela/backbeat"
)

type (
	// Resolver turns an opaque asset location into a decoded buffer. The
	// cache does not care what the location means; see resolver.go for the
	// memory, filesystem and network implementations.
	Resolver interface {
		Resolve(ctx context.Context, location string) (*backbeat.Buffer, error)
	}

	// Cache is the keyed, deduplicated asset buffer store. Multiple clips
	// commonly share one asset, so concurrent Ensure calls for the same key
	// are collapsed into a single load whose result satisfies all waiters.
	// A failed load is stored as an unavailable entry rather than
	// propagated as a fatal error: one bad resource must not abort the rest
	// of scheduling, the triggers referencing it simply never fire.
	Cache struct {
		resolver Resolver
		log      *slog.Logger

		group singleflight.Group

		mu      sync.RWMutex
		entries map[string]cacheEntry
	}

	cacheEntry struct {
		buffer *backbeat.Buffer
		err    error
	}
)

func NewCache(resolver Resolver, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		resolver: resolver,
		log:      log,
		entries:  make(map[string]cacheEntry),
	}
}

// Ensure returns the buffer for the key, loading it if this is the first
// request. Concurrent callers for the same key await the same in-flight
// load. A load failure is recorded and returned, but it is a local
// condition: the key stays in the cache as unavailable and later Get calls
// report it as not ready.
func (c *Cache) Ensure(ctx context.Context, key string) (*backbeat.Buffer, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e.buffer, e.err
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		buf, err := c.resolver.Resolve(ctx, key)
		if err != nil {
			err = fmt.Errorf("load %q: %w", key, err)
			// a load aborted by cancellation is not a failed resource:
			// leave no entry behind so the next Ensure retries
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			c.log.Warn("asset load failed", "key", key, "error", err)
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{buffer: buf, err: err}
		c.mu.Unlock()
		return buf, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*backbeat.Buffer), err
}

// Get is the non-blocking readiness check used when deciding whether a
// trigger can fire: it returns the buffer only if the key has finished
// loading successfully.
func (c *Cache) Get(key string) (*backbeat.Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.err != nil || e.buffer == nil {
		return nil, false
	}
	return e.buffer, true
}

// EnsureAll loads every key, returning once all loads have finished,
// success or failure. Load failures are recorded per key and do not fail
// the call; only context cancellation aborts the wait early.
func (c *Cache) EnsureAll(ctx context.Context, keys []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, key := range keys {
		g.Go(func() error {
			c.Ensure(ctx, key)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// Put seeds a key with an already decoded buffer, bypassing the resolver.
// The recording subsystem stores finished takes this way so clips
// referencing them play without a load round trip.
func (c *Cache) Put(key string, buf *backbeat.Buffer) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{buffer: buf}
	c.mu.Unlock()
}

// Drop removes a key so the next Ensure loads it again; used when an
// asset's content changes or a failed load should be retried.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
