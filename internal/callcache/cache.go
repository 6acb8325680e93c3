// ABOUTME: TTL + LRU cache for idempotent connector calls with in-flight
// ABOUTME: de-duplication: concurrent identical requests share one computation.

package callcache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conhub/conhub-gateway/internal/connector"
)

// DefaultTTL applies when neither the gateway config nor the connector
// policy sets one.
const DefaultTTL = 5 * time.Minute

// entry is either pending (computation in flight, done open) or completed
// (value/err final, done closed, member of the LRU list). Pending entries
// never participate in capacity eviction.
type entry struct {
	done chan struct{}

	// Written once before done is closed, read-only after.
	value json.RawMessage
	err   error

	// Completed-entry state, guarded by Cache.mu.
	pending    bool
	insertedAt time.Time
	ttl        time.Duration
	element    *list.Element
}

// Cache memoizes read-style call results for a bounded time. Lookup, pending
// installation, and eviction are serialized by one mutex; computations and
// waits happen outside it, so distinct keys proceed fully concurrently and a
// hung computation never blocks unrelated keys.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // completed keys, least recently used at front
	capacity int
	logger   *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	shared    atomic.Int64
	evictions atomic.Int64
}

// New creates a Cache bounded to capacity completed entries.
func New(capacity int, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]*entry),
		order:    list.New(),
		capacity: capacity,
		logger:   logger,
	}
}

// Do returns the cached result for key, or runs fn to compute it. Guarantees
// at most one concurrent computation per key: callers arriving while a
// computation is in flight wait on it and receive the same outcome. The
// returned bool reports whether the result came from cache (fresh entry or a
// shared in-flight computation) rather than a fn call made on this caller's
// behalf.
//
// Failed computations are not cached, so the next request retries upstream.
// The exception is connector.ErrNotFound, cached for notFoundTTL when the
// owning connector's policy sets it above zero.
func (c *Cache) Do(ctx context.Context, key string, ttl, notFoundTTL time.Duration, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.pending {
			c.mu.Unlock()
			c.shared.Add(1)
			select {
			case <-e.done:
				return e.value, true, e.err
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		if time.Since(e.insertedAt) < e.ttl {
			c.order.MoveToBack(e.element)
			c.mu.Unlock()
			c.hits.Add(1)
			return e.value, true, e.err
		}
		// Expired: drop it and fall through to recompute.
		c.removeLocked(key, e)
	}

	e := &entry{done: make(chan struct{}), pending: true}
	c.entries[key] = e
	c.mu.Unlock()
	c.misses.Add(1)

	value, err := fn(ctx)

	c.mu.Lock()
	e.value = value
	e.err = err
	e.pending = false

	cacheable := err == nil
	entryTTL := ttl
	if err != nil && notFoundTTL > 0 && errors.Is(err, connector.ErrNotFound) {
		cacheable = true
		entryTTL = notFoundTTL
	}

	if cacheable {
		e.insertedAt = time.Now()
		e.ttl = entryTTL
		e.element = c.order.PushBack(key)
		c.evictLocked()
	} else {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	close(e.done)
	return value, false, err
}

// Lookup returns the completed, non-expired entry for key without installing
// a pending computation. Used by stages that must not suspend.
func (c *Cache) Lookup(key string) (json.RawMessage, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.pending {
		return nil, nil, false
	}
	if time.Since(e.insertedAt) >= e.ttl {
		c.removeLocked(key, e)
		return nil, nil, false
	}
	c.order.MoveToBack(e.element)
	return e.value, e.err, true
}

// evictLocked trims least-recently-used completed entries down to capacity.
// Must be called with mu held.
func (c *Cache) evictLocked() {
	for c.order.Len() > c.capacity {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.entries, key)
		c.evictions.Add(1)
	}
}

// removeLocked deletes a completed entry. Must be called with mu held.
func (c *Cache) removeLocked(key string, e *entry) {
	if e.element != nil {
		c.order.Remove(e.element)
	}
	delete(c.entries, key)
}

// Stats reports cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Shared    int64
	Evictions int64
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Shared:    c.shared.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Len returns the number of completed entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
