package live

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"perpdesk/internal/monitor"
)

// View is what a cache read returns. Value is the last successful fetch and
// Valid reports whether one ever happened. Err is the most recent fetch error,
// cleared by the next success.
type View[T any] struct {
	Value     T
	Valid     bool
	FetchedAt time.Time
	Age       time.Duration
	Err       error
}

// Stale reports whether the value is older than ttl or a refresh has failed since.
func (v View[T]) Stale(ttl time.Duration) bool {
	return !v.Valid || v.Err != nil || v.Age >= ttl
}

type entry[T any] struct {
	value     T
	valid     bool
	fetchedAt time.Time
	expired   bool
	err       error
	failedAt  time.Time
}

// Cache holds one remotely fetched value for a validity window. Entries are
// replaced wholesale; readers never see a partially updated value.
type Cache[T any] struct {
	name    string
	ttl     time.Duration
	fetch   func(ctx context.Context) (T, error)
	cur     atomic.Pointer[entry[T]]
	group   singleflight.Group
	metrics *monitor.SystemMetrics
}

// NewCache creates a cache that calls fetch when the value is missing or older than ttl.
func NewCache[T any](name string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) *Cache[T] {
	c := &Cache[T]{name: name, ttl: ttl, fetch: fetch}
	c.cur.Store(&entry[T]{})
	return c
}

// Get returns the cached value, fetching first when it is expired or force is set.
// A failed fetch is not retried until ttl has passed since the failure.
// Concurrent fetches are collapsed into one call.
func (c *Cache[T]) Get(ctx context.Context, force bool) View[T] {
	e := c.cur.Load()
	if !force && !e.expired && c.current(e) {
		c.metrics.CacheHit()
		return c.view(e)
	}
	c.refresh(ctx)
	return c.view(c.cur.Load())
}

func (c *Cache[T]) current(e *entry[T]) bool {
	if e.err != nil {
		return time.Since(e.failedAt) < c.ttl
	}
	return e.valid && time.Since(e.fetchedAt) < c.ttl
}

// Peek returns the current value without fetching.
func (c *Cache[T]) Peek() View[T] {
	return c.view(c.cur.Load())
}

// Invalidate makes the next Get fetch, and detaches it from any fetch already in flight.
func (c *Cache[T]) Invalidate() {
	c.group.Forget(c.name)
	for {
		old := c.cur.Load()
		next := *old
		next.expired = true
		if c.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (c *Cache[T]) refresh(ctx context.Context) {
	_, _, _ = c.group.Do(c.name, func() (any, error) {
		v, err := c.fetch(ctx)
		c.metrics.CacheRefresh(err)
		prev := c.cur.Load()
		if err != nil {
			next := *prev
			next.err = err
			next.failedAt = time.Now()
			next.expired = false
			c.cur.Store(&next)
			return nil, err
		}
		c.cur.Store(&entry[T]{value: v, valid: true, fetchedAt: time.Now()})
		return nil, nil
	})
}

func (c *Cache[T]) view(e *entry[T]) View[T] {
	v := View[T]{Value: e.value, Valid: e.valid, FetchedAt: e.fetchedAt, Err: e.err}
	if !e.fetchedAt.IsZero() {
		v.Age = time.Since(e.fetchedAt)
	}
	return v
}
