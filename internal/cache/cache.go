// Package cache provides a process-wide, in-memory TTL cache.
//
// Freshness is decided lazily at read time: an entry is returned only while
// now - stored_at < ttl, where ttl is supplied by the caller on every read.
// Nothing is ever evicted; a stale entry stays in the map until overwritten.
package cache

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Clock is the time source used for freshness checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer is notified of every lookup outcome.
type Observer interface {
	Hit(cache string)
	Miss(cache string)
}

// NoopObserver discards lookup outcomes.
type NoopObserver struct{}

func (NoopObserver) Hit(string)  {}
func (NoopObserver) Miss(string) {}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock    Clock
	observer Observer
	coalesce bool
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithObserver reports hits and misses to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithCoalescing makes concurrent GetOrCompute misses for the same key share
// one computation. Without it, each concurrent miss computes independently
// and the last writer wins.
//
// Keys share a flight when their %#v forms match. Only the first caller's
// compute runs: any context it captured governs the whole flight, and its
// error reaches every waiter.
func WithCoalescing() Option {
	return func(o *options) { o.coalesce = true }
}

// Cache maps keys to timestamped values. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	name     string
	clock    Clock
	observer Observer
	group    *singleflight.Group

	mu      sync.Mutex
	entries map[K]entry[V]
}

// New creates an empty cache. name labels observer callbacks.
func New[K comparable, V any](name string, opts ...Option) *Cache[K, V] {
	o := options{clock: systemClock{}, observer: NoopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[K, V]{
		name:     name,
		clock:    o.clock,
		observer: o.observer,
		entries:  make(map[K]entry[V]),
	}
	if o.coalesce {
		c.group = &singleflight.Group{}
	}
	return c
}

// Name returns the cache label.
func (c *Cache[K, V]) Name() string { return c.name }

// Get returns the value for key if it was stored less than ttl ago.
// A ttl of zero or less always misses.
func (c *Cache[K, V]) Get(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if ok && c.isFresh(e, ttl) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key, resetting its freshness clock.
func (c *Cache[K, V]) Put(key K, value V) {
	e := entry[V]{value: value, storedAt: c.clock.Now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrCompute returns the fresh cached value for key, or calls compute,
// stores its result and returns it. compute runs without the lock held.
// A compute error is returned as is and nothing is stored.
func (c *Cache[K, V]) GetOrCompute(key K, ttl time.Duration, compute func() (V, error)) (V, error) {
	if v, ok := c.Get(key, ttl); ok {
		c.observer.Hit(c.name)
		return v, nil
	}
	c.observer.Miss(c.name)

	if c.group == nil {
		return c.computeAndStore(key, compute)
	}

	v, err, _ := c.group.Do(flightKey(key), func() (any, error) {
		return c.computeAndStore(key, compute)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// flightKey names key for singleflight. %#v keeps values of different
// dynamic types apart, so 1 and "1" never share a flight.
func flightKey[K comparable](key K) string {
	return fmt.Sprintf("%#v", key)
}

func (c *Cache[K, V]) computeAndStore(key K, compute func() (V, error)) (V, error) {
	v, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

func (c *Cache[K, V]) isFresh(e entry[V], ttl time.Duration) bool {
	return c.clock.Now().Sub(e.storedAt) < ttl
}
