package cache

import (
	"sync"
	"time"
)

type timedEntry[V any] struct {
	value     V
	timestamp time.Time
}

// TimedCache is a small map whose entries expire after ttl. When it holds
// capacity entries the next insert clears it first, so memory stays bounded
// without tracking recency.
type TimedCache[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  map[K]timedEntry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewTimedCache returns a cache. A capacity of zero or less means
// unbounded.
func NewTimedCache[K comparable, V any](ttl time.Duration, capacity int) *TimedCache[K, V] {
	return &TimedCache[K, V]{
		entries:  make(map[K]timedEntry[V]),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *TimedCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *TimedCache[K, V]) expired(e timedEntry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.timestamp) >= c.ttl
}

func (c *TimedCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e, c.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TimedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, value)
}

// SetIfAbsent stores value unless a live entry exists, and reports whether
// it stored.
func (c *TimedCache[K, V]) SetIfAbsent(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !c.expired(e, c.now()) {
		return false
	}
	c.insertLocked(key, value)
	return true
}

func (c *TimedCache[K, V]) insertLocked(key K, value V) {
	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		clear(c.entries)
	}
	c.entries[key] = timedEntry[V]{value: value, timestamp: c.now()}
}

func (c *TimedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Cleanup drops expired entries and returns how many were removed.
func (c *TimedCache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *TimedCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
