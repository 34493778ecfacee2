// Package cache holds the TTL cache that backs idempotent request replay.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// TTL is a thread-safe in-memory cache whose entries expire after a fixed
// duration. Expired entries are invisible to readers and swept periodically
// until Close is called.
type TTL[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache with the given TTL and starts its sweeper.
func New[T any](ttl time.Duration) *TTL[T] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &TTL[T]{
		items: make(map[string]entry[T]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *TTL[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry.
func (c *TTL[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// SetIfAbsent stores value only when key holds no live entry.
// It returns the value now held and whether it was stored by this call.
func (c *TTL[T]) SetIfAbsent(key string, value T) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok && !now.After(e.expiresAt) {
		return e.value, false
	}
	c.items[key] = entry[T]{value: value, expiresAt: now.Add(c.ttl)}
	return value, true
}

// Delete removes key.
func (c *TTL[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Len reports the number of live entries.
func (c *TTL[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.items {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. The cache stays usable.
func (c *TTL[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTL[T]) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *TTL[T]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}
