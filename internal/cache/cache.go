// Package cache implements the in-process key-value store used for message
// deduplication and group-sync throttle locks. Every entry carries its own
// TTL; an expired entry behaves as absent on all operations.
package cache

import (
	"context"
	"sync"
	"time"
)

const defaultJanitorInterval = time.Minute

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is safe for concurrent use. SetIfAbsent is the atomic primitive every
// cross-goroutine coordination in the pipeline goes through; nothing else
// locks around it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	janitorInterval time.Duration
	now             func() time.Time
}

type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithJanitorInterval overrides the sweep period used by Run.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.janitorInterval = d
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:         make(map[string]entry),
		janitorInterval: defaultJanitorInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIfAbsent stores value under key with the given TTL and reports whether
// the write won. A live entry under key loses the race; an expired one is
// replaced.
func (c *Cache) SetIfAbsent(key, value string, ttl time.Duration) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true
}

// Replace swaps the value of a live entry without touching its expiry, and
// reports whether an entry was there to replace. Absent or expired keys are
// left alone.
func (c *Cache) Replace(key, value string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return false
	}
	e.value = value
	c.entries[key] = e
	return true
}

// Set stores value unconditionally.
func (c *Cache) Set(key, value string, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

func (c *Cache) Get(key string) (string, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *Cache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts live entries.
func (c *Cache) Len() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Purge drops entries expired as of now and returns how many were removed.
func (c *Cache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries until ctx is done. Reads already treat expired
// entries as absent; the janitor only bounds memory.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge(c.now())
		}
	}
}
