// Package cache keeps rendered HTML fragments keyed by content hash.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"html/template"
	"sync"
	"sync/atomic"
	"time"
)

// Key hashes the parts that determine a fragment's output.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	html      template.HTML
	expiresAt time.Time
	storedAt  time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is the fragment cache used by the block renderer.
type Cache interface {
	Get(key string) (template.HTML, bool)
	Set(key string, html template.HTML)
	Invalidate(key string)
	InvalidateAll()
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// MemoryCache is an in-memory fragment cache with a TTL and an entry limit.
// When full, the oldest entry is evicted.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryCache creates a cache. A non-positive maxEntries means unbounded.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]*entry),
		ttl:             ttl,
		maxEntries:      maxEntries,
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the fragment stored under key.
func (c *MemoryCache) Get(key string) (template.HTML, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if e.expired(c.now()) {
		c.Invalidate(key)
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return e.html, true
}

// Set stores a fragment.
func (c *MemoryCache) Set(key string, html template.HTML) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry{html: html, storedAt: now, expiresAt: now.Add(c.ttl)}
}

// Invalidate removes an entry.
func (c *MemoryCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *MemoryCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Stats returns lookup counters.
func (c *MemoryCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Len returns the number of entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop stops the background cleanup. Safe to call multiple times.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
}

func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}
