package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, max int) (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(ttl, max)
	c.now = clock.Now
	return c, clock
}

func TestMemoryCacheBasic(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	defer c.Stop()

	if _, found := c.Get("k"); found {
		t.Error("expected cache miss for non-existent key")
	}

	c.Set("k", "<p>hi</p>")
	got, found := c.Get("k")
	if !found {
		t.Fatal("expected cache hit")
	}
	if got != "<p>hi</p>" {
		t.Errorf("unexpected fragment: %q", got)
	}

	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)
	defer c.Stop()

	c.Set("k", "x")
	clock.Advance(59 * time.Second)
	if _, found := c.Get("k"); !found {
		t.Error("expected hit before TTL")
	}

	clock.Advance(2 * time.Second)
	if _, found := c.Get("k"); found {
		t.Error("expected miss after TTL expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed, len=%d", c.Len())
	}
}

func TestMemoryCacheEvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 2)
	defer c.Stop()

	c.Set("a", "1")
	clock.Advance(time.Second)
	c.Set("b", "2")
	clock.Advance(time.Second)
	c.Set("c", "3")

	if _, found := c.Get("a"); found {
		t.Error("oldest entry should have been evicted")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}

	// Overwriting an existing key does not evict.
	c.Set("c", "3b")
	if _, found := c.Get("b"); !found {
		t.Error("b should still be cached")
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	defer c.Stop()

	c.Set("a", "1")
	c.Set("b", "2")
	c.Invalidate("a")
	if _, found := c.Get("a"); found {
		t.Error("a should be gone")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestMemoryCacheCleanup(t *testing.T) {
	c, clock := newTestCache(time.Second, 0)
	defer c.Stop()

	c.Set("a", "1")
	clock.Advance(2 * time.Second)
	c.cleanup()
	if c.Len() != 0 {
		t.Errorf("cleanup should drop expired entries, len=%d", c.Len())
	}
}

func TestKeyIsStable(t *testing.T) {
	if Key("code", "cpp", "int x;") != Key("code", "cpp", "int x;") {
		t.Error("same parts should hash the same")
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("part boundaries must be part of the key")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	c.Stop()
	c.Stop()
}
