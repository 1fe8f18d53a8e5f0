// Package idempotency suppresses duplicate world events.
//
// Duplicate detection runs in two tiers: a bounded in-process Cache that
// absorbs rapid redeliveries, and a durable xworld.IdempotencyStore that
// survives restarts and is shared by every worker instance.
package idempotency

import (
	"container/list"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

const (
	DefaultCacheTTL     = 10 * time.Minute
	DefaultCacheMaxSize = 10_000
)

// Cache is the first-tier duplicate filter: a TTL map bounded to MaxSize
// entries. When full, the oldest inserted key is evicted first.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion
}

type cacheEntry struct {
	key     string
	eventID string
	marked  time.Time
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithTTL sets how long a marked key is remembered.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxSize bounds the number of remembered keys.
func WithMaxSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithNow replaces the clock used for expiry.
func WithNow(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns an empty cache with a 10 minute TTL and room for 10,000 keys
// unless opts say otherwise.
func NewCache(opts ...CacheOption) *Cache {
	clk := xclock.Default()
	c := &Cache{
		ttl:     DefaultCacheTTL,
		maxSize: DefaultCacheMaxSize,
		now:     clk.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDuplicate reports whether key was marked within the TTL. Expired keys
// are dropped on lookup.
func (c *Cache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(el.Value.(*cacheEntry).marked) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return false
	}
	return true
}

// MarkProcessed remembers key as applied by eventID. Re-marking refreshes the
// entry but keeps the key's place in eviction order.
func (c *Cache) MarkProcessed(key, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.eventID, e.marked = eventID, now
		return
	}
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, eventID: eventID, marked: now})
}

// EventID returns the event that marked key, if the key is remembered.
func (c *Cache) EventID(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return el.Value.(*cacheEntry).eventID, true
}

// Len returns the number of remembered keys, including expired ones not yet
// looked up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Reset forgets every key. It simulates a process restart in tests.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}
