// Package quotecache is a small TTL cache for latest quotes keyed by vendor
// code.
package quotecache

import (
	"sync"
	"time"

	"metalsdesk/internal/domain"
)

// DefaultTTL is how long a quote stays fresh when no TTL is configured.
const DefaultTTL = 30 * time.Second

// Stats counts cache activity since construction.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	quote    domain.LiveQuote
	storedAt time.Time
}

// Cache holds at most maxEntries quotes. Entries expire passively: an entry
// older than ttl is reported as a miss and removed on access. When full, the
// oldest entry is evicted first.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits, misses, evictions uint64
}

// New returns a Cache. Non-positive arguments fall back to DefaultTTL and an
// unbounded size.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock replaces the cache's time source. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Get returns the quote for code if present and younger than the TTL.
func (c *Cache) Get(code string) (domain.LiveQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[code]
	if !ok {
		c.misses++
		return domain.LiveQuote{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, code)
		c.misses++
		return domain.LiveQuote{}, false
	}
	c.hits++
	return e.quote, true
}

// Put stores q under code, replacing any existing entry.
func (c *Cache) Put(code string, q domain.LiveQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[code]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.purgeExpiredLocked(now)
		for len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.entries[code] = entry{quote: q, storedAt: now}
}

// Len returns the number of stored entries, including any not yet purged
// after expiry.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) purgeExpiredLocked(now time.Time) {
	for code, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, code)
		}
	}
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestCode string
		oldestAt   time.Time
		found      bool
	)
	for code, e := range c.entries {
		if !found || e.storedAt.Before(oldestAt) {
			oldestCode, oldestAt, found = code, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestCode)
		c.evictions++
	}
}
