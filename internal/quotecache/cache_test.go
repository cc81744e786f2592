package quotecache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalsdesk/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func TestGetPut(t *testing.T) {
	clk := newClock()
	c := New(30*time.Second, 10).WithClock(clk.now)

	_, ok := c.Get("LMZSDS03")
	assert.False(t, ok)

	q := domain.LiveQuote{Code: "LMZSDS03", Last: 2500, Timestamp: clk.now()}
	c.Put("LMZSDS03", q)

	got, ok := c.Get("LMZSDS03")
	require.True(t, ok)
	assert.Equal(t, q, got)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 1, st.Entries)
}

func TestPassiveExpiry(t *testing.T) {
	clk := newClock()
	c := New(30*time.Second, 10).WithClock(clk.now)
	c.Put("LMCADS03", domain.LiveQuote{Code: "LMCADS03", Last: 8500})

	clk.advance(29 * time.Second)
	_, ok := c.Get("LMCADS03")
	assert.True(t, ok)

	clk.advance(time.Second)
	_, ok = c.Get("LMCADS03")
	assert.False(t, ok, "an entry exactly TTL old is expired")
	assert.Zero(t, c.Len(), "expired entries are removed on access")
}

func TestOldestEvictedFirst(t *testing.T) {
	clk := newClock()
	c := New(time.Minute, 3).WithClock(clk.now)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("C%d", i), domain.LiveQuote{Last: float64(i)})
		clk.advance(time.Second)
	}
	// Refreshing an existing key never evicts.
	c.Put("C1", domain.LiveQuote{Last: 11})
	assert.Equal(t, 3, c.Len())

	c.Put("C3", domain.LiveQuote{Last: 3})
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("C0")
	assert.False(t, ok, "oldest entry is evicted")
	_, ok = c.Get("C1")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestExpiredPurgedBeforeEviction(t *testing.T) {
	clk := newClock()
	c := New(10*time.Second, 2).WithClock(clk.now)

	c.Put("A", domain.LiveQuote{})
	clk.advance(5 * time.Second)
	c.Put("B", domain.LiveQuote{})
	clk.advance(6 * time.Second) // A expired, B fresh

	c.Put("C", domain.LiveQuote{})
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)
	_, ok := c.Get("B")
	assert.True(t, ok)
}

func TestDefaults(t *testing.T) {
	c := New(0, 0)
	for i := 0; i < 500; i++ {
		c.Put(fmt.Sprintf("C%d", i), domain.LiveQuote{})
	}
	assert.Equal(t, 500, c.Len())
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute, 8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("C%d", i%12)
			for j := 0; j < 100; j++ {
				c.Put(code, domain.LiveQuote{Code: code, Last: float64(j)})
				c.Get(code)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
