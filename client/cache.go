package client

import (
	"sync"
	"time"
)

// DefaultStaleness is how long a cached value is served before a read goes
// back to the server.
const DefaultStaleness = 8 * time.Second

// CacheState describes a cache key.
type CacheState int

const (
	CacheAbsent CacheState = iota
	CacheValid
	CacheStale
	CacheInvalidated
)

func (s CacheState) String() string {
	switch s {
	case CacheValid:
		return "valid"
	case CacheStale:
		return "stale"
	case CacheInvalidated:
		return "invalidated"
	default:
		return "absent"
	}
}

type cacheEntry struct {
	value any
	time  time.Time
	valid bool
}

// Cache holds the last return value of each method, keyed by method name.
// Entries are never removed; they are invalidated explicitly or go stale
// with age and become valid again on the next Store.
type Cache struct {
	staleness time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewCache creates a cache. now defaults to time.Now.
func NewCache(staleness time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		staleness: staleness,
		now:       now,
		entries:   make(map[string]*cacheEntry),
	}
}

// Lookup returns the cached value if it is valid and younger than the
// staleness threshold.
func (c *Cache) Lookup(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || !e.valid || c.now().Sub(e.time) > c.staleness {
		return nil, false
	}
	return e.value, true
}

// Store records a freshly fetched value.
func (c *Cache) Store(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &cacheEntry{value: value, time: c.now(), valid: true}
}

// Invalidate marks existing entries invalid. Absent names are ignored.
func (c *Cache) Invalidate(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if e, ok := c.entries[name]; ok {
			e.valid = false
		}
	}
}

// State reports the state of name.
func (c *Cache) State(name string) CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	switch {
	case !ok:
		return CacheAbsent
	case !e.valid:
		return CacheInvalidated
	case c.now().Sub(e.time) > c.staleness:
		return CacheStale
	default:
		return CacheValid
	}
}
