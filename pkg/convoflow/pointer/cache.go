package pointer

import (
	"container/list"
	"sync"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

// Cache defaults.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 256
)

// Cache is a TTL-bounded, capacity-evicting map of resolved prompt
// versions keyed by precedence key. It is process-local and
// best-effort; staleness up to the TTL is accepted. Safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front is oldest insertion
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

type cacheEntry struct {
	key      string
	version  *store.PromptVersion
	storedAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the entry time-to-live.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCapacity overrides the entry ceiling.
func WithCapacity(n int) CacheOption {
	return func(c *Cache) { c.capacity = n }
}

// WithCacheClock sets the time source, letting tests control expiry.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      DefaultCacheTTL,
		capacity: DefaultCacheCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached version for a key, treating expired entries
// as absent.
func (c *Cache) Get(key string) (*store.PromptVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return entry.version, true
}

// Put stores a resolved version, evicting the oldest insertion once
// the capacity ceiling is exceeded.
func (c *Cache) Put(key string, v *store.PromptVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	c.entries[key] = c.order.PushBack(&cacheEntry{
		key:      key,
		version:  v,
		storedAt: c.now(),
	})
}

// Invalidate removes a key. Callers needing strong consistency use
// this to bypass the TTL.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of live entries, counting expired but
// not-yet-collected entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
