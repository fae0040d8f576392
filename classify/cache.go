package classify

import (
	"container/list"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheSize = 500
	DefaultCacheTTL  = time.Hour
)

type cacheEntry struct {
	key      string
	decision Decision
	expires  time.Time
}

// DecisionCache is a bounded LRU cache with per-entry TTL. Constructed per
// request on the invocation hot path; decisions never leak across requests
// unless the caller deliberately shares one.
type DecisionCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element

	now func() time.Time
}

// NewDecisionCache creates a cache with the given capacity and TTL.
// Non-positive values fall back to the defaults.
func NewDecisionCache(capacity int, ttl time.Duration) *DecisionCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{
		cap:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns a cached decision if present and unexpired.
func (c *DecisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return Decision{}, false
	}
	c.order.MoveToFront(el)
	return entry.decision, true
}

// Put stores a decision, evicting the least recently used entry at
// capacity.
func (c *DecisionCache) Put(key string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.decision = d
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	el := c.order.PushFront(&cacheEntry{
		key:      key,
		decision: d,
		expires:  c.now().Add(c.ttl),
	})
	c.entries[key] = el
}

// Len returns the number of cached decisions, expired included.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
