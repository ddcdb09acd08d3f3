package common

import (
	"container/list"
	"sync"
	"time"
)

// =============================================================================
// L1 Cache - In-Memory LRU with TTL
// =============================================================================

// L1Cache is a small in-process LRU in front of Redis. A rule run reads
// the same message a few times (static pass, arbitration, event), so even
// a short TTL saves most network calls.
type L1Cache struct {
	mu       sync.Mutex
	maxItems int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element

	hits   int64
	misses int64
}

type l1Entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// L1Config configures the L1 cache.
type L1Config struct {
	MaxItems   int
	DefaultTTL time.Duration
}

// DefaultL1Config returns sensible defaults for L1 cache
func DefaultL1Config() *L1Config {
	return &L1Config{
		MaxItems:   2000,
		DefaultTTL: 2 * time.Minute,
	}
}

// NewL1Cache creates a new L1 cache.
func NewL1Cache(config *L1Config) *L1Cache {
	if config == nil {
		config = DefaultL1Config()
	}
	return &L1Cache{
		maxItems: config.MaxItems,
		ttl:      config.DefaultTTL,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value if present and not expired.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := el.Value.(*l1Entry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Set stores a value with the default TTL, evicting the least recently
// used entry when full.
func (c *L1Cache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*l1Entry)
		entry.value, entry.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		return
	}

	if c.maxItems > 0 && c.order.Len() >= c.maxItems {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	c.items[key] = c.order.PushFront(&l1Entry{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes a key.
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counts.
func (c *L1Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *L1Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*l1Entry).key)
}
