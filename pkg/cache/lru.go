// Package cache provides an in-memory LRU cache with TTL. It backs the
// permission decision cache and the response cache on the introspection
// endpoints.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry holds a cached value with its key and expiration time.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// LRU is a thread-safe in-memory cache with TTL and max-size eviction.
// When the cache reaches maxSize, the least recently used entry is evicted
// to make room. Expired entries are lazily evicted on Get.
type LRU[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRU creates a cache with the given maximum size and TTL.
// maxSize below 1 becomes 1; a non-positive ttl becomes 60s.
func NewLRU[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &LRU[V]{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached value. Missing and expired keys report false.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry[V]).key)
		}
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
}

// Invalidate removes a specific key.
func (c *LRU[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// InvalidateAll removes every entry.
func (c *LRU[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Size returns the number of entries, including expired ones that have not
// been lazily cleaned yet.
func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
