package cache

import (
	"container/list"
	"sync"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a bounded map that drops its least recently used entry when full.
// All methods are safe for concurrent use.
type LRUCache[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List // front is most recent
	mu       sync.Mutex
	onEvict  func(key K, value V)
}

// NewLRUCache creates a cache holding at most capacity entries.
// It panics when capacity is not positive.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity <= 0 {
		panic("cache: LRU capacity must be positive")
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// SetEvictCallback registers fn to release values leaving the cache, whether
// pushed out by capacity or dropped by Clear. fn runs with the cache locked
// and must not call back into it.
func (c *LRUCache[K, V]) SetEvictCallback(fn func(key K, value V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Get returns the value for key and marks it as recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry[K, V]).value, true
}

// GetOrAdd returns the cached value for key, or stores and returns create()
// when absent. Concurrent callers for the same key all observe one value.
// The bool reports whether the value was already present.
func (c *LRUCache[K, V]) GetOrAdd(key K, create func() V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	value := create()
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if c.order.Len() > c.capacity {
		c.evict(c.order.Back())
	}
	return value, false
}

// Peek returns the value for key without touching its recency.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Len returns the number of cached entries.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Range calls fn for each entry from most to least recently used until fn
// returns false. Recency is left untouched. fn runs with the cache locked and
// must not call back into it.
func (c *LRUCache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*lruEntry[K, V])
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

// Clear drops every entry, passing each to the evict callback.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvict != nil {
		for e := c.order.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*lruEntry[K, V])
			c.onEvict(entry.key, entry.value)
		}
	}
	clear(c.items)
	c.order.Init()
}

// Must be called with lock held.
func (c *LRUCache[K, V]) evict(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	entry := elem.Value.(*lruEntry[K, V])
	delete(c.items, entry.key)
	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
}
