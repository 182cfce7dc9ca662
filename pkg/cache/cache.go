// Package cache provides the bounded least-recently-used cache shared by
// the index implementations: the B-Tree uses one for deserialized nodes,
// the LSM tree uses one for segment bloom filters. Each index owns a
// private instance sized from the global memory budget; instances are
// never shared between indexes.
package cache

import (
	"container/list"
	"sync"
)

// EvictFunc is called after an entry is evicted to let the owner release
// resources tied to the value. It runs outside the cache lock, so it may
// call back into the cache.
type EvictFunc[K comparable, V any] func(key K, value V)

// BoundedCache is a fixed-capacity LRU cache. Its memory footprint never
// exceeds capacity entries; inserting into a full cache evicts the least
// recently used entry first.
type BoundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[K]*list.Element
	onEvict  EvictFunc[K, V]
}

type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

// New constructs a BoundedCache with the given capacity. A capacity below
// one is clamped to one. onEvict may be nil.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *BoundedCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedCache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		onEvict:  onEvict,
	}
}

// Get returns the cached value for key and promotes it to most recently
// used.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek returns the cached value without promoting it.
func (c *BoundedCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put inserts or replaces the value for key, evicting the least recently
// used entry if the cache is at capacity. Returns true if an eviction
// occurred.
func (c *BoundedCache[K, V]) Put(key K, value V) bool {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry[K, V]).value = value
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return false
	}
	c.items[key] = c.order.PushFront(&cacheEntry[K, V]{key: key, value: value})
	var victim *cacheEntry[K, V]
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		victim = oldest.Value.(*cacheEntry[K, V])
		delete(c.items, victim.key)
	}
	c.mu.Unlock()
	if victim != nil {
		if c.onEvict != nil {
			c.onEvict(victim.key, victim.value)
		}
		return true
	}
	return false
}

// Remove drops the entry for key without invoking the eviction callback.
// Returns the removed value, if any.
func (c *BoundedCache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Purge empties the cache, invoking the eviction callback for every entry.
func (c *BoundedCache[K, V]) Purge() {
	c.mu.Lock()
	victims := make([]*cacheEntry[K, V], 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		victims = append(victims, elem.Value.(*cacheEntry[K, V]))
	}
	c.order.Init()
	c.items = make(map[K]*list.Element, c.capacity)
	c.mu.Unlock()
	if c.onEvict != nil {
		for _, v := range victims {
			c.onEvict(v.key, v.value)
		}
	}
}

// Each calls fn for every cached entry, most recently used first, without
// changing recency. fn must not mutate the cache.
func (c *BoundedCache[K, V]) Each(fn func(key K, value V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		ent := elem.Value.(*cacheEntry[K, V])
		fn(ent.key, ent.value)
	}
}

// Len returns the number of cached entries.
func (c *BoundedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the fixed capacity.
func (c *BoundedCache[K, V]) Capacity() int {
	return c.capacity
}
