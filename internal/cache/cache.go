// Package cache provides a fixed-capacity cache with least-recently-used
// eviction and an eviction callback, used wherever per-session bookkeeping
// must stay bounded regardless of how many sessions come and go.
package cache

import "sync"

// maxEvictPerOp bounds how many entries a single Set may evict, so one
// insert never causes an unbounded pause.
const maxEvictPerOp = 16

// EvictFunc is invoked with each evicted key/value so dependent state
// (timers, counters) can be cleaned up. It is called outside the cache lock.
type EvictFunc[K comparable, V any] func(key K, value V)

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

// Cache is a thread-safe LRU cache with a hard capacity.
// Capacity 0 retains nothing; capacity 1 holds only the most recent key.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	onEvict  EvictFunc[K, V]
	items    map[K]*entry[K, V]
	head     *entry[K, V] // most recently used
	tail     *entry[K, V] // least recently used
}

// New creates a cache with the given capacity. A negative capacity is
// treated as zero. onEvict may be nil.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *Cache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[K, V]{
		capacity: capacity,
		onEvict:  onEvict,
		items:    make(map[K]*entry[K, V]),
	}
}

// Get returns the value for key and promotes it to most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

// Has reports whether key is present without promoting it.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Set stores key/value as most recently used, evicting least-recently-used
// entries once size exceeds capacity. At most maxEvictPerOp entries are
// evicted per call.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()

	if e, ok := c.items[key]; ok {
		e.value = value
		c.moveToFront(e)
		c.mu.Unlock()
		return
	}

	var evicted []*entry[K, V]

	if c.capacity == 0 {
		c.mu.Unlock()
		if c.onEvict != nil {
			c.onEvict(key, value)
		}
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.items[key] = e
	c.pushFront(e)

	for len(c.items) > c.capacity && len(evicted) < maxEvictPerOp {
		lru := c.tail
		if lru == nil {
			break
		}
		c.remove(lru)
		delete(c.items, lru.key)
		evicted = append(evicted, lru)
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, ev := range evicted {
			c.onEvict(ev.key, ev.value)
		}
	}
}

// Delete removes key without invoking the eviction callback.
// It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(e)
	delete(c.items, key)
	return true
}

// Clear removes every entry without invoking the eviction callback.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*entry[K, V])
	c.head = nil
	c.tail = nil
}

// Len returns the number of entries currently held.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys ordered from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for e := c.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Entries returns all key/value pairs ordered from most to least recently
// used.
func (c *Cache[K, V]) Entries() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[K]V, len(c.items))
	for e := c.head; e != nil; e = e.next {
		out[e.key] = e.value
	}
	return out
}

// DeleteFunc removes every entry for which pred returns true, without
// invoking the eviction callback. It returns the number removed.
func (c *Cache[K, V]) DeleteFunc(pred func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.head; e != nil; {
		next := e.next
		if pred(e.key, e.value) {
			c.remove(e)
			delete(c.items, e.key)
			removed++
		}
		e = next
	}
	return removed
}

// --- intrusive list helpers, caller holds c.mu ---

func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *Cache[K, V]) moveToFront(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.remove(e)
	c.pushFront(e)
}
