package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// TTLCache is a thread-safe LRU cache with optional per-cache TTL.
// When the cache reaches its capacity the least recently used entry is
// evicted; an entry older than the TTL is treated as absent on read.
// Flag clients use it to bound storage round-trips on hot keys while
// keeping stale definitions from outliving the TTL.
type TTLCache[K comparable, V any] struct {
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	eviction *list.List
	mu       sync.Mutex
	now      func() time.Time
}

// Option configures a TTLCache.
type Option func(*settings)

type settings struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL bounds entry lifetime. Zero or negative disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) { s.ttl = ttl }
}

// WithClock replaces the cache's time source. Used by tests to pin
// expiry to a fixed instant.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a cache holding at most capacity entries. The capacity
// must be positive, otherwise it panics.
func New[K comparable, V any](capacity int, opts ...Option) *TTLCache[K, V] {
	if capacity <= 0 {
		panic("cache capacity must be positive")
	}
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &TTLCache[K, V]{
		capacity: capacity,
		ttl:      s.ttl,
		items:    make(map[K]*list.Element),
		eviction: list.New(),
		now:      s.now,
	}
}

// Get returns the value for key and marks it as recently used. An
// expired entry is removed and reported as a miss.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if e.expired(c.now()) {
		c.removeElement(elem)
		return zero, false
	}
	c.eviction.MoveToFront(elem)
	return e.value, true
}

// Set stores value under key, restarting its TTL. If the cache is at
// capacity the least recently used entry is evicted.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		return
	}

	elem := c.eviction.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
	if c.eviction.Len() > c.capacity {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Delete removes the entry for key and reports whether it existed.
func (c *TTLCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Len returns the number of entries, including any not yet reaped
// expired ones.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Clear drops every entry.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.eviction.Init()
}

// Must be called with lock held.
func (c *TTLCache[K, V]) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	e := elem.Value.(*entry[K, V])
	delete(c.items, e.key)
}
