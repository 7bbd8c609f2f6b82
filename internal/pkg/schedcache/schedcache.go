// Package schedcache provides a small bounded cache with TTL expiry and
// LRU eviction, used to hold per-key scheduling state such as pending
// write throttles.
package schedcache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key      K
	val      V
	deadline time.Time
}

type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	items   map[K]*list.Element
	onEvict func(K, V)
	now     func() time.Time
}

type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers a callback invoked whenever an entry leaves the
// cache for any reason other than an explicit Delete by the caller that
// already holds the value. The callback runs outside the cache lock.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

func withNow[K comparable, V any](fn func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = fn }
}

// New returns a cache holding at most max entries, each living at most
// ttl since its last access. max <= 0 means unbounded; ttl <= 0 means
// entries never expire.
func New[K comparable, V any](max int, ttl time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		max:   max,
		ttl:   ttl,
		order: list.New(),
		items: make(map[K]*list.Element),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live entry for key, refreshing its age on hit.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeLocked(el)
		evicted := ent.val
		c.mu.Unlock()
		c.notifyEvict(key, evicted)
		var zero V
		return zero, false
	}
	c.touchLocked(el, ent)
	val := ent.val
	c.mu.Unlock()
	return val, true
}

// GetOrCreate returns the live entry for key, creating it via mk if
// absent or expired. The second result reports whether the entry was
// created by this call.
func (c *Cache[K, V]) GetOrCreate(key K, mk func() V) (V, bool) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		if !c.expired(ent) {
			c.touchLocked(el, ent)
			val := ent.val
			c.mu.Unlock()
			return val, false
		}
		c.removeLocked(el)
		evicted := ent.val
		c.mu.Unlock()
		c.notifyEvict(key, evicted)
		c.mu.Lock()
		if el2, ok2 := c.items[key]; ok2 {
			ent2 := el2.Value.(*entry[K, V])
			c.touchLocked(el2, ent2)
			val := ent2.val
			c.mu.Unlock()
			return val, false
		}
	}
	val := mk()
	ent := &entry[K, V]{key: key, val: val}
	if c.ttl > 0 {
		ent.deadline = c.now().Add(c.ttl)
	}
	el := c.order.PushFront(ent)
	c.items[key] = el
	var evictedKey K
	var evictedVal V
	var evicted bool
	if c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Back()
		old := oldest.Value.(*entry[K, V])
		c.removeLocked(oldest)
		evictedKey, evictedVal, evicted = old.key, old.val, true
	}
	c.mu.Unlock()
	if evicted {
		c.notifyEvict(evictedKey, evictedVal)
	}
	return val, true
}

// Delete removes key without invoking the eviction callback.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[K, V])
	c.removeLocked(el)
	return ent.val, true
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Range calls fn for every live entry. fn must not call back into the
// cache.
func (c *Cache[K, V]) Range(fn func(K, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry[K, V])
		if c.expired(ent) {
			continue
		}
		fn(ent.key, ent.val)
	}
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return c.ttl > 0 && c.now().After(ent.deadline)
}

func (c *Cache[K, V]) touchLocked(el *list.Element, ent *entry[K, V]) {
	c.order.MoveToFront(el)
	if c.ttl > 0 {
		ent.deadline = c.now().Add(c.ttl)
	}
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, ent.key)
}

func (c *Cache[K, V]) notifyEvict(key K, val V) {
	if c.onEvict != nil {
		c.onEvict(key, val)
	}
}
