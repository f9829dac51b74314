// Package cache implements the client-side decision cache: a bounded LRU
// keyed by stringified PolicyKey, with plugin-driven cacheability and
// usability (§4.4).
package cache

import (
	"container/list"
	"sync"

	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
)

// entry is the payload carried by each list.Element.
type entry struct {
	key     string
	session plugin.Session
	result  policy.Result
}

// Cache is the bounded decision cache of §4.4: a doubly-linked usage list
// plus a map from stringified key to its list element, so get/update both
// run in O(1) and the most-recently-used entry is always the list's front.
//
// A capacity of 0 disables the cache entirely: every get misses and
// update is a no-op remove, matching "0 disables the cache".
//
// Cache is safe for concurrent use; one Cache is owned per connection, so
// contention is expected to be negligible, but callers may share a Cache
// across the connection's reader/writer goroutines.
type Cache struct {
	mu       sync.Mutex
	capacity int
	usage    *list.List
	byKey    map[string]*list.Element
}

// New returns a Cache with the given capacity. capacity must be >= 0.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		usage:    list.New(),
		byKey:    make(map[string]*list.Element),
	}
}

// Len reports the number of entries currently cached, invariant-equal to
// the usage list's length by construction.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Get implements get(session, key) from §4.4: on a miss, ok is false. On a
// hit, the plugin owning stored.Result.Type decides via IsUsable whether
// the entry still applies; if not, the entry is dropped and Get reports a
// miss. If usable, the entry moves to the front of the usage list and Get
// returns the plugin-translated code.
func (c *Cache) Get(p plugin.Plugin, session plugin.Session, key string) (code plugin.Code, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.byKey[key]
	if !found {
		return 0, false
	}
	e := el.Value.(*entry)

	usable, updatedSession, updatedResult := p.IsUsable(session, e.session, e.result)
	if !usable {
		c.removeElement(el)
		return 0, false
	}

	e.session = updatedSession
	e.result = updatedResult
	c.usage.MoveToFront(el)
	return p.ToResult(updatedResult), true
}

// Update implements update(session, key, fresh_result) from §4.4: if the
// owning plugin deems fresh cacheable, it is inserted/replaced at the
// front, evicting the LRU entry first if at capacity; otherwise any
// existing entry for key is removed. The plugin-translated code is
// returned regardless of whether the entry was cached.
func (c *Cache) Update(p plugin.Plugin, session plugin.Session, key string, fresh policy.Result) plugin.Code {
	c.mu.Lock()
	defer c.mu.Unlock()

	code := p.ToResult(fresh)

	if c.capacity == 0 || !p.IsCacheable(session, fresh) {
		if el, found := c.byKey[key]; found {
			c.removeElement(el)
		}
		return code
	}

	if el, found := c.byKey[key]; found {
		e := el.Value.(*entry)
		e.session = session
		e.result = fresh
		c.usage.MoveToFront(el)
		return code
	}

	if len(c.byKey) >= c.capacity {
		c.evictLRU()
	}
	el := c.usage.PushFront(&entry{key: key, session: session, result: fresh})
	c.byKey[key] = el
	return code
}

// Clear empties the cache, used on disconnect and on plugin invalidation
// (§4.4).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Init()
	c.byKey = make(map[string]*list.Element)
}

func (c *Cache) evictLRU() {
	back := c.usage.Back()
	if back == nil {
		return
	}
	c.removeElement(back)
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.byKey, e.key)
	c.usage.Remove(el)
}
