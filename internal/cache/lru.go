package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// scopedKey keeps tenants apart without string concatenation, so a tenant
// ID containing the separator cannot alias another tenant's key.
type scopedKey struct {
	tenant string
	key    string
}

type lruEntry struct {
	id        scopedKey
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *lruEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || !now.After(e.expiresAt)
}

// LRUCache is a bounded in-process cache with per-entry TTLs. It backs the
// community tier and is L1 of the two-phase cache. A non-positive TTL keeps
// the entry until it is evicted.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[scopedKey]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time

	hits, misses, evictions atomic.Uint64
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[scopedKey]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value or nil on a miss.
func (c *LRUCache) Get(_ context.Context, tenantID, key string) ([]byte, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scopedKey{tenantID, key}]
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !e.live(c.now()) {
		c.unlink(elem)
		c.misses.Add(1)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, nil
}

// Set stores value, evicting the least recently used entries when full.
func (c *LRUCache) Set(_ context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	id := scopedKey{tenantID, key}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.expiresAt = value, expiresAt
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[id] = c.recency.PushFront(&lruEntry{id: id, value: value, expiresAt: expiresAt})
	for c.recency.Len() > c.capacity {
		c.unlink(c.recency.Back())
		c.evictions.Add(1)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *LRUCache) Delete(_ context.Context, tenantID, key string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[scopedKey{tenantID, key}]; ok {
		c.unlink(elem)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.recency.Init()
	return nil
}

// Stats returns the current size and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// Counters reports lookups and capacity evictions since creation.
func (c *LRUCache) Counters() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *LRUCache) unlink(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).id)
}
