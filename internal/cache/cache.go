// Package cache provides the in-memory materialization cache: a
// byte-budgeted LRU over store reads so repeated partial-content requests
// (video seeks, mostly) don't pay the store round trip every time.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Loader obtains the bytes for a key from the chunk store on a cache miss.
type Loader func() ([]byte, error)

// Stats is a point-in-time snapshot of cache behaviour.
type Stats struct {
	Entries   int
	Bytes     int64
	Budget    int64
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry struct {
	key        string
	data       []byte
	lastAccess time.Time
}

// Cache is a strict-LRU, byte-budgeted materialization cache. It holds only
// disposable copies; the chunk store stays the source of truth.
type Cache struct {
	mu     sync.Mutex
	budget int64
	bytes  int64

	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache with the given byte budget.
func New(budget int64) *Cache {
	return &Cache{
		budget:  budget,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Has reports whether key is resident. It checks only the in-memory set.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]

	return ok
}

// Get returns the cached bytes for key, or invokes loader and caches the
// result if it fits the budget, evicting least-recently-accessed entries
// until it does. Objects larger than the whole budget are served uncached.
func (c *Cache) Get(key string, loader Loader) ([]byte, error) {
	c.mu.Lock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.lastAccess = time.Now()
		c.order.MoveToFront(el)
		c.hits++
		data := ent.data
		c.mu.Unlock()

		return data, nil
	}

	c.misses++
	c.mu.Unlock()

	// Load outside the lock; the request router coalesces concurrent loads
	// of the same key, so duplicate work here is already bounded.
	data, err := loader()
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	if size > c.budget {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return data, nil
	}

	for c.bytes+size > c.budget {
		c.evictOldest()
	}

	el := c.order.PushFront(&entry{key: key, data: data, lastAccess: time.Now()})
	c.entries[key] = el
	c.bytes += size

	return data, nil
}

// Clear drops every resident entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   len(c.entries),
		Bytes:     c.bytes,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// evictOldest removes the least-recently-accessed entry. Caller holds c.mu.
func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}

	ent := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	c.bytes -= int64(len(ent.data))
	c.evictions++
}
