// =============================================================================
// MESSAGE CACHE - LRU OVER PARTITION OFFSETS
// =============================================================================
//
// WHAT IS THIS?
// The cache keeps recently appended and recently polled messages in memory so
// that hot reads skip the segment files entirely.
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │  items: (Key, offset) → list element                                    │
//   │  order: front = most recently used ... back = next to evict             │
//   │  metrics: Key → {hits, misses}                                          │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// Eviction is strictly least-recently-used and the capacity is global across
// partitions. Every Get records a hit or a miss for its partition inside the
// same critical section as the lookup, so a snapshot never disagrees with the
// sequence of lookups that produced it.
//
// A capacity of zero stores nothing but still counts misses.
//
// =============================================================================

package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"strata/internal/storage"
)

// Key identifies one partition of one topic of one stream.
type Key struct {
	StreamID    uint32
	TopicID     uint32
	PartitionID uint32
}

// String renders the key the way stats encodings expect it.
func (k Key) String() string {
	return fmt.Sprintf("%d-%d-%d", k.StreamID, k.TopicID, k.PartitionID)
}

// Metrics is a point-in-time copy of a partition's hit and miss counters.
type Metrics struct {
	Hits   uint64
	Misses uint64
}

// HitRatio is hits / (hits + misses), or 0 when nothing was looked up.
func (m Metrics) HitRatio() float32 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float32(m.Hits) / float32(total)
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *counters) load() Metrics {
	return Metrics{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

type entryKey struct {
	key    Key
	offset uint64
}

type entry struct {
	key entryKey
	msg *storage.Message
}

// Cache is a thread-safe LRU of messages.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[entryKey]*list.Element
	order    *list.List
	metrics  map[Key]*counters

	evictions atomic.Uint64
}

// New creates a cache holding at most capacity messages.
func New(capacity int) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[entryKey]*list.Element),
		order:    list.New(),
		metrics:  make(map[Key]*counters),
	}
}

// countersLocked returns the counters for key, creating them. Caller holds mu.
func (c *Cache) countersLocked(key Key) *counters {
	m, ok := c.metrics[key]
	if !ok {
		m = &counters{}
		c.metrics[key] = m
	}
	return m
}

// Get returns the message at offset and marks it as recently used.
func (c *Cache) Get(key Key, offset uint64) (*storage.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.countersLocked(key)
	element, ok := c.items[entryKey{key: key, offset: offset}]
	if !ok {
		m.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(element)
	m.hits.Add(1)
	return element.Value.(*entry).msg, true
}

// Put stores msg under its own offset, evicting the least recently used
// messages when over capacity.
func (c *Cache) Put(key Key, msg *storage.Message) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}

	ek := entryKey{key: key, offset: msg.Offset}
	if element, ok := c.items[ek]; ok {
		element.Value.(*entry).msg = msg
		c.order.MoveToFront(element)
		return
	}

	c.items[ek] = c.order.PushFront(&entry{key: ek, msg: msg})
	for len(c.items) > c.capacity {
		c.evictLRU()
	}
}

// PutBatch stores every message of msgs in order.
func (c *Cache) PutBatch(key Key, msgs []*storage.Message) {
	for _, msg := range msgs {
		c.Put(key, msg)
	}
}

// evictLRU removes the back of the list. Caller holds mu.
func (c *Cache) evictLRU() {
	element := c.order.Back()
	if element == nil {
		return
	}
	c.order.Remove(element)
	delete(c.items, element.Value.(*entry).key)
	c.evictions.Add(1)
}

// Metrics returns the counters for one partition. Unknown partitions report
// zero hits and misses.
func (c *Cache) Metrics(key Key) Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.metrics[key]; ok {
		return m.load()
	}
	return Metrics{}
}

// Snapshot copies the counters of every partition that has been looked up.
func (c *Cache) Snapshot() map[Key]Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Key]Metrics, len(c.metrics))
	for key, m := range c.metrics {
		out[key] = m.load()
	}
	return out
}

// ResetMetrics zeroes the counters of one partition.
func (c *Cache) ResetMetrics(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.metrics[key]; ok {
		m.hits.Store(0)
		m.misses.Store(0)
	}
}

// RemovePartition drops every cached message and the counters of key.
// Used when a partition is deleted or its topic purged.
func (c *Cache) RemovePartition(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ek, element := range c.items {
		if ek.key != key {
			continue
		}
		c.order.Remove(element)
		delete(c.items, ek)
		removed++
	}
	delete(c.metrics, key)
	return removed
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Evictions returns how many messages were evicted for capacity.
func (c *Cache) Evictions() uint64 {
	return c.evictions.Load()
}
