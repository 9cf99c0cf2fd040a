package cache

import (
	"sync"
	"testing"

	"strata/internal/storage"
)

func msgAt(offset uint64) *storage.Message {
	return &storage.Message{Offset: offset, Payload: []byte("x")}
}

func TestCache_MetricsAccuracy(t *testing.T) {
	c := New(100)
	key := Key{StreamID: 1, TopicID: 1, PartitionID: 1}

	for i := uint64(0); i < 5; i++ {
		c.Put(key, msgAt(i))
	}

	// 3 hits, 2 misses.
	for _, offset := range []uint64{0, 1, 9, 2, 10} {
		c.Get(key, offset)
	}

	m := c.Metrics(key)
	if m.Hits != 3 || m.Misses != 2 {
		t.Fatalf("Metrics = %+v, want 3 hits and 2 misses", m)
	}
	if got := m.HitRatio(); got != 0.6 {
		t.Errorf("HitRatio = %v, want 0.6", got)
	}

	other := Key{StreamID: 1, TopicID: 1, PartitionID: 2}
	if m := c.Metrics(other); m.Hits != 0 || m.Misses != 0 || m.HitRatio() != 0 {
		t.Errorf("untouched partition metrics = %+v", m)
	}
}

func TestCache_EvictionIsLeastRecentlyUsed(t *testing.T) {
	c := New(3)
	key := Key{StreamID: 1, TopicID: 1, PartitionID: 1}

	c.Put(key, msgAt(0))
	c.Put(key, msgAt(1))
	c.Put(key, msgAt(2))

	// Touch 0 so that 1 becomes the oldest.
	if _, ok := c.Get(key, 0); !ok {
		t.Fatal("offset 0 should be cached")
	}
	c.Put(key, msgAt(3))

	if _, ok := c.Get(key, 1); ok {
		t.Error("offset 1 should have been evicted")
	}
	for _, offset := range []uint64{0, 2, 3} {
		if _, ok := c.Get(key, offset); !ok {
			t.Errorf("offset %d should still be cached", offset)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if c.Evictions() != 1 {
		t.Errorf("Evictions = %d, want 1", c.Evictions())
	}
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New(2)
	key := Key{StreamID: 1, TopicID: 1, PartitionID: 1}

	c.Put(key, &storage.Message{Offset: 7, Payload: []byte("old")})
	c.Put(key, &storage.Message{Offset: 7, Payload: []byte("new")})

	msg, ok := c.Get(key, 7)
	if !ok || string(msg.Payload) != "new" {
		t.Errorf("Get(7) = %v, %v", msg, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCache_ZeroCapacityCountsMisses(t *testing.T) {
	c := New(0)
	key := Key{StreamID: 2, TopicID: 3, PartitionID: 4}

	c.Put(key, msgAt(0))
	if _, ok := c.Get(key, 0); ok {
		t.Error("zero-capacity cache must not store messages")
	}
	if m := c.Metrics(key); m.Misses != 1 || m.Hits != 0 {
		t.Errorf("Metrics = %+v, want one miss", m)
	}
}

func TestCache_RemovePartition(t *testing.T) {
	c := New(10)
	a := Key{StreamID: 1, TopicID: 1, PartitionID: 1}
	b := Key{StreamID: 1, TopicID: 1, PartitionID: 2}

	c.PutBatch(a, []*storage.Message{msgAt(0), msgAt(1)})
	c.PutBatch(b, []*storage.Message{msgAt(0)})
	c.Get(a, 0)

	if removed := c.RemovePartition(a); removed != 2 {
		t.Errorf("RemovePartition removed %d, want 2", removed)
	}
	if _, ok := c.Snapshot()[a]; ok {
		t.Error("removed partition still has metrics")
	}
	if _, ok := c.Get(b, 0); !ok {
		t.Error("other partition lost its messages")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCache_ResetMetrics(t *testing.T) {
	c := New(1)
	key := Key{StreamID: 1, TopicID: 1, PartitionID: 1}
	c.Get(key, 0)
	c.ResetMetrics(key)

	if m := c.Metrics(key); m != (Metrics{}) {
		t.Errorf("Metrics after reset = %+v", m)
	}
}

func TestCache_ConcurrentGets(t *testing.T) {
	c := New(50)
	key := Key{StreamID: 1, TopicID: 1, PartitionID: 1}
	for i := uint64(0); i < 50; i++ {
		c.Put(key, msgAt(i))
	}

	const workers = 8
	const lookups = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lookups; i++ {
				// Offsets 0..99: half hit, half miss.
				c.Get(key, uint64((w*lookups+i)%100))
			}
		}(w)
	}
	wg.Wait()

	m := c.Metrics(key)
	if m.Hits+m.Misses != workers*lookups {
		t.Fatalf("recorded %d lookups, want %d", m.Hits+m.Misses, workers*lookups)
	}
	if m.Hits != m.Misses {
		t.Errorf("hits = %d, misses = %d, want equal", m.Hits, m.Misses)
	}
}

func TestKey_String(t *testing.T) {
	if got := (Key{StreamID: 1, TopicID: 22, PartitionID: 333}).String(); got != "1-22-333" {
		t.Errorf("String = %q", got)
	}
}
