// =============================================================================
// PARTITIONER - CHOOSING THE TARGET PARTITION OF A SEND
// =============================================================================
//
// SendMessages carries a partitioning selector. Three strategies:
//
//   ┌──────────────┬──────────────────────────────────────────────────────────┐
//   │ balanced     │ round robin over the topic's partitions                  │
//   │ partition id │ the caller names the partition (1-based)                 │
//   │ messages key │ FNV-1a(key) % partitions + 1, same key → same partition  │
//   └──────────────┴──────────────────────────────────────────────────────────┘
//
// Partition IDs are 1-based, so every strategy returns a value in
// [1, partitions]. Key hashing is only stable while the partition count does
// not change: CreatePartitions/DeletePartitions remap keys.
//
// =============================================================================

package broker

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"strata/internal/protocol"
)

// Partitioner maps a message batch to a partition ID in [1, partitions].
type Partitioner interface {
	Partition(key []byte, partitions uint32) uint32
}

// RoundRobinPartitioner cycles through partitions. Safe for concurrent use.
type RoundRobinPartitioner struct {
	counter atomic.Uint64
}

// NewRoundRobinPartitioner creates a partitioner starting at partition 1.
func NewRoundRobinPartitioner() *RoundRobinPartitioner {
	return &RoundRobinPartitioner{}
}

// Partition ignores the key.
func (p *RoundRobinPartitioner) Partition(_ []byte, partitions uint32) uint32 {
	if partitions == 0 {
		return 0
	}
	n := p.counter.Add(1) - 1
	return uint32(n%uint64(partitions)) + 1
}

// KeyPartitioner hashes the key with 32-bit FNV-1a.
type KeyPartitioner struct{}

// Partition returns hash(key) % partitions + 1.
func (KeyPartitioner) Partition(key []byte, partitions uint32) uint32 {
	if partitions == 0 {
		return 0
	}
	return HashKey(key)%partitions + 1
}

// HashKey is the 32-bit FNV-1a hash of key.
func HashKey(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

// selectPartition resolves a partitioning selector against a topic.
func (t *Topic) selectPartition(p protocol.Partitioning) (uint32, error) {
	count := uint32(t.PartitionsCount())
	if count == 0 {
		return 0, fmt.Errorf("%w: topic %d has no partitions", protocol.ErrPartitionNotFound, t.ID)
	}

	switch p.Kind {
	case protocol.Balanced:
		return t.roundRobin.Partition(nil, count), nil
	case protocol.PartitionIDKind:
		id := p.PartitionIDValue()
		if id == 0 || id > count {
			return 0, fmt.Errorf("%w: partition %d of topic %d", protocol.ErrPartitionNotFound, id, t.ID)
		}
		return id, nil
	case protocol.MessagesKeyKind:
		return KeyPartitioner{}.Partition(p.Value, count), nil
	default:
		return 0, fmt.Errorf("%w: %d", protocol.ErrInvalidPartitioningKind, p.Kind)
	}
}
