// =============================================================================
// PARTITION - THE UNIT OF ORDERING
// =============================================================================
//
// WHAT IS A PARTITION?
// A partition is a totally ordered sequence of messages backed by one
// storage.Log. Within a partition:
//   - Messages have gapless offsets starting at 0
//   - Read order = write order
//   - The unsaved tail lives in memory until the next flush
//
// PARTITION vs LOG:
//   - Log: segments, indexes, bytes on disk, the write buffer
//   - Partition: identity (stream, topic, id), the message cache and the
//     polling strategies
//
// CACHE INTERPLAY:
//
//   append ──► log.AppendBatch ──► cache.Put (write-through)
//
//   poll   ──► cache.Get(offset), cache.Get(offset+1), ... until first miss
//          └─► log.ReadFrom(miss, rest) ──► cache.Put (read-through)
//
// =============================================================================

package broker

import (
	"fmt"
	"time"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/storage"
)

// Partition is one 1-based partition of a topic.
type Partition struct {
	ID        uint32
	CreatedAt time.Time

	key   cache.Key
	log   *storage.Log
	cache *cache.Cache
}

// NewPartition creates an empty partition in dir.
func NewPartition(dir string, key cache.Key, opts storage.Options, c *cache.Cache) (*Partition, error) {
	log, err := storage.NewLog(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create log: %w", err)
	}
	return &Partition{
		ID:        key.PartitionID,
		CreatedAt: time.Now(),
		key:       key,
		log:       log,
		cache:     c,
	}, nil
}

// LoadPartition opens an existing partition, recovering its log.
func LoadPartition(dir string, key cache.Key, opts storage.Options, c *cache.Cache) (*Partition, error) {
	log, err := storage.LoadLog(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load log: %w", err)
	}
	return &Partition{
		ID:        key.PartitionID,
		CreatedAt: time.Now(),
		key:       key,
		log:       log,
		cache:     c,
	}, nil
}

// =============================================================================
// PRODUCER OPERATIONS
// =============================================================================

// Append stores a batch and returns the offset of its first message.
func (p *Partition) Append(messages []protocol.Message) (uint64, error) {
	batch := make([]*storage.Message, len(messages))
	for i, m := range messages {
		batch[i] = &storage.Message{ID: m.ID, Payload: m.Payload}
	}

	first, err := p.log.AppendBatch(batch)
	if err != nil {
		return 0, fmt.Errorf("%w: partition %d: %w", protocol.ErrStorage, p.ID, err)
	}
	if p.cache != nil {
		p.cache.PutBatch(p.key, batch)
	}
	return first, nil
}

// =============================================================================
// CONSUMER OPERATIONS
// =============================================================================

// Poll returns up to count messages selected by strategy.
func (p *Partition) Poll(strategy protocol.PollingStrategy, count uint32) ([]*storage.Message, error) {
	next := p.log.NextOffset()
	earliest := p.log.EarliestOffset()

	var start uint64
	switch strategy.Kind {
	case protocol.PollOffset:
		start = strategy.Value
		if start < earliest {
			start = earliest
		}
	case protocol.PollFirst:
		start = earliest
	case protocol.PollLast:
		start = earliest
		if next > earliest+uint64(count) {
			start = next - uint64(count)
		}
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrInvalidPollingStrategy, strategy.Kind)
	}

	if count == 0 || start >= next {
		return []*storage.Message{}, nil
	}
	return p.readThrough(start, int(count))
}

// readThrough serves the longest cached prefix, then reads the rest from the
// log and caches it.
func (p *Partition) readThrough(start uint64, limit int) ([]*storage.Message, error) {
	messages := make([]*storage.Message, 0, limit)
	offset := start

	if p.cache != nil {
		for len(messages) < limit {
			msg, ok := p.cache.Get(p.key, offset)
			if !ok {
				break
			}
			messages = append(messages, msg)
			offset++
		}
	}
	if len(messages) == limit {
		return messages, nil
	}

	rest, err := p.log.ReadFrom(offset, limit-len(messages))
	if err != nil {
		return nil, fmt.Errorf("%w: partition %d: %w", protocol.ErrStorage, p.ID, err)
	}
	if p.cache != nil {
		p.cache.PutBatch(p.key, rest)
	}
	return append(messages, rest...), nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Flush persists the unsaved buffer and returns how many messages were saved.
func (p *Partition) Flush(fsync bool) (int, error) {
	n, err := p.log.Flush(fsync)
	if err != nil {
		return n, fmt.Errorf("%w: partition %d: %w", protocol.ErrStorage, p.ID, err)
	}
	return n, nil
}

// Purge drops every message and restarts offsets at 0.
func (p *Partition) Purge() error {
	err := p.log.Purge()
	if p.cache != nil {
		p.cache.RemovePartition(p.key)
	}
	if err != nil {
		return fmt.Errorf("%w: partition %d: %w", protocol.ErrStorage, p.ID, err)
	}
	return nil
}

// Delete closes the partition and removes its files.
func (p *Partition) Delete() error {
	err := p.log.Delete()
	if p.cache != nil {
		p.cache.RemovePartition(p.key)
	}
	return err
}

// Close persists the unsaved buffer with fsync and closes the log.
func (p *Partition) Close() error {
	return p.log.Close()
}

// Key returns the cache key of the partition.
func (p *Partition) Key() cache.Key {
	return p.key
}

// NextOffset is the offset the next appended message gets.
func (p *Partition) NextOffset() uint64 {
	return p.log.NextOffset()
}

// UnsavedCount is the number of buffered messages.
func (p *Partition) UnsavedCount() int {
	return p.log.UnsavedCount()
}

// Stats summarizes the partition's log.
func (p *Partition) Stats() storage.LogStats {
	return p.log.Stats()
}
