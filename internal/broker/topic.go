// =============================================================================
// TOPIC - PARTITIONED MESSAGE FEED
// =============================================================================
//
// A topic belongs to exactly one stream and owns 1..1000 partitions:
//
//   ┌────────────────────────────────────────────────────────────────────────┐
//   │                      Topic 1 "orders" (stream 1)                       │
//   │                                                                        │
//   │   ┌────────────────┐  ┌────────────────┐  ┌────────────────┐           │
//   │   │  Partition 1   │  │  Partition 2   │  │  Partition 3   │           │
//   │   │  [msg][msg]... │  │  [msg][msg]... │  │  [msg][msg]... │           │
//   │   └────────────────┘  └────────────────┘  └────────────────┘           │
//   │                                                                        │
//   │   topic.yaml: id, name, created_at, partitions_count, expiry, ...      │
//   └────────────────────────────────────────────────────────────────────────┘
//
// Partitions are numbered from 1 and always contiguous: CreatePartitions
// appends after the last one, DeletePartitions removes from the tail. A
// topic keeps at least one partition.
//
// MessageExpiry, MaxTopicSize and ReplicationFactor are stored and reported
// but the storage engine does not act on them.
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/storage"
)

// ErrTopicClosed means an operation reached a topic after Close or Delete.
var ErrTopicClosed = errors.New("topic is closed")

// TopicConfig holds the settings a topic is created with.
type TopicConfig struct {
	ID                uint32
	Name              string
	PartitionsCount   uint32
	MessageExpiry     uint32
	MaxTopicSize      uint64
	ReplicationFactor uint8
}

// Topic is a named set of partitions inside a stream.
type Topic struct {
	ID                uint32
	Name              string
	StreamID          uint32
	CreatedAt         time.Time
	MessageExpiry     uint32
	MaxTopicSize      uint64
	ReplicationFactor uint8

	dir    string
	opts   storage.Options
	cache  *cache.Cache
	logger *slog.Logger

	mu         sync.RWMutex
	partitions []*Partition // partitions[i].ID == i+1
	roundRobin *RoundRobinPartitioner
	closed     bool
}

// =============================================================================
// TOPIC CREATION & LOADING
// =============================================================================

// NewTopic creates a topic directory, its metadata file and its partitions.
func NewTopic(dir string, streamID uint32, config TopicConfig, opts storage.Options, c *cache.Cache, logger *slog.Logger) (*Topic, error) {
	if err := os.MkdirAll(filepath.Join(dir, partitionsDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create topic directory: %w", err)
	}

	t := &Topic{
		ID:                config.ID,
		Name:              config.Name,
		StreamID:          streamID,
		CreatedAt:         time.Now().UTC(),
		MessageExpiry:     config.MessageExpiry,
		MaxTopicSize:      config.MaxTopicSize,
		ReplicationFactor: config.ReplicationFactor,
		dir:               dir,
		opts:              opts,
		cache:             c,
		logger:            logger,
		roundRobin:        NewRoundRobinPartitioner(),
	}

	if _, err := t.CreatePartitions(config.PartitionsCount); err != nil {
		t.closePartitions()
		os.RemoveAll(dir)
		return nil, err
	}
	return t, nil
}

// LoadTopic opens a topic from its metadata file and recovers every
// partition listed there. Missing partition directories are recreated empty.
func LoadTopic(dir string, streamID uint32, opts storage.Options, c *cache.Cache, logger *slog.Logger) (*Topic, error) {
	var meta topicMetadata
	if err := readMetadata(filepath.Join(dir, topicMetadataFile), &meta); err != nil {
		return nil, fmt.Errorf("failed to read topic metadata: %w", err)
	}

	t := &Topic{
		ID:                meta.ID,
		Name:              meta.Name,
		StreamID:          streamID,
		CreatedAt:         meta.CreatedAt,
		MessageExpiry:     meta.MessageExpiry,
		MaxTopicSize:      meta.MaxTopicSize,
		ReplicationFactor: meta.ReplicationFactor,
		dir:               dir,
		opts:              opts,
		cache:             c,
		logger:            logger,
		roundRobin:        NewRoundRobinPartitioner(),
		partitions:        make([]*Partition, 0, meta.PartitionsCount),
	}

	for id := uint32(1); id <= meta.PartitionsCount; id++ {
		pdir := partitionDir(dir, id)
		key := t.partitionKey(id)

		var (
			p   *Partition
			err error
		)
		if _, statErr := os.Stat(pdir); os.IsNotExist(statErr) {
			logger.Warn("partition directory missing, recreating",
				"stream", streamID,
				"topic", meta.ID,
				"partition", id)
			p, err = NewPartition(pdir, key, opts, c)
		} else {
			p, err = LoadPartition(pdir, key, opts, c)
		}
		if err != nil {
			t.closePartitions()
			return nil, fmt.Errorf("failed to load partition %d: %w", id, err)
		}
		t.partitions = append(t.partitions, p)
	}

	return t, nil
}

func (t *Topic) partitionKey(id uint32) cache.Key {
	return cache.Key{StreamID: t.StreamID, TopicID: t.ID, PartitionID: id}
}

// saveMetadata writes topic.yaml. Caller holds mu or owns t exclusively.
func (t *Topic) saveMetadata() error {
	return writeMetadata(filepath.Join(t.dir, topicMetadataFile), topicMetadata{
		ID:                t.ID,
		Name:              t.Name,
		CreatedAt:         t.CreatedAt,
		PartitionsCount:   uint32(len(t.partitions)),
		MessageExpiry:     t.MessageExpiry,
		MaxTopicSize:      t.MaxTopicSize,
		ReplicationFactor: t.ReplicationFactor,
	})
}

// =============================================================================
// PARTITION MANAGEMENT
// =============================================================================

// CreatePartitions appends count partitions and returns their IDs.
func (t *Topic) CreatePartitions(count uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTopicClosed
	}
	if uint32(len(t.partitions))+count > protocol.MaxPartitionsCount {
		return nil, fmt.Errorf("%w: topic %d would have %d partitions",
			protocol.ErrTooManyPartitions, t.ID, uint32(len(t.partitions))+count)
	}

	created := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		id := uint32(len(t.partitions)) + 1
		p, err := NewPartition(partitionDir(t.dir, id), t.partitionKey(id), t.opts, t.cache)
		if err != nil {
			if saveErr := t.saveMetadata(); saveErr != nil {
				t.logger.Error("failed to save topic metadata", "topic", t.ID, "error", saveErr)
			}
			return created, fmt.Errorf("%w: failed to create partition %d: %w", protocol.ErrStorage, id, err)
		}
		t.partitions = append(t.partitions, p)
		created = append(created, id)
	}

	if err := t.saveMetadata(); err != nil {
		return created, fmt.Errorf("%w: %w", protocol.ErrStorage, err)
	}
	return created, nil
}

// DeletePartitions removes the last count partitions and their data, and
// returns the removed IDs.
func (t *Topic) DeletePartitions(count uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTopicClosed
	}
	if int(count) >= len(t.partitions) {
		return nil, fmt.Errorf("%w: topic %d has %d partitions, asked to delete %d",
			protocol.ErrCannotDeleteAll, t.ID, len(t.partitions), count)
	}

	keep := len(t.partitions) - int(count)
	removed := make([]uint32, 0, count)
	var errs []error
	for _, p := range t.partitions[keep:] {
		if err := p.Delete(); err != nil {
			errs = append(errs, err)
		}
		removed = append(removed, p.ID)
	}
	t.partitions = t.partitions[:keep]

	if err := t.saveMetadata(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("%w: %w", protocol.ErrStorage, err)
	}
	return removed, nil
}

// Partition returns the partition with the given 1-based ID.
func (t *Topic) Partition(id uint32) (*Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, ErrTopicClosed
	}
	if id == 0 || int(id) > len(t.partitions) {
		return nil, fmt.Errorf("%w: partition %d of topic %d", protocol.ErrPartitionNotFound, id, t.ID)
	}
	return t.partitions[id-1], nil
}

// Partitions returns a copy of the partition list.
func (t *Topic) Partitions() []*Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Partition, len(t.partitions))
	copy(out, t.partitions)
	return out
}

// PartitionsCount returns the number of partitions.
func (t *Topic) PartitionsCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partitions)
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// Append routes a batch to one partition and returns the partition ID and
// the first offset.
func (t *Topic) Append(partitioning protocol.Partitioning, messages []protocol.Message) (uint32, uint64, error) {
	id, err := t.selectPartition(partitioning)
	if err != nil {
		return 0, 0, err
	}
	p, err := t.Partition(id)
	if err != nil {
		return 0, 0, err
	}
	first, err := p.Append(messages)
	if err != nil {
		return 0, 0, err
	}
	return id, first, nil
}

// Flush persists every partition's unsaved buffer. It keeps going past
// failures and returns the saved count with the joined errors.
func (t *Topic) Flush(fsync bool) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, p := range t.Partitions() {
		n, err := p.Flush(fsync)
		saved += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return saved, errors.Join(errs...)
}

// Purge drops every message of every partition.
func (t *Topic) Purge() error {
	var errs []error
	for _, p := range t.Partitions() {
		if err := p.Purge(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (t *Topic) closePartitions() error {
	var errs []error
	for _, p := range t.partitions {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close persists and closes every partition.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.closePartitions()
}

// Delete closes the topic and removes its directory.
func (t *Topic) Delete() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if !t.closed {
		t.closed = true
		for _, p := range t.partitions {
			if err := p.Delete(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := os.RemoveAll(t.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TopicStats aggregates the logs of a topic.
type TopicStats struct {
	Partitions      int
	Segments        int
	Messages        uint64
	SizeBytes       uint64
	UnsavedMessages int
}

// Stats sums the partition logs.
func (t *Topic) Stats() TopicStats {
	partitions := t.Partitions()
	st := TopicStats{Partitions: len(partitions)}
	for _, p := range partitions {
		ls := p.Stats()
		st.Segments += ls.Segments
		st.Messages += ls.Messages
		st.SizeBytes += ls.SizeBytes
		st.UnsavedMessages += ls.UnsavedMessages
	}
	return st
}
