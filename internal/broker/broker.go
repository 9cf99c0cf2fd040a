// =============================================================================
// BROKER - THE SYSTEM REGISTRY
// =============================================================================
//
// WHAT IS THE BROKER?
// The broker is the single owner of all server state:
//
//   Broker
//     ├── Stream 1 "payments"
//     │     ├── Topic 1 "orders"  ── Partition 1, 2, 3  (storage.Log each)
//     │     └── Topic 2 "refunds" ── Partition 1
//     ├── Stream 2 "audit"
//     │     └── ...
//     └── Cache (LRU of messages shared by every partition)
//
// Nothing outside the broker mutates this tree. Transports and the
// persistence scheduler reach it through the dispatch pipeline, which calls
// Execute (executor.go) from its shard consumers.
//
// STARTUP PROCESS:
//  1. Create {data_dir}/streams if needed
//  2. Load every stream.yaml, topic.yaml and partition log
//  3. Partition logs recover torn tails and rebuild indexes
//  4. Ready to accept commands
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/stats"
	"strata/internal/storage"
)

// Observer receives data-path events, typically to feed metrics.
type Observer interface {
	MessagesAppended(key cache.Key, count int, bytes int)
	MessagesPolled(key cache.Key, count int)
	MessagesPersisted(count int, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) MessagesAppended(cache.Key, int, int) {}

func (noopObserver) MessagesPolled(cache.Key, int) {}

func (noopObserver) MessagesPersisted(int, time.Duration, error) {}

// =============================================================================
// BROKER CONFIGURATION
// =============================================================================

// Config holds broker configuration.
type Config struct {
	// DataDir is the root directory for all data.
	DataDir string

	// Storage configures every partition log.
	Storage storage.Options

	// CacheCapacity is the number of messages kept in memory. 0 disables
	// caching (misses are still counted).
	CacheCapacity int

	// ServerVersion is reported in stats.
	ServerVersion string

	// Process supplies process metrics for stats. Defaults to the Go runtime.
	Process stats.ProcessInfoProvider

	Observer Observer
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data",
		Storage:       storage.DefaultOptions(),
		CacheCapacity: 100_000,
		ServerVersion: "dev",
	}
}

// =============================================================================
// BROKER STRUCT
// =============================================================================

// Broker owns every stream, topic and partition.
type Broker struct {
	config     Config
	streamsDir string
	logger     *slog.Logger
	observer   Observer
	process    stats.ProcessInfoProvider
	cache      *cache.Cache

	mu            sync.RWMutex
	streams       map[uint32]*Stream
	streamsByName map[string]uint32
	closed        bool

	// failed holds streams found on disk that could not be loaded.
	failed map[uint32]error

	clients atomic.Int64
}

// NewBroker creates the data directory if needed and loads existing state.
func NewBroker(config Config) (*Broker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}
	if config.Process == nil {
		config.Process = stats.NewRuntimeProvider()
	}
	logger := config.Logger.With("component", "broker")
	config.Storage.Logger = config.Logger.With("component", "storage")

	streamsDir := filepath.Join(config.DataDir, streamsDirName)
	if err := os.MkdirAll(streamsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create streams directory: %w", err)
	}

	b := &Broker{
		config:        config,
		streamsDir:    streamsDir,
		logger:        logger,
		observer:      config.Observer,
		process:       config.Process,
		cache:         cache.New(config.CacheCapacity),
		streams:       make(map[uint32]*Stream),
		streamsByName: make(map[string]uint32),
		failed:        make(map[uint32]error),
	}

	if err := b.loadStreams(); err != nil {
		return nil, fmt.Errorf("failed to load streams: %w", err)
	}

	logger.Info("broker started",
		"data_dir", config.DataDir,
		"streams", len(b.streams),
		"cache_capacity", config.CacheCapacity)

	return b, nil
}

func (b *Broker) loadStreams() error {
	ids, err := numericDirs(b.streamsDir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		s, err := LoadStream(streamDir(b.config.DataDir, id), b.config.Storage, b.cache, b.logger)
		if err != nil {
			b.logger.Error("failed to load stream", "stream", id, "error", err)
			b.failed[id] = err
			continue
		}
		b.streams[s.ID] = s
		b.streamsByName[s.Name] = s.ID
		b.logger.Info("loaded stream",
			"stream", s.ID,
			"name", s.Name,
			"topics", s.TopicsCount())
	}
	return nil
}

// Close persists every partition with fsync and closes the logs.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.logger.Info("shutting down broker")

	var errs []error
	for id, s := range b.streams {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stream %d: %w", id, err))
		}
	}

	b.logger.Info("broker shutdown complete")
	return errors.Join(errs...)
}

// =============================================================================
// STREAM OPERATIONS
// =============================================================================

// CreateStream registers a stream. A zero id picks the next free ID.
func (b *Broker) CreateStream(id uint32, name string) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, protocol.ErrBrokerClosed
	}

	name = protocol.NormalizeName(name)
	if _, exists := b.streamsByName[name]; exists {
		return nil, fmt.Errorf("%w: %q", protocol.ErrStreamAlreadyExists, name)
	}
	if id == 0 {
		id = nextFreeID(b.streams, b.failed)
	} else if _, exists := b.streams[id]; exists {
		return nil, fmt.Errorf("%w: id %d", protocol.ErrStreamAlreadyExists, id)
	}
	if err, failed := b.failed[id]; failed {
		return nil, fmt.Errorf("%w: id %d is on disk but failed to load: %v", protocol.ErrStreamAlreadyExists, id, err)
	}
	dir := streamDir(b.config.DataDir, id)
	if pathExists(dir) {
		return nil, fmt.Errorf("%w: id %d has leftover data in %s", protocol.ErrStreamAlreadyExists, id, dir)
	}

	s, err := CreateStream(dir, id, name, b.config.Storage, b.cache, b.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrStorage, err)
	}
	b.streams[id] = s
	b.streamsByName[name] = id

	b.logger.Info("created stream", "stream", id, "name", name)
	return s, nil
}

// Stream resolves a stream identifier.
func (b *Broker) Stream(id protocol.Identifier) (*Stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, protocol.ErrBrokerClosed
	}
	return b.streamLocked(id)
}

func (b *Broker) streamLocked(id protocol.Identifier) (*Stream, error) {
	if n, ok := id.Numeric(); ok {
		if s, ok := b.streams[n]; ok {
			return s, nil
		}
		if err, failed := b.failed[n]; failed {
			return nil, fmt.Errorf("%w: stream %d failed to load: %v", protocol.ErrStorage, n, err)
		}
	} else if name, ok := id.Name(); ok {
		if n, ok := b.streamsByName[name]; ok {
			return b.streams[n], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrStreamNotFound, id)
}

// DeleteStream removes a stream with all its topics and data.
func (b *Broker) DeleteStream(id protocol.Identifier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return protocol.ErrBrokerClosed
	}
	s, err := b.streamLocked(id)
	if err != nil {
		return err
	}
	delete(b.streams, s.ID)
	delete(b.streamsByName, s.Name)

	if err := s.Delete(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrStorage, err)
	}
	b.logger.Info("deleted stream", "stream", s.ID, "name", s.Name)
	return nil
}

// Streams returns every stream ordered by ID.
func (b *Broker) Streams() []*Stream {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// TOPIC OPERATIONS
// =============================================================================

// Topic resolves a stream and topic identifier pair.
func (b *Broker) Topic(streamID, topicID protocol.Identifier) (*Topic, error) {
	s, err := b.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return s.Topic(topicID)
}

// ResolveTopic maps identifiers to numeric IDs. It lets the dispatch
// pipeline route named and numeric addresses of a topic to the same shard.
func (b *Broker) ResolveTopic(streamID, topicID protocol.Identifier) (uint32, uint32, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return 0, 0, err
	}
	return t.StreamID, t.ID, nil
}

// CreateTopic creates a topic inside a stream.
func (b *Broker) CreateTopic(cmd protocol.CreateTopic) (*Topic, error) {
	s, err := b.Stream(cmd.StreamID)
	if err != nil {
		return nil, err
	}

	t, err := s.CreateTopic(TopicConfig{
		ID:                cmd.TopicID,
		Name:              cmd.Name,
		PartitionsCount:   cmd.PartitionsCount,
		MessageExpiry:     cmd.MessageExpiry,
		MaxTopicSize:      cmd.MaxTopicSize,
		ReplicationFactor: cmd.ReplicationFactor,
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("created topic",
		"stream", s.ID,
		"topic", t.ID,
		"name", t.Name,
		"partitions", cmd.PartitionsCount)
	return t, nil
}

// DeleteTopic removes a topic and its data.
func (b *Broker) DeleteTopic(streamID, topicID protocol.Identifier) error {
	s, err := b.Stream(streamID)
	if err != nil {
		return err
	}
	t, err := s.DeleteTopic(topicID)
	if err != nil {
		return err
	}
	b.logger.Info("deleted topic", "stream", s.ID, "topic", t.ID, "name", t.Name)
	return nil
}

// PurgeTopic drops every message of a topic. Offsets restart at 0.
func (b *Broker) PurgeTopic(streamID, topicID protocol.Identifier) error {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return err
	}
	if err := t.Purge(); err != nil {
		return err
	}
	b.logger.Info("purged topic", "stream", t.StreamID, "topic", t.ID)
	return nil
}

// CreatePartitions adds partitions to a topic.
func (b *Broker) CreatePartitions(streamID, topicID protocol.Identifier, count uint32) ([]uint32, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	ids, err := t.CreatePartitions(count)
	if err != nil {
		return ids, err
	}
	b.logger.Info("created partitions",
		"stream", t.StreamID,
		"topic", t.ID,
		"count", count,
		"total", t.PartitionsCount())
	return ids, nil
}

// DeletePartitions removes partitions from the tail of a topic.
func (b *Broker) DeletePartitions(streamID, topicID protocol.Identifier, count uint32) ([]uint32, error) {
	t, err := b.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	ids, err := t.DeletePartitions(count)
	if err != nil {
		return ids, err
	}
	b.logger.Info("deleted partitions",
		"stream", t.StreamID,
		"topic", t.ID,
		"count", count,
		"total", t.PartitionsCount())
	return ids, nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// SendMessages appends a batch to the partition chosen by its partitioning.
func (b *Broker) SendMessages(cmd protocol.SendMessages) (protocol.SendResult, error) {
	t, err := b.Topic(cmd.StreamID, cmd.TopicID)
	if err != nil {
		return protocol.SendResult{}, err
	}

	partitionID, first, err := t.Append(cmd.Partitioning, cmd.Messages)
	if err != nil {
		return protocol.SendResult{}, err
	}

	size := 0
	for _, m := range cmd.Messages {
		size += len(m.Payload)
	}
	b.observer.MessagesAppended(t.partitionKey(partitionID), len(cmd.Messages), size)

	return protocol.SendResult{
		PartitionID: partitionID,
		FirstOffset: first,
		Count:       uint32(len(cmd.Messages)),
	}, nil
}

// PollMessages reads from one partition.
func (b *Broker) PollMessages(cmd protocol.PollMessages) ([]*storage.Message, error) {
	t, err := b.Topic(cmd.StreamID, cmd.TopicID)
	if err != nil {
		return nil, err
	}
	p, err := t.Partition(cmd.PartitionID)
	if err != nil {
		return nil, err
	}

	msgs, err := p.Poll(cmd.Strategy, cmd.Count)
	if err != nil {
		return nil, err
	}
	b.observer.MessagesPolled(p.Key(), len(msgs))
	return msgs, nil
}

// FlushUnsavedBuffer persists one partition's buffer now.
func (b *Broker) FlushUnsavedBuffer(cmd protocol.FlushUnsavedBuffer) (int, error) {
	t, err := b.Topic(cmd.StreamID, cmd.TopicID)
	if err != nil {
		return 0, err
	}
	p, err := t.Partition(cmd.PartitionID)
	if err != nil {
		return 0, err
	}
	return p.Flush(cmd.Fsync)
}

// PersistMessages flushes every partition of every topic. Failures do not
// stop the sweep; the count of saved messages and the joined errors are
// returned.
func (b *Broker) PersistMessages(force bool) (int, error) {
	start := time.Now()

	var (
		saved int
		errs  []error
	)
	for _, s := range b.Streams() {
		for _, t := range s.Topics() {
			n, err := t.Flush(force)
			saved += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	err := errors.Join(errs...)
	b.observer.MessagesPersisted(saved, time.Since(start), err)
	return saved, err
}

// =============================================================================
// CLIENTS, CACHE & STATS
// =============================================================================

// ClientConnected increments the connected clients gauge.
func (b *Broker) ClientConnected() {
	b.clients.Add(1)
}

// ClientDisconnected decrements the connected clients gauge.
func (b *Broker) ClientDisconnected() {
	b.clients.Add(-1)
}

// Cache exposes the message cache, for metrics.
func (b *Broker) Cache() *cache.Cache {
	return b.cache
}

// Stats builds a snapshot of the whole system.
func (b *Broker) Stats() stats.ServerStats {
	st := stats.New()
	st.Apply(b.process.ProcessInfo(), time.Now())
	st.SetServerVersion(b.config.ServerVersion)
	if n := b.clients.Load(); n > 0 {
		st.ClientsCount = uint32(n)
	}

	for _, s := range b.Streams() {
		st.StreamsCount++
		for _, t := range s.Topics() {
			st.TopicsCount++
			ts := t.Stats()
			st.PartitionsCount += uint32(ts.Partitions)
			st.SegmentsCount += uint32(ts.Segments)
			st.MessagesCount += ts.Messages
			st.MessagesSizeBytes += ts.SizeBytes
			st.UnsavedMessages += uint64(ts.UnsavedMessages)
		}
	}

	st.CacheMetrics = b.cache.Snapshot()
	return st
}
