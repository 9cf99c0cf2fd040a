// =============================================================================
// BROKER TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - Stream and topic lifecycle (create, resolve by id or name, delete)
//   - Send/poll through every partitioning kind and polling strategy
//   - Partition count boundaries and tail deletion
//   - State persistence across restart
//   - Cache write-through and read-through metrics
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"strata/internal/cache"
	"strata/internal/protocol"
	"strata/internal/storage"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.CacheCapacity = 1000
	cfg.Storage.MessagesRequiredToSave = 0
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// setupTopic creates stream 1 "payments" with topic 1 "orders".
func setupTopic(t *testing.T, b *Broker, partitions uint32) {
	t.Helper()
	if _, err := b.CreateStream(1, "payments"); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	cmd := protocol.CreateTopic{
		StreamID:          protocol.MustNumericID(1),
		TopicID:           1,
		PartitionsCount:   partitions,
		ReplicationFactor: 1,
		Name:              "orders",
	}
	if _, err := b.CreateTopic(cmd); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
}

func messages(n int, prefix string) []protocol.Message {
	out := make([]protocol.Message, n)
	for i := range out {
		out[i] = protocol.Message{ID: uuid.New(), Payload: []byte(fmt.Sprintf("%s-%d", prefix, i))}
	}
	return out
}

func send(t *testing.T, b *Broker, partitioning protocol.Partitioning, msgs []protocol.Message) protocol.SendResult {
	t.Helper()
	res, err := b.SendMessages(protocol.SendMessages{
		StreamID:     protocol.MustNumericID(1),
		TopicID:      protocol.MustNumericID(1),
		Partitioning: partitioning,
		Messages:     msgs,
	})
	if err != nil {
		t.Fatalf("SendMessages failed: %v", err)
	}
	return res
}

func poll(t *testing.T, b *Broker, partition uint32, strategy protocol.PollingStrategy, count uint32) []*storage.Message {
	t.Helper()
	msgs, err := b.PollMessages(protocol.PollMessages{
		StreamID:    protocol.MustNumericID(1),
		TopicID:     protocol.MustNumericID(1),
		PartitionID: partition,
		Strategy:    strategy,
		Count:       count,
	})
	if err != nil {
		t.Fatalf("PollMessages failed: %v", err)
	}
	return msgs
}

// =============================================================================
// STREAMS & TOPICS
// =============================================================================

func TestBroker_StreamLifecycle(t *testing.T) {
	b := newTestBroker(t)

	s, err := b.CreateStream(0, "My Stream")
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if s.ID != 1 || s.Name != "my.stream" {
		t.Errorf("stream = %d %q, want 1 my.stream", s.ID, s.Name)
	}

	if _, err := b.CreateStream(0, "my.stream"); !errors.Is(err, protocol.ErrStreamAlreadyExists) {
		t.Errorf("duplicate name: err = %v", err)
	}
	if _, err := b.CreateStream(1, "other"); !errors.Is(err, protocol.ErrStreamAlreadyExists) {
		t.Errorf("duplicate id: err = %v", err)
	}

	byName, err := b.Stream(protocol.MustNamedID("MY STREAM"))
	if err != nil || byName.ID != 1 {
		t.Errorf("Stream(by name) = %v, %v", byName, err)
	}

	if err := b.DeleteStream(protocol.MustNumericID(1)); err != nil {
		t.Fatalf("DeleteStream failed: %v", err)
	}
	if _, err := b.Stream(protocol.MustNumericID(1)); !errors.Is(err, protocol.ErrStreamNotFound) {
		t.Errorf("Stream after delete: err = %v", err)
	}
	if _, err := os.Stat(streamDir(b.config.DataDir, 1)); !os.IsNotExist(err) {
		t.Errorf("stream directory still exists: %v", err)
	}
}

func TestBroker_TopicLifecycle(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 3)

	topic, err := b.Topic(protocol.MustNamedID("payments"), protocol.MustNamedID("orders"))
	if err != nil {
		t.Fatalf("Topic(by name) failed: %v", err)
	}
	if topic.PartitionsCount() != 3 {
		t.Errorf("PartitionsCount = %d, want 3", topic.PartitionsCount())
	}

	sid, tid, err := b.ResolveTopic(protocol.MustNamedID("payments"), protocol.MustNumericID(1))
	if err != nil || sid != 1 || tid != 1 {
		t.Errorf("ResolveTopic = %d, %d, %v", sid, tid, err)
	}

	dup := protocol.CreateTopic{StreamID: protocol.MustNumericID(1), PartitionsCount: 1, ReplicationFactor: 1, Name: "Orders"}
	if _, err := b.CreateTopic(dup); !errors.Is(err, protocol.ErrTopicAlreadyExists) {
		t.Errorf("duplicate topic: err = %v", err)
	}

	missing := protocol.CreateTopic{StreamID: protocol.MustNumericID(9), PartitionsCount: 1, ReplicationFactor: 1, Name: "x"}
	if _, err := b.CreateTopic(missing); !errors.Is(err, protocol.ErrStreamNotFound) {
		t.Errorf("topic in missing stream: err = %v", err)
	}

	if err := b.DeleteTopic(protocol.MustNumericID(1), protocol.MustNumericID(1)); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}
	if _, err := b.Topic(protocol.MustNumericID(1), protocol.MustNumericID(1)); !errors.Is(err, protocol.ErrTopicNotFound) {
		t.Errorf("Topic after delete: err = %v", err)
	}
}

func TestBroker_PartitionsCountBoundary(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 1)
	stream, topic := protocol.MustNumericID(1), protocol.MustNumericID(1)

	// The limit is checked before any partition is created.
	if _, err := b.CreatePartitions(stream, topic, protocol.MaxPartitionsCount); !errors.Is(err, protocol.ErrTooManyPartitions) {
		t.Errorf("1 + 1000 partitions: err = %v, want ErrTooManyPartitions", err)
	}

	created, err := b.CreatePartitions(stream, topic, 4)
	if err != nil {
		t.Fatalf("CreatePartitions failed: %v", err)
	}
	if len(created) != 4 || created[0] != 2 || created[3] != 5 {
		t.Errorf("created IDs = %v, want [2 3 4 5]", created)
	}

	removed, err := b.DeletePartitions(stream, topic, 3)
	if err != nil {
		t.Fatalf("DeletePartitions failed: %v", err)
	}
	if len(removed) != 3 || removed[0] != 3 || removed[2] != 5 {
		t.Errorf("removed IDs = %v, want [3 4 5]", removed)
	}

	if _, err := b.DeletePartitions(stream, topic, 2); !errors.Is(err, protocol.ErrCannotDeleteAll) {
		t.Errorf("deleting every partition: err = %v", err)
	}
	tp, _ := b.Topic(stream, topic)
	if tp.PartitionsCount() != 2 {
		t.Errorf("PartitionsCount = %d, want 2", tp.PartitionsCount())
	}
	if _, err := os.Stat(partitionDir(tp.dir, 3)); !os.IsNotExist(err) {
		t.Errorf("partition 3 directory still exists: %v", err)
	}
}

// =============================================================================
// SEND & POLL
// =============================================================================

func TestBroker_SendAndPollStrategies(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 1)

	first := send(t, b, protocol.PartitionID(1), messages(5, "a"))
	second := send(t, b, protocol.PartitionID(1), messages(5, "b"))
	if first.FirstOffset != 0 || second.FirstOffset != 5 || second.Count != 5 {
		t.Fatalf("send results = %+v, %+v", first, second)
	}

	tests := []struct {
		name       string
		strategy   protocol.PollingStrategy
		count      uint32
		wantFirst  uint64
		wantLength int
	}{
		{"offset", protocol.OffsetStrategy(3), 4, 3, 4},
		{"offset past end", protocol.OffsetStrategy(10), 4, 0, 0},
		{"first", protocol.FirstStrategy(), 2, 0, 2},
		{"last", protocol.LastStrategy(), 3, 7, 3},
		{"last more than stored", protocol.LastStrategy(), 50, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := poll(t, b, 1, tt.strategy, tt.count)
			if len(msgs) != tt.wantLength {
				t.Fatalf("got %d messages, want %d", len(msgs), tt.wantLength)
			}
			for i, m := range msgs {
				if m.Offset != tt.wantFirst+uint64(i) {
					t.Errorf("message %d has offset %d", i, m.Offset)
				}
			}
		})
	}
}

func TestBroker_Partitioning(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 3)

	// Balanced: 1, 2, 3, 1, ...
	for i := 0; i < 6; i++ {
		res := send(t, b, protocol.BalancedPartitioning(), messages(1, "rr"))
		if want := uint32(i%3) + 1; res.PartitionID != want {
			t.Errorf("send %d went to partition %d, want %d", i, res.PartitionID, want)
		}
	}

	// Same key, same partition.
	key := protocol.MessagesKey([]byte("user-123"))
	target := send(t, b, key, messages(1, "k")).PartitionID
	for i := 0; i < 5; i++ {
		if got := send(t, b, key, messages(1, "k")).PartitionID; got != target {
			t.Errorf("key send %d went to partition %d, want %d", i, got, target)
		}
	}
	if want := HashKey([]byte("user-123"))%3 + 1; target != want {
		t.Errorf("key partition = %d, want %d", target, want)
	}

	_, err := b.SendMessages(protocol.SendMessages{
		StreamID:     protocol.MustNumericID(1),
		TopicID:      protocol.MustNumericID(1),
		Partitioning: protocol.PartitionID(4),
		Messages:     messages(1, "x"),
	})
	if !errors.Is(err, protocol.ErrPartitionNotFound) {
		t.Errorf("send to partition 4: err = %v", err)
	}
}

func TestBroker_PollMissingPartition(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 2)

	_, err := b.PollMessages(protocol.PollMessages{
		StreamID:    protocol.MustNumericID(1),
		TopicID:     protocol.MustNumericID(1),
		PartitionID: 3,
		Strategy:    protocol.FirstStrategy(),
		Count:       1,
	})
	if !errors.Is(err, protocol.ErrPartitionNotFound) {
		t.Errorf("err = %v, want ErrPartitionNotFound", err)
	}
}

func TestBroker_CacheReadThrough(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 1)
	key := cache.Key{StreamID: 1, TopicID: 1, PartitionID: 1}

	send(t, b, protocol.PartitionID(1), messages(10, "c"))

	// Appends write through, so the whole poll is served from the cache.
	poll(t, b, 1, protocol.FirstStrategy(), 10)
	if m := b.Cache().Metrics(key); m.Hits != 10 || m.Misses != 0 {
		t.Errorf("after cached poll: %+v", m)
	}

	b.Cache().RemovePartition(key)
	msgs := poll(t, b, 1, protocol.OffsetStrategy(4), 3)
	if len(msgs) != 3 || string(msgs[0].Payload) != "c-4" {
		t.Fatalf("poll after eviction = %d messages", len(msgs))
	}
	if m := b.Cache().Metrics(key); m.Hits != 0 || m.Misses != 1 {
		t.Errorf("after cold poll: %+v", m)
	}

	// The cold read populated the cache.
	poll(t, b, 1, protocol.OffsetStrategy(4), 3)
	if m := b.Cache().Metrics(key); m.Hits != 3 || m.Misses != 1 {
		t.Errorf("after warm poll: %+v", m)
	}
}

func TestBroker_PurgeTopicRestartsOffsets(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 2)

	send(t, b, protocol.PartitionID(1), messages(4, "old"))
	send(t, b, protocol.PartitionID(2), messages(4, "old"))

	if err := b.PurgeTopic(protocol.MustNumericID(1), protocol.MustNumericID(1)); err != nil {
		t.Fatalf("PurgeTopic failed: %v", err)
	}
	if msgs := poll(t, b, 1, protocol.FirstStrategy(), 10); len(msgs) != 0 {
		t.Errorf("poll after purge returned %d messages", len(msgs))
	}

	res := send(t, b, protocol.PartitionID(1), messages(1, "new"))
	if res.FirstOffset != 0 {
		t.Errorf("first offset after purge = %d, want 0", res.FirstOffset)
	}
	msgs := poll(t, b, 1, protocol.FirstStrategy(), 10)
	if len(msgs) != 1 || string(msgs[0].Payload) != "new-0" {
		t.Errorf("poll after purge and send = %v", msgs)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestBroker_PersistMessagesAndFlush(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 2)

	send(t, b, protocol.PartitionID(1), messages(3, "p"))
	send(t, b, protocol.PartitionID(2), messages(2, "p"))

	saved, err := b.FlushUnsavedBuffer(protocol.FlushUnsavedBuffer{
		StreamID:    protocol.MustNumericID(1),
		TopicID:     protocol.MustNumericID(1),
		PartitionID: 2,
		Fsync:       true,
	})
	if err != nil || saved != 2 {
		t.Errorf("FlushUnsavedBuffer = %d, %v; want 2", saved, err)
	}

	saved, err = b.PersistMessages(false)
	if err != nil || saved != 3 {
		t.Errorf("PersistMessages = %d, %v; want 3", saved, err)
	}
	if st := b.Stats(); st.UnsavedMessages != 0 {
		t.Errorf("UnsavedMessages = %d after persist", st.UnsavedMessages)
	}

	// Idempotent.
	if saved, _ := b.PersistMessages(true); saved != 0 {
		t.Errorf("second PersistMessages saved %d", saved)
	}
}

func TestBroker_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	setupTopic(t, b, 2)
	send(t, b, protocol.PartitionID(2), messages(7, "durable"))
	if _, err := b.CreatePartitions(protocol.MustNumericID(1), protocol.MustNumericID(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(streamDir(dir, 1), streamMetadataFile)); err != nil {
		t.Fatalf("stream metadata missing: %v", err)
	}

	reopened, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	topic, err := reopened.Topic(protocol.MustNamedID("payments"), protocol.MustNamedID("orders"))
	if err != nil {
		t.Fatalf("topic not restored: %v", err)
	}
	if topic.PartitionsCount() != 3 {
		t.Errorf("PartitionsCount = %d, want 3", topic.PartitionsCount())
	}
	if topic.ReplicationFactor != 1 {
		t.Errorf("ReplicationFactor = %d, want 1", topic.ReplicationFactor)
	}

	msgs := poll(t, reopened, 2, protocol.FirstStrategy(), 100)
	if len(msgs) != 7 || string(msgs[6].Payload) != "durable-6" {
		t.Fatalf("restored %d messages", len(msgs))
	}
	res := send(t, reopened, protocol.PartitionID(2), messages(1, "after"))
	if res.FirstOffset != 7 {
		t.Errorf("offset after reload = %d, want 7", res.FirstOffset)
	}
}

func TestBroker_UnloadableTopicKeepsItsID(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	setupTopic(t, b, 1)
	send(t, b, protocol.PartitionID(1), messages(3, "kept"))
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	tdir := topicDir(streamDir(dir, 1), 1)
	segment := filepath.Join(partitionDir(tdir, 1), storage.SegmentFileName(0))
	before, err := os.Stat(segment)
	if err != nil || before.Size() == 0 {
		t.Fatalf("segment before restart: %v, %v", before, err)
	}
	if err := os.Remove(filepath.Join(tdir, topicMetadataFile)); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Topic(protocol.MustNumericID(1), protocol.MustNumericID(1)); !errors.Is(err, protocol.ErrStorage) {
		t.Errorf("lookup of unloadable topic err = %v, want ErrStorage", err)
	}

	created, err := reopened.CreateTopic(protocol.CreateTopic{
		StreamID:          protocol.MustNumericID(1),
		PartitionsCount:   1,
		ReplicationFactor: 1,
		Name:              "replacement",
	})
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if created.ID != 2 {
		t.Errorf("auto-assigned topic id = %d, want 2", created.ID)
	}

	_, err = reopened.CreateTopic(protocol.CreateTopic{
		StreamID:          protocol.MustNumericID(1),
		TopicID:           1,
		PartitionsCount:   1,
		ReplicationFactor: 1,
		Name:              "clobber",
	})
	if !errors.Is(err, protocol.ErrTopicAlreadyExists) {
		t.Errorf("CreateTopic over unloadable id err = %v, want ErrTopicAlreadyExists", err)
	}

	after, err := os.Stat(segment)
	if err != nil || after.Size() != before.Size() {
		t.Errorf("segment after restart = %v, %v; want %d bytes", after, err, before.Size())
	}
}

func TestBroker_UnloadableStreamKeepsItsID(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}
	setupTopic(t, b, 1)
	b.Close()

	if err := os.Remove(filepath.Join(streamDir(dir, 1), streamMetadataFile)); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBroker(testConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Stream(protocol.MustNumericID(1)); !errors.Is(err, protocol.ErrStorage) {
		t.Errorf("lookup of unloadable stream err = %v, want ErrStorage", err)
	}
	s, err := reopened.CreateStream(0, "fresh")
	if err != nil || s.ID != 2 {
		t.Fatalf("CreateStream = %v, %v; want id 2", s, err)
	}
	if _, err := reopened.CreateStream(1, "clobber"); !errors.Is(err, protocol.ErrStreamAlreadyExists) {
		t.Errorf("CreateStream over unloadable id err = %v", err)
	}
	if _, err := os.Stat(topicDir(streamDir(dir, 1), 1)); err != nil {
		t.Errorf("data of unloadable stream removed: %v", err)
	}
}

func TestBroker_ClosedRejectsCommands(t *testing.T) {
	b, err := NewBroker(testConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	if _, err := b.CreateStream(0, "late"); !errors.Is(err, protocol.ErrBrokerClosed) {
		t.Errorf("CreateStream after close: err = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// =============================================================================
// STATS
// =============================================================================

func TestBroker_Stats(t *testing.T) {
	b := newTestBroker(t)
	setupTopic(t, b, 3)
	send(t, b, protocol.PartitionID(1), messages(4, "s"))
	poll(t, b, 1, protocol.FirstStrategy(), 4)
	b.ClientConnected()
	b.ClientConnected()
	b.ClientDisconnected()

	st := b.Stats()
	if st.StreamsCount != 1 || st.TopicsCount != 1 || st.PartitionsCount != 3 {
		t.Errorf("counts = %d/%d/%d", st.StreamsCount, st.TopicsCount, st.PartitionsCount)
	}
	if st.MessagesCount != 4 || st.SegmentsCount != 3 {
		t.Errorf("messages = %d, segments = %d", st.MessagesCount, st.SegmentsCount)
	}
	if st.ClientsCount != 1 {
		t.Errorf("ClientsCount = %d, want 1", st.ClientsCount)
	}
	if st.ServerVersion != "dev" || st.ProcessID == 0 {
		t.Errorf("process fields = %q %d", st.ServerVersion, st.ProcessID)
	}
	if m := st.CacheMetrics[cache.Key{StreamID: 1, TopicID: 1, PartitionID: 1}]; m.Hits != 4 {
		t.Errorf("cache metrics = %+v", m)
	}
}
