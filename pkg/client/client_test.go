// =============================================================================
// CLIENT TESTS
// =============================================================================
//
// Every test runs against a real broker, dispatch pipeline and TCP server on
// a free local port.
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"strata/internal/broker"
	"strata/internal/dispatch"
	"strata/internal/server"
	"strata/internal/storage"
)

type testEnv struct {
	addr   string
	client *Client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	opts := storage.DefaultOptions()
	opts.Logger = logger
	b, err := broker.NewBroker(broker.Config{
		DataDir:       t.TempDir(),
		Storage:       opts,
		CacheCapacity: 100,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewBroker failed: %v", err)
	}

	p, err := dispatch.NewPipeline(b, dispatch.Options{Shards: 2, ChannelCapacity: 64, Resolver: b, Logger: logger})
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	srv := server.NewTCPServer("127.0.0.1:0", server.NewHandler(p, server.DefaultHandlerConfig(), logger), b, logger)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cfg := DefaultConfig(srv.Addr())
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.Logger = logger
	c, err := New(testContext(t), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
		b.Close()
	})
	return &testEnv{addr: srv.Addr(), client: c}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// createTopic creates stream "payments" and topic "orders".
func (te *testEnv) createTopic(t *testing.T, partitions uint32) {
	t.Helper()
	ctx := testContext(t)
	if _, err := te.client.CreateStream(ctx, 0, "payments"); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if _, err := te.client.CreateTopic(ctx, "payments", TopicConfig{Name: "orders", Partitions: partitions}); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
}

func payloads(n int, prefix string) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

// =============================================================================
// CLIENT
// =============================================================================

func TestNew_Errors(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected an error for an empty address")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := DefaultConfig(addr)
	cfg.DialTimeout = time.Second
	cfg.MaxRetries = 0
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected an error for an address nobody listens on")
	}
}

func TestClient_StreamsAndTopics(t *testing.T) {
	te := setupTestEnv(t)
	ctx := testContext(t)
	c := te.client

	id, err := c.CreateStream(ctx, 0, "Payments")
	if err != nil || id != 1 {
		t.Fatalf("CreateStream = %d, %v", id, err)
	}
	if _, err := c.CreateStream(ctx, 0, "payments"); !errors.Is(err, ErrStreamAlreadyExists) {
		t.Errorf("duplicate stream err = %v", err)
	}

	tid, err := c.CreateTopic(ctx, "payments", TopicConfig{Name: "orders", Partitions: 1, MessageExpiry: time.Hour})
	if err != nil || tid != 1 {
		t.Fatalf("CreateTopic = %d, %v", tid, err)
	}

	streams, err := c.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if len(streams) != 1 || streams[0].Name != "payments" || streams[0].TopicsCount != 1 {
		t.Errorf("Streams = %+v", streams)
	}

	if err := c.CreatePartitions(ctx, "1", "orders", 2); err != nil {
		t.Fatalf("CreatePartitions failed: %v", err)
	}
	if err := c.DeletePartitions(ctx, "payments", "1", 3); !errors.Is(err, ErrCannotDeleteAll) {
		t.Errorf("DeletePartitions(3) err = %v, want ErrCannotDeleteAll", err)
	}
	if err := c.DeletePartitions(ctx, "payments", "orders", 1); err != nil {
		t.Errorf("DeletePartitions(1) failed: %v", err)
	}

	if err := c.PurgeTopic(ctx, "payments", "orders"); err != nil {
		t.Errorf("PurgeTopic failed: %v", err)
	}
	if err := c.DeleteTopic(ctx, "payments", "orders"); err != nil {
		t.Errorf("DeleteTopic failed: %v", err)
	}
	if err := c.DeleteTopic(ctx, "payments", "orders"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("second DeleteTopic err = %v, want ErrTopicNotFound", err)
	}
	if err := c.DeleteStream(ctx, "payments"); err != nil {
		t.Errorf("DeleteStream failed: %v", err)
	}
	if err := c.DeleteStream(ctx, "payments"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("second DeleteStream err = %v, want ErrStreamNotFound", err)
	}
}

func TestClient_SendAndPoll(t *testing.T) {
	te := setupTestEnv(t)
	te.createTopic(t, 3)
	ctx := testContext(t)
	c := te.client

	res, err := c.Send(ctx, "payments", "orders", payloads(4, "direct"), WithPartition(2))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.PartitionID != 2 || res.FirstOffset != 0 || res.Count != 4 {
		t.Errorf("SendResult = %+v", res)
	}

	msgs, err := c.Poll(ctx, "payments", "orders", 2, FromFirst(), 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(msgs) != 4 || string(msgs[3].Payload) != "direct-3" || msgs[3].Offset != 3 {
		t.Errorf("Poll(first) = %d messages", len(msgs))
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	last, err := c.Poll(ctx, "payments", "orders", 2, FromLast(), 1)
	if err != nil || len(last) != 1 || last[0].Offset != 3 {
		t.Errorf("Poll(last) = %+v, %v", last, err)
	}
	mid, err := c.Poll(ctx, "payments", "orders", 2, FromOffset(1), 2)
	if err != nil || len(mid) != 2 || mid[0].Offset != 1 {
		t.Errorf("Poll(offset 1) = %+v, %v", mid, err)
	}

	k1, err := c.Send(ctx, "payments", "orders", payloads(1, "k"), WithKey([]byte("customer-7")))
	if err != nil {
		t.Fatalf("Send with key failed: %v", err)
	}
	k2, err := c.Send(ctx, "payments", "orders", payloads(1, "k"), WithKey([]byte("customer-7")))
	if err != nil {
		t.Fatalf("Send with key failed: %v", err)
	}
	if k1.PartitionID != k2.PartitionID {
		t.Errorf("same key went to partitions %d and %d", k1.PartitionID, k2.PartitionID)
	}

	if _, err := c.Send(ctx, "payments", "orders", payloads(1, "x"), WithPartition(9)); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Send to missing partition err = %v", err)
	}
	if _, err := c.Send(ctx, "payments", "orders", nil); err == nil {
		t.Error("expected an error for an empty batch")
	}

	if err := c.Flush(ctx, "payments", "orders", 2, true); err != nil {
		t.Errorf("Flush failed: %v", err)
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.MessagesCount != 6 || st.PartitionsCount != 3 {
		t.Errorf("Stats messages=%d partitions=%d, want 6 and 3", st.MessagesCount, st.PartitionsCount)
	}
}

func TestClient_Reconnects(t *testing.T) {
	te := setupTestEnv(t)
	c := te.client

	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()

	if _, err := c.Ping(testContext(t)); err != nil {
		t.Fatalf("Ping after dropped connection failed: %v", err)
	}
}

func TestClient_Closed(t *testing.T) {
	te := setupTestEnv(t)
	c := te.client

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := c.Ping(testContext(t)); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Ping after Close err = %v, want ErrClientClosed", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"closed conn", fmt.Errorf("write: %w", net.ErrClosed), true},
		{"channel full", ErrChannelFull, true},
		{"request timeout", fmt.Errorf("wrapped: %w", ErrRequestTimeout), true},
		{"not found", ErrStreamNotFound, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// =============================================================================
// PRODUCER
// =============================================================================

func TestProducer_Batches(t *testing.T) {
	te := setupTestEnv(t)
	te.createTopic(t, 2)

	p, err := NewProducer(te.client, ProducerConfig{
		Stream:       "payments",
		Topic:        "orders",
		Options:      []SendOption{WithPartition(1)},
		BatchSize:    4,
		BatchTimeout: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}

	var results []*ProducerResult
	for _, payload := range payloads(10, "batched") {
		err := p.SendAsync(payload, func(r *ProducerResult, err error) {
			if err != nil {
				t.Errorf("async send failed: %v", err)
				return
			}
			results = append(results, r)
		})
		if err != nil {
			t.Fatalf("SendAsync failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(results) != 10 {
		t.Fatalf("got %d callbacks, want 10", len(results))
	}
	for i, r := range results {
		if r.PartitionID != 1 || r.Offset != uint64(i) {
			t.Errorf("results[%d] = %+v", i, r)
		}
	}

	msgs, err := te.client.Poll(testContext(t), "payments", "orders", 1, FromFirst(), 20)
	if err != nil || len(msgs) != 10 || string(msgs[9].Payload) != "batched-9" {
		t.Errorf("poll after produce = %d messages, %v", len(msgs), err)
	}

	if err := p.SendAsync([]byte("late"), nil); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("SendAsync after Close err = %v, want ErrProducerClosed", err)
	}
}

func TestProducer_SendAndFlush(t *testing.T) {
	te := setupTestEnv(t)
	te.createTopic(t, 1)

	p, err := NewProducer(te.client, ProducerConfig{
		Stream:       "payments",
		Topic:        "orders",
		BatchSize:    100,
		BatchTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	defer p.Close()

	if err := p.SendAsync([]byte("queued"), nil); err != nil {
		t.Fatalf("SendAsync failed: %v", err)
	}
	if err := p.Flush(testContext(t)); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	msgs, err := te.client.Poll(testContext(t), "payments", "orders", 1, FromFirst(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("poll after Flush = %d messages, %v", len(msgs), err)
	}

	// Send waits for its own batch; the hour-long timeout forces the flush.
	done := make(chan *ProducerResult, 1)
	go func() {
		res, err := p.Send(testContext(t), []byte("sync"))
		if err != nil {
			t.Errorf("Send failed: %v", err)
		}
		done <- res
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := p.Flush(testContext(t)); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		select {
		case res := <-done:
			if res == nil || res.Offset != 1 {
				t.Errorf("Send result = %+v, want offset 1", res)
			}
			return
		case <-deadline:
			t.Fatal("Send never returned")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNewProducer_InvalidTopic(t *testing.T) {
	if _, err := NewProducer(&Client{}, ProducerConfig{Stream: "", Topic: "orders"}); err == nil {
		t.Error("expected an error for an empty stream")
	}
}

// =============================================================================
// CONSUMER
// =============================================================================

func receive(t *testing.T, c *Consumer, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case m := <-c.Messages():
			out = append(out, m)
		case <-timeout:
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestConsumer_FollowsPartition(t *testing.T) {
	te := setupTestEnv(t)
	te.createTopic(t, 1)
	ctx := testContext(t)

	if _, err := te.client.Send(ctx, "payments", "orders", payloads(3, "before")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	cons, err := NewConsumer(te.client, ConsumerConfig{
		Stream:       "payments",
		Topic:        "orders",
		Partition:    1,
		BatchSize:    2,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	got := receive(t, cons, 3)
	if string(got[0].Payload) != "before-0" || got[2].Offset != 2 {
		t.Errorf("first messages = %+v", got)
	}

	if _, err := te.client.Send(ctx, "payments", "orders", payloads(2, "after")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got = receive(t, cons, 2)
	if string(got[1].Payload) != "after-1" || got[1].Offset != 4 {
		t.Errorf("later messages = %+v", got)
	}

	if next, ok := cons.Position(); !ok || next != 5 {
		t.Errorf("Position = %d, %v, want 5", next, ok)
	}

	if err := cons.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, open := <-cons.Messages(); open {
		t.Error("Messages channel still open after Close")
	}
}

func TestConsumer_StartOffset(t *testing.T) {
	te := setupTestEnv(t)
	te.createTopic(t, 1)

	if _, err := te.client.Send(testContext(t), "payments", "orders", payloads(5, "m")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	start := FromOffset(3)
	cons, err := NewConsumer(te.client, ConsumerConfig{
		Stream:       "payments",
		Topic:        "orders",
		Partition:    1,
		Start:        &start,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}
	defer cons.Close()

	got := receive(t, cons, 2)
	if got[0].Offset != 3 || got[1].Offset != 4 {
		t.Errorf("offsets = %d, %d, want 3 and 4", got[0].Offset, got[1].Offset)
	}

	if _, err := NewConsumer(te.client, ConsumerConfig{Stream: "payments", Topic: "orders"}); err == nil {
		t.Error("expected an error without a partition")
	}
}
