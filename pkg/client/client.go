// =============================================================================
// STRATA GO CLIENT - LOW-LEVEL TCP CLIENT
// =============================================================================
//
// Client speaks the binary TCP protocol of a strata server and adds:
//   - Stream and topic addressing by numeric ID or by name
//   - Automatic redial when the connection drops
//   - Retry with exponential backoff for transient failures
//
// ARCHITECTURE:
//
//   ┌────────────────────────────────────────────────────────────────────────┐
//   │                          Application Layer                             │
//   │                                                                        │
//   │   ┌─────────────────┐    ┌─────────────────┐    ┌──────────────────┐   │
//   │   │  Producer       │    │  Consumer       │    │  Direct Client   │   │
//   │   │  (batching)     │    │  (poll loop)    │    │  Usage           │   │
//   │   └────────┬────────┘    └────────┬────────┘    └────────┬─────────┘   │
//   │            └──────────────────────┼──────────────────────┘             │
//   │                          ┌────────▼────────┐                           │
//   │                          │     Client      │ ◄── This file             │
//   │                          └────────┬────────┘                           │
//   └───────────────────────────────────┼────────────────────────────────────┘
//                                       │ one TCP connection, requests in order
//                              ┌────────▼────────┐
//                              │  strata server  │
//                              └─────────────────┘
//
// USAGE:
//
//   c, err := client.New(ctx, client.DefaultConfig("localhost:8090"))
//   if err != nil {
//       log.Fatal(err)
//   }
//   defer c.Close()
//
//   res, err := c.Send(ctx, "payments", "orders", [][]byte{[]byte(`{"id":1}`)},
//       client.WithKey([]byte("customer-7")))
//   msgs, err := c.Poll(ctx, "payments", "orders", res.PartitionID, client.FromFirst(), 100)
//
// =============================================================================

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/internal/protocol"
	"strata/internal/server"
	"strata/internal/stats"
)

// ErrClientClosed is returned by every call after Close.
var ErrClientClosed = errors.New("client is closed")

// Server errors. Compare with errors.Is.
var (
	ErrStreamNotFound      = protocol.ErrStreamNotFound
	ErrStreamAlreadyExists = protocol.ErrStreamAlreadyExists
	ErrTopicNotFound       = protocol.ErrTopicNotFound
	ErrTopicAlreadyExists  = protocol.ErrTopicAlreadyExists
	ErrPartitionNotFound   = protocol.ErrPartitionNotFound
	ErrCannotDeleteAll     = protocol.ErrCannotDeleteAll
	ErrChannelFull         = protocol.ErrChannelFull
	ErrRequestTimeout      = protocol.ErrRequestTimeout
)

// StreamInfo describes one stream in a Streams listing.
type StreamInfo = protocol.StreamInfo

// SendResult reports where a batch was appended.
type SendResult = protocol.SendResult

// Stats is the server statistics snapshot.
type Stats = stats.ServerStats

// Message is one polled message.
type Message struct {
	Offset    uint64
	Timestamp time.Time
	ID        uuid.UUID
	Payload   []byte
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds the client configuration.
type Config struct {
	// Address is the server TCP address (host:port).
	Address string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// RequestTimeout applies to calls whose context has no deadline.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryBackoff is the first backoff; it doubles on every retry.
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with the usual defaults.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		DialTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// =============================================================================
// CLIENT STRUCTURE
// =============================================================================

// Client is a connection to one strata server. It is safe for concurrent use;
// requests share one connection and are answered in order.
type Client struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *server.Client
	closed bool
}

// New connects to the server and checks it answers a ping.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("client: address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config: cfg,
		logger: logger.With("component", "client", "address", cfg.Address),
	}
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	if _, err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	c.logger.Debug("connected to strata")
	return c, nil
}

// Close closes the connection. Calls after Close fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// connection returns the live connection, dialing when there is none.
func (c *Client) connection(ctx context.Context) (*server.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	conn, err := server.Dial(dialCtx, c.config.Address)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// dropConnection discards conn if it is still the current connection.
func (c *Client) dropConnection(conn *server.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// do sends cmd, redialing and retrying on transient failures.
func (c *Client) do(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	backoff := c.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				"command", protocol.CommandName(cmd.Code()),
				"attempt", attempt,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		conn, err := c.connection(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}

		payload, err := conn.Do(ctx, cmd)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if isConnectionError(err) {
			c.dropConnection(conn)
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// isConnectionError reports whether err left the connection unusable.
func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// isRetryable reports whether a request that failed with err may succeed
// when sent again. Server-side validation and lookup errors are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr {
		case protocol.ErrChannelFull, protocol.ErrRequestTimeout:
			return true
		default:
			return false
		}
	}
	return isConnectionError(err)
}

// =============================================================================
// SYSTEM OPERATIONS
// =============================================================================

// Ping measures one round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.do(ctx, protocol.Ping{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Stats fetches the server statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	payload, err := c.do(ctx, protocol.GetStats{})
	if err != nil {
		return nil, err
	}
	var st Stats
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("invalid stats payload: %w", err)
	}
	return &st, nil
}

// =============================================================================
// STREAM & TOPIC OPERATIONS
// =============================================================================

// CreateStream creates a stream and returns its ID. A zero id lets the
// server pick the next free one.
func (c *Client) CreateStream(ctx context.Context, id uint32, name string) (uint32, error) {
	payload, err := c.do(ctx, protocol.CreateStream{StreamID: id, Name: name})
	if err != nil {
		return 0, err
	}
	return protocol.DecodeID(payload)
}

// DeleteStream removes a stream with all its topics.
func (c *Client) DeleteStream(ctx context.Context, stream string) error {
	sid, err := protocol.ParseIdentifier(stream)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.DeleteStream{StreamID: sid})
	return err
}

// Streams lists every stream.
func (c *Client) Streams(ctx context.Context) ([]StreamInfo, error) {
	payload, err := c.do(ctx, protocol.GetStreams{})
	if err != nil {
		return nil, err
	}
	return protocol.DecodeStreams(payload)
}

// TopicConfig describes a topic to create.
type TopicConfig struct {
	ID                uint32
	Name              string
	Partitions        uint32
	MessageExpiry     time.Duration
	MaxTopicSize      uint64
	ReplicationFactor uint8
}

// CreateTopic creates a topic in stream and returns its ID.
func (c *Client) CreateTopic(ctx context.Context, stream string, cfg TopicConfig) (uint32, error) {
	sid, err := protocol.ParseIdentifier(stream)
	if err != nil {
		return 0, err
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}
	payload, err := c.do(ctx, protocol.CreateTopic{
		StreamID:          sid,
		TopicID:           cfg.ID,
		PartitionsCount:   cfg.Partitions,
		MessageExpiry:     uint32(cfg.MessageExpiry / time.Second),
		MaxTopicSize:      cfg.MaxTopicSize,
		ReplicationFactor: cfg.ReplicationFactor,
		Name:              cfg.Name,
	})
	if err != nil {
		return 0, err
	}
	return protocol.DecodeID(payload)
}

// DeleteTopic removes a topic and its data.
func (c *Client) DeleteTopic(ctx context.Context, stream, topic string) error {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.DeleteTopic{StreamID: sid, TopicID: tid})
	return err
}

// PurgeTopic drops every message of a topic; offsets restart at 0.
func (c *Client) PurgeTopic(ctx context.Context, stream, topic string) error {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.PurgeTopic{StreamID: sid, TopicID: tid})
	return err
}

// CreatePartitions appends count partitions to a topic.
func (c *Client) CreatePartitions(ctx context.Context, stream, topic string, count uint32) error {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.CreatePartitions{StreamID: sid, TopicID: tid, PartitionsCount: count})
	return err
}

// DeletePartitions removes the last count partitions of a topic.
func (c *Client) DeletePartitions(ctx context.Context, stream, topic string, count uint32) error {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.DeletePartitions{StreamID: sid, TopicID: tid, PartitionsCount: count})
	return err
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// SendOption selects the target partition of Send.
type SendOption func(*protocol.Partitioning)

// WithKey routes the batch by hashing key.
func WithKey(key []byte) SendOption {
	return func(p *protocol.Partitioning) {
		*p = protocol.MessagesKey(key)
	}
}

// WithPartition sends the batch to one partition.
func WithPartition(id uint32) SendOption {
	return func(p *protocol.Partitioning) {
		*p = protocol.PartitionID(id)
	}
}

// Send appends payloads as one batch. Without options the server picks the
// partition round-robin. A batch retried after a dropped connection may be
// stored twice.
func (c *Client) Send(ctx context.Context, stream, topic string, payloads [][]byte, opts ...SendOption) (*SendResult, error) {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return nil, err
	}
	partitioning := protocol.BalancedPartitioning()
	for _, opt := range opts {
		opt(&partitioning)
	}

	messages := make([]protocol.Message, len(payloads))
	for i, p := range payloads {
		messages[i] = protocol.Message{ID: uuid.New(), Payload: p}
	}
	cmd := protocol.SendMessages{
		StreamID:     sid,
		TopicID:      tid,
		Partitioning: partitioning,
		Messages:     messages,
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	payload, err := c.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	res, err := protocol.DecodeSendResult(payload)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Position is where Poll starts reading.
type Position struct {
	strategy protocol.PollingStrategy
}

// FromOffset starts at offset.
func FromOffset(offset uint64) Position {
	return Position{strategy: protocol.OffsetStrategy(offset)}
}

// FromFirst starts at the earliest retained message.
func FromFirst() Position {
	return Position{strategy: protocol.FirstStrategy()}
}

// FromLast returns the newest messages.
func FromLast() Position {
	return Position{strategy: protocol.LastStrategy()}
}

// Poll reads up to count messages from one partition.
func (c *Client) Poll(ctx context.Context, stream, topic string, partition uint32, from Position, count uint32) ([]Message, error) {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, protocol.PollMessages{
		StreamID:    sid,
		TopicID:     tid,
		PartitionID: partition,
		Strategy:    from.strategy,
		Count:       count,
	})
	if err != nil {
		return nil, err
	}
	polled, err := protocol.DecodeMessages(payload)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, len(polled))
	for i, m := range polled {
		messages[i] = Message{
			Offset:    m.Offset,
			Timestamp: time.UnixMicro(int64(m.Timestamp)),
			ID:        m.ID,
			Payload:   m.Payload,
		}
	}
	return messages, nil
}

// Flush persists the unsaved messages of one partition.
func (c *Client) Flush(ctx context.Context, stream, topic string, partition uint32, fsync bool) error {
	sid, tid, err := parseTopic(stream, topic)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.FlushUnsavedBuffer{
		StreamID:    sid,
		TopicID:     tid,
		PartitionID: partition,
		Fsync:       fsync,
	})
	return err
}

func parseTopic(stream, topic string) (protocol.Identifier, protocol.Identifier, error) {
	sid, err := protocol.ParseIdentifier(stream)
	if err != nil {
		return protocol.Identifier{}, protocol.Identifier{}, fmt.Errorf("invalid stream %q: %w", stream, err)
	}
	tid, err := protocol.ParseIdentifier(topic)
	if err != nil {
		return protocol.Identifier{}, protocol.Identifier{}, fmt.Errorf("invalid topic %q: %w", topic, err)
	}
	return sid, tid, nil
}
