// =============================================================================
// STRATA HIGH-LEVEL PRODUCER
// =============================================================================
//
// Producer batches single messages into SendMessages requests for one topic:
//
//   SendAsync(m1) ─┐
//   SendAsync(m2) ─┼──► buffer ──► [m1 m2 m3] ──► Client.Send ──► callbacks
//   Send(m3) ──────┘      │
//                         └─ a batch leaves when BatchSize messages are
//                            queued, BatchTimeout passed, or Flush/Close
//                            was called
//
// Messages of one batch land in one partition with consecutive offsets, so
// each callback gets FirstOffset plus its position in the batch.
//
// USAGE:
//
//   p, err := client.NewProducer(c, client.ProducerConfig{
//       Stream: "payments",
//       Topic:  "orders",
//   })
//   defer p.Close()
//
//   res, err := p.Send(ctx, []byte(`{"id": 123}`))
//   p.SendAsync([]byte(`{"id": 456}`), func(r *client.ProducerResult, err error) {})
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"strata/internal/protocol"
)

// ErrProducerClosed is returned when sending through a closed producer.
var ErrProducerClosed = errors.New("producer is closed")

// =============================================================================
// PRODUCER CONFIGURATION
// =============================================================================

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Stream string
	Topic  string

	// Options pick the partition of every batch. Round-robin by default.
	Options []SendOption

	BatchSize    int           // Messages per batch (default: 100)
	BatchTimeout time.Duration // Max wait for a batch (default: 10ms)
	BufferSize   int           // Queued messages before SendAsync blocks (default: 10000)

	// SendTimeout bounds each batch request (default: 30s).
	SendTimeout time.Duration

	Logger *slog.Logger
}

// ProducerResult is where one message was stored.
type ProducerResult struct {
	PartitionID uint32
	Offset      uint64
}

// =============================================================================
// PRODUCER STRUCTURE
// =============================================================================

// Producer is a batching sender bound to one topic.
type Producer struct {
	client *Client
	config ProducerConfig
	logger *slog.Logger

	queue   chan *pendingMessage
	flushes chan chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type pendingMessage struct {
	payload  []byte
	callback func(*ProducerResult, error)
}

// NewProducer starts a producer on top of c. The caller keeps ownership of c.
func NewProducer(c *Client, cfg ProducerConfig) (*Producer, error) {
	if _, _, err := parseTopic(cfg.Stream, cfg.Topic); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > protocol.MaxMessagesPerBatch {
		cfg.BatchSize = protocol.MaxMessagesPerBatch
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = c.logger
	}

	p := &Producer{
		client:  c,
		config:  cfg,
		logger:  logger.With("component", "producer", "stream", cfg.Stream, "topic", cfg.Topic),
		queue:   make(chan *pendingMessage, cfg.BufferSize),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// =============================================================================
// SENDING
// =============================================================================

// SendAsync queues payload. callback, if not nil, runs on the producer
// goroutine once the batch holding payload was answered.
func (p *Producer) SendAsync(payload []byte, callback func(*ProducerResult, error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrProducerClosed
	}
	p.queue <- &pendingMessage{payload: payload, callback: callback}
	return nil
}

// Send queues payload and waits for its batch.
func (p *Producer) Send(ctx context.Context, payload []byte) (*ProducerResult, error) {
	type outcome struct {
		res *ProducerResult
		err error
	}
	ch := make(chan outcome, 1)
	if err := p.SendAsync(payload, func(res *ProducerResult, err error) {
		ch <- outcome{res, err}
	}); err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush sends everything queued so far and waits for the answers.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	ack := make(chan struct{})
	select {
	case p.flushes <- ack:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends the remaining messages and stops the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return nil
}

// =============================================================================
// BATCH LOOP
// =============================================================================

func (p *Producer) run() {
	defer close(p.done)

	batch := make([]*pendingMessage, 0, p.config.BatchSize)
	timer := time.NewTimer(p.config.BatchTimeout)
	timer.Stop()
	timerRunning := false

	send := func() {
		if timerRunning {
			timer.Stop()
			timerRunning = false
		}
		if len(batch) == 0 {
			return
		}
		p.sendBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				send()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= p.config.BatchSize {
				send()
			} else if !timerRunning {
				timer.Reset(p.config.BatchTimeout)
				timerRunning = true
			}

		case <-timer.C:
			timerRunning = false
			send()

		case ack := <-p.flushes:
			// Take what is already queued before answering.
			for drained := false; !drained; {
				select {
				case msg, ok := <-p.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, msg)
					if len(batch) >= p.config.BatchSize {
						send()
					}
				default:
					drained = true
				}
			}
			send()
			close(ack)
		}
	}
}

func (p *Producer) sendBatch(batch []*pendingMessage) {
	payloads := make([][]byte, len(batch))
	for i, m := range batch {
		payloads[i] = m.payload
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.SendTimeout)
	res, err := p.client.Send(ctx, p.config.Stream, p.config.Topic, payloads, p.config.Options...)
	cancel()

	if err != nil {
		p.logger.Warn("failed to send batch", "messages", len(batch), "error", err)
	}
	for i, m := range batch {
		if m.callback == nil {
			continue
		}
		if err != nil {
			m.callback(nil, err)
			continue
		}
		m.callback(&ProducerResult{PartitionID: res.PartitionID, Offset: res.FirstOffset + uint64(i)}, nil)
	}
}
