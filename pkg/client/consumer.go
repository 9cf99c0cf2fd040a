// =============================================================================
// STRATA HIGH-LEVEL CONSUMER
// =============================================================================
//
// Consumer follows one partition and delivers its messages on a channel:
//
//   ┌──────────┐  Poll(from, BatchSize)  ┌──────────┐  Messages()  ┌─────────┐
//   │  server  │ ◄────────────────────── │ Consumer │ ───────────► │   app   │
//   └──────────┘ ──────── [msgs] ──────► └──────────┘              └─────────┘
//
// After each non-empty poll the position moves to the last offset + 1. An
// empty poll waits PollInterval before asking again; failed polls are logged
// and retried after the same interval.
//
// The position lives only in the consumer. Restarting at a known offset is
// done with ConsumerConfig.Start = FromOffset(n).
//
// =============================================================================

package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Stream    string
	Topic     string
	Partition uint32

	// Start is the first poll position (default: FromFirst).
	Start *Position

	BatchSize    uint32        // Messages per poll (default: 100)
	PollInterval time.Duration // Wait after an empty or failed poll (default: 100ms)
	BufferSize   int           // Messages buffered in Messages() (default: 1000)

	Logger *slog.Logger
}

// Consumer polls one partition in the background.
type Consumer struct {
	client *Client
	config ConsumerConfig
	logger *slog.Logger

	messages chan Message
	next     atomic.Uint64
	started  atomic.Bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConsumer starts following a partition through c. The caller keeps
// ownership of c.
func NewConsumer(c *Client, cfg ConsumerConfig) (*Consumer, error) {
	if _, _, err := parseTopic(cfg.Stream, cfg.Topic); err != nil {
		return nil, err
	}
	if cfg.Partition == 0 {
		return nil, errors.New("client: consumer partition is required")
	}
	if cfg.Start == nil {
		first := FromFirst()
		cfg.Start = &first
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	logger := cfg.Logger
	if logger == nil {
		logger = c.logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	cons := &Consumer{
		client:   c,
		config:   cfg,
		logger:   logger.With("component", "consumer", "stream", cfg.Stream, "topic", cfg.Topic, "partition", cfg.Partition),
		messages: make(chan Message, cfg.BufferSize),
		cancel:   cancel,
	}

	cons.wg.Add(1)
	go cons.pollLoop(ctx)
	return cons, nil
}

// Messages returns the delivery channel. It is closed by Close.
func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

// Position returns the offset of the next message to deliver, and false
// before the first message was received.
func (c *Consumer) Position() (uint64, bool) {
	return c.next.Load(), c.started.Load()
}

// Close stops polling and closes the Messages channel.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		close(c.messages)
	})
	return nil
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	from := *c.config.Start
	for {
		msgs, err := c.client.Poll(ctx, c.config.Stream, c.config.Topic, c.config.Partition, from, c.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("poll failed", "error", err)
		}

		for _, m := range msgs {
			select {
			case c.messages <- m:
			case <-ctx.Done():
				return
			}
			c.next.Store(m.Offset + 1)
			c.started.Store(true)
		}
		if len(msgs) > 0 {
			from = FromOffset(msgs[len(msgs)-1].Offset + 1)
			if uint32(len(msgs)) == c.config.BatchSize {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.PollInterval):
		}
	}
}
