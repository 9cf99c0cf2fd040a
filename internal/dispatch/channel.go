// =============================================================================
// COMMAND CHANNEL - MULTI-PRODUCER QUEUE WITH REFCOUNTED SENDERS
// =============================================================================
//
// A Channel carries envelopes from request handlers and the persistence
// scheduler to exactly one shard consumer.
//
//   handler ──Sender──┐
//   handler ──Sender──┼──► Channel ──► consumer goroutine ──► Executor
//   saver   ──Sender──┘
//
// Two flavours:
//   - bounded (capacity > 0): a buffered Go channel. Send blocks while full,
//     TrySend fails fast with ErrChannelFull.
//   - unbounded (capacity == 0): an eapache/channels InfiniteChannel. Send
//     never blocks, memory grows with the backlog.
//
// The channel closes when the last Sender is closed (or Close is called).
// Envelopes already queued are still delivered; the consumer sees the end
// of the stream only after draining them.
//
// =============================================================================

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/channels"

	"strata/internal/protocol"
)

// Result is what the executor produced for one command.
type Result struct {
	Payload []byte
	Err     error
}

// Envelope is one queued command. A nil reply channel marks a
// fire-and-forget command.
type Envelope struct {
	Command protocol.Command

	ctx   context.Context
	reply chan Result
}

func (e *Envelope) respond(r Result) {
	if e.reply != nil {
		e.reply <- r
	}
}

// Channel is a closable queue of envelopes.
type Channel struct {
	mu      sync.RWMutex
	closed  bool
	senders int

	bounded  chan interface{}
	infinite *channels.InfiniteChannel
	in       chan<- interface{}
	out      <-chan interface{}
}

// NewChannel creates a channel. A capacity of zero makes it unbounded.
func NewChannel(capacity int) *Channel {
	c := &Channel{}
	if capacity > 0 {
		c.bounded = make(chan interface{}, capacity)
		c.in = c.bounded
		c.out = c.bounded
	} else {
		c.infinite = channels.NewInfiniteChannel()
		c.in = c.infinite.In()
		c.out = c.infinite.Out()
	}
	return c
}

// NewSender hands out a producer handle. Fails once the channel is closed.
func (c *Channel) NewSender() (*Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, protocol.ErrChannelClosed
	}
	c.senders++
	return &Sender{ch: c}, nil
}

// send enqueues env. With block set it waits for room (or ctx); otherwise a
// full bounded channel returns ErrChannelFull.
func (c *Channel) send(ctx context.Context, env *Envelope, block bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return protocol.ErrChannelClosed
	}

	if c.infinite != nil {
		c.in <- env
		return nil
	}

	if !block {
		select {
		case c.in <- env:
			return nil
		default:
			return fmt.Errorf("%w: %d queued", protocol.ErrChannelFull, len(c.bounded))
		}
	}

	select {
	case c.in <- env:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", protocol.ErrRequestTimeout, ctx.Err())
	}
}

// Receive returns the consumer side. It is closed after Close and once every
// queued envelope has been read.
func (c *Channel) Receive() <-chan interface{} {
	return c.out
}

// Len returns the number of queued envelopes.
func (c *Channel) Len() int {
	if c.infinite != nil {
		return c.infinite.Len()
	}
	return len(c.bounded)
}

// Capacity returns the bound, or 0 for an unbounded channel.
func (c *Channel) Capacity() int {
	return cap(c.bounded)
}

// IsClosed reports whether the channel stopped accepting envelopes.
func (c *Channel) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops the channel regardless of outstanding senders.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	if c.infinite != nil {
		c.infinite.Close()
	} else {
		close(c.bounded)
	}
}

func (c *Channel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.senders--
	if c.senders <= 0 {
		c.closeLocked()
	}
}

// Sender is a producer handle on a Channel.
type Sender struct {
	ch   *Channel
	once sync.Once
}

// Send enqueues cmd and returns a channel that yields its result.
func (s *Sender) Send(ctx context.Context, cmd protocol.Command) (<-chan Result, error) {
	env := &Envelope{Command: cmd, ctx: ctx, reply: make(chan Result, 1)}
	if err := s.ch.send(ctx, env, true); err != nil {
		return nil, err
	}
	return env.reply, nil
}

// TrySend enqueues cmd without waiting for a result or for room.
func (s *Sender) TrySend(cmd protocol.Command) error {
	return s.ch.send(context.Background(), &Envelope{Command: cmd}, false)
}

// Close releases the handle. The channel closes with its last sender.
func (s *Sender) Close() {
	s.once.Do(s.ch.release)
}
