// =============================================================================
// DISPATCH PIPELINE - SHARDED COMMAND EXECUTION
// =============================================================================
//
// The pipeline is the only path from a transport to the broker state.
//
//   Submit/Enqueue
//        │
//        ▼
//   route(cmd) ── stream/topic scoped? ── hash(stream, topic) % shards
//        │                 no
//        ▼                  └──────────► shard 0
//   ┌─────────┐  ┌─────────┐       ┌─────────┐
//   │ shard 0 │  │ shard 1 │  ...  │ shard N │   one Channel + one consumer each
//   └────┬────┘  └────┬────┘       └────┬────┘
//        └────────────┴──────┬──────────┘
//                            ▼
//                        Executor
//
// Commands for the same topic always land on the same shard, so they are
// applied in arrival order. Stream-level administration, stats and the
// periodic SaveMessages all go to shard 0.
//
// A consumer exits only when its channel is closed and drained. It logs a
// warning on the way out; Done() closes once every consumer has returned.
//
// =============================================================================

package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"strata/internal/protocol"
	"strata/internal/stats"
)

// Executor applies one command to the system state.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) ([]byte, error)
}

// Resolver maps stream and topic identifiers to numeric IDs for routing.
type Resolver interface {
	ResolveTopic(streamID, topicID protocol.Identifier) (uint32, uint32, error)
}

// Observer receives per-command timings and queue depths.
type Observer interface {
	CommandExecuted(command string, shard int, duration time.Duration, err error)
	QueueDepth(shard int, depth int)
}

type noopObserver struct{}

func (noopObserver) CommandExecuted(string, int, time.Duration, error) {}

func (noopObserver) QueueDepth(int, int) {}

// Options configures a Pipeline.
type Options struct {
	// Shards is the number of channels and consumers. Minimum 1.
	Shards int

	// ChannelCapacity bounds each shard's queue. 0 means unbounded.
	ChannelCapacity int

	Resolver Resolver
	Observer Observer
	Logger   *slog.Logger
}

// Pipeline owns the shard channels and their consumers.
type Pipeline struct {
	executor Executor
	resolver Resolver
	observer Observer
	logger   *slog.Logger

	channels []*Channel
	senders  []*Sender

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeline creates the shards and starts one consumer per shard.
func NewPipeline(executor Executor, opts Options) (*Pipeline, error) {
	if executor == nil {
		return nil, fmt.Errorf("dispatch: executor is required")
	}
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.ChannelCapacity < 0 {
		return nil, fmt.Errorf("dispatch: negative channel capacity %d", opts.ChannelCapacity)
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		executor: executor,
		resolver: opts.Resolver,
		observer: opts.Observer,
		logger:   opts.Logger.With("component", "dispatch"),
		channels: make([]*Channel, opts.Shards),
		senders:  make([]*Sender, opts.Shards),
		done:     make(chan struct{}),
	}

	for i := range p.channels {
		ch := NewChannel(opts.ChannelCapacity)
		sender, err := ch.NewSender()
		if err != nil {
			return nil, err
		}
		p.channels[i] = ch
		p.senders[i] = sender

		p.wg.Add(1)
		go p.consume(i, ch)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.logger.Info("dispatch pipeline started",
		"shards", opts.Shards,
		"channel_capacity", opts.ChannelCapacity)

	return p, nil
}

// =============================================================================
// PRODUCERS
// =============================================================================

// Submit routes cmd to its shard and waits for the result.
func (p *Pipeline) Submit(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	shard := p.route(cmd)
	reply, err := p.senders[shard].Send(ctx, cmd)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", protocol.ErrRequestTimeout, ctx.Err())
	}
}

// Enqueue routes cmd to its shard without waiting for it to run. A full
// bounded shard rejects the command with ErrChannelFull.
func (p *Pipeline) Enqueue(cmd protocol.Command) error {
	return p.senders[p.route(cmd)].TrySend(cmd)
}

// Stats submits GetStats and decodes the snapshot, so HTTP and metrics
// readers see exactly what a TCP client would.
func (p *Pipeline) Stats(ctx context.Context) (stats.ServerStats, error) {
	payload, err := p.Submit(ctx, protocol.GetStats{})
	if err != nil {
		return stats.ServerStats{}, err
	}
	var st stats.ServerStats
	if err := json.Unmarshal(payload, &st); err != nil {
		return stats.ServerStats{}, fmt.Errorf("dispatch: decode stats: %w", err)
	}
	return st, nil
}

// route picks the shard for cmd.
func (p *Pipeline) route(cmd protocol.Command) int {
	if len(p.channels) == 1 {
		return 0
	}

	var streamID, topicID protocol.Identifier
	switch c := cmd.(type) {
	case protocol.SendMessages:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.PollMessages:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.FlushUnsavedBuffer:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.DeleteTopic:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.PurgeTopic:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.CreatePartitions:
		streamID, topicID = c.StreamID, c.TopicID
	case protocol.DeletePartitions:
		streamID, topicID = c.StreamID, c.TopicID
	default:
		return 0
	}

	if p.resolver == nil {
		return 0
	}
	// Unknown topics go to shard 0, where the executor reports the error.
	sid, tid, err := p.resolver.ResolveTopic(streamID, topicID)
	if err != nil {
		return 0
	}
	return ShardFor(sid, tid, len(p.channels))
}

// ShardFor hashes a numeric stream and topic pair onto [0, shards).
func ShardFor(streamID, topicID uint32, shards int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], streamID)
	binary.LittleEndian.PutUint32(buf[4:8], topicID)
	h := fnv.New32a()
	h.Write(buf[:])
	return int(h.Sum32() % uint32(shards))
}

// =============================================================================
// CONSUMERS
// =============================================================================

func (p *Pipeline) consume(shard int, ch *Channel) {
	defer p.wg.Done()

	for v := range ch.Receive() {
		env, ok := v.(*Envelope)
		if !ok {
			continue
		}
		p.observer.QueueDepth(shard, ch.Len())

		ctx := env.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := ctx.Err(); err != nil {
			env.respond(Result{Err: fmt.Errorf("%w: %v", protocol.ErrRequestTimeout, err)})
			continue
		}

		start := time.Now()
		payload, err := p.executor.Execute(ctx, env.Command)
		p.observer.CommandExecuted(protocol.CommandName(env.Command.Code()), shard, time.Since(start), err)
		env.respond(Result{Payload: payload, Err: err})
	}

	p.logger.Warn("command channel closed, consumer stopped", "shard", shard)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Shards returns the number of shards.
func (p *Pipeline) Shards() int {
	return len(p.channels)
}

// QueueLengths returns the current backlog per shard.
func (p *Pipeline) QueueLengths() []int {
	out := make([]int, len(p.channels))
	for i, ch := range p.channels {
		out[i] = ch.Len()
	}
	return out
}

// Close releases the pipeline's senders. Queued commands still run.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		for _, s := range p.senders {
			s.Close()
		}
	})
}

// Done is closed after every consumer has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Shutdown closes the pipeline and waits for the consumers to drain.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
