// =============================================================================
// MESSAGE SAVER - PERIODIC PERSISTENCE
// =============================================================================
//
// The saver never calls the broker. Every interval it enqueues one
// SaveMessages command, and shard 0 runs it like any other command:
//
//   ticker ──► Enqueue(SaveMessages{EnforceFsync}) ──► shard 0 ──► PersistMessages
//                │
//                └── channel full or closed: logged, counted, retried next tick
//
// States: Idle ─Start─► Running ─ctx done─► Stopped, or Idle ─Start─► Disabled
// when the saver is turned off or the interval is not positive.
//
// =============================================================================

package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"strata/internal/protocol"
)

// Enqueuer accepts fire-and-forget commands. *Pipeline implements it.
type Enqueuer interface {
	Enqueue(cmd protocol.Command) error
}

// SaverState describes what a MessageSaver is doing.
type SaverState int32

const (
	SaverIdle SaverState = iota
	SaverDisabled
	SaverRunning
	SaverStopped
)

func (s SaverState) String() string {
	switch s {
	case SaverIdle:
		return "idle"
	case SaverDisabled:
		return "disabled"
	case SaverRunning:
		return "running"
	case SaverStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SaverConfig configures the periodic persistence of unsaved buffers.
type SaverConfig struct {
	Enabled      bool
	EnforceFsync bool
	Interval     time.Duration
}

// MessageSaver enqueues SaveMessages on a fixed interval. It never touches
// the broker directly; the command flows through the pipeline like any
// other.
type MessageSaver struct {
	config   SaverConfig
	enqueuer Enqueuer
	logger   *slog.Logger

	state    atomic.Int32
	enqueued atomic.Uint64
	failed   atomic.Uint64
	done     chan struct{}
}

// NewMessageSaver creates a saver feeding enqueuer.
func NewMessageSaver(config SaverConfig, enqueuer Enqueuer, logger *slog.Logger) *MessageSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageSaver{
		config:   config,
		enqueuer: enqueuer,
		logger:   logger.With("component", "message_saver"),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine and must be called once. When the
// saver is disabled (or the interval is not positive) it does nothing and the
// state becomes Disabled. The goroutine stops when ctx is cancelled.
func (s *MessageSaver) Start(ctx context.Context) {
	if !s.config.Enabled || s.config.Interval <= 0 {
		s.state.Store(int32(SaverDisabled))
		close(s.done)
		s.logger.Info("message saver is disabled")
		return
	}

	s.state.Store(int32(SaverRunning))
	s.logger.Info("message saver started",
		"interval", s.config.Interval,
		"enforce_fsync", s.config.EnforceFsync)

	go s.run(ctx)
}

func (s *MessageSaver) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(SaverStopped))
			s.logger.Info("message saver stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *MessageSaver) tick() {
	cmd := protocol.SaveMessages{EnforceFsync: s.config.EnforceFsync}
	if err := s.enqueuer.Enqueue(cmd); err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to enqueue save messages command", "error", err)
		return
	}
	s.enqueued.Add(1)
	s.logger.Debug("save messages command enqueued")
}

// State returns the current state.
func (s *MessageSaver) State() SaverState {
	return SaverState(s.state.Load())
}

// Enqueued returns how many SaveMessages commands were accepted.
func (s *MessageSaver) Enqueued() uint64 {
	return s.enqueued.Load()
}

// Failed returns how many ticks could not enqueue.
func (s *MessageSaver) Failed() uint64 {
	return s.failed.Load()
}

// Done is closed when the saver goroutine has exited, or immediately when
// the saver is disabled.
func (s *MessageSaver) Done() <-chan struct{} {
	return s.done
}
