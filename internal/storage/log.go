// =============================================================================
// PARTITION LOG - APPEND-ONLY SEQUENCE OF SEGMENTS
// =============================================================================
//
// A Log is the storage of one partition: an ordered, append-only sequence of
// messages with dense offsets starting at 0. It is split into segments.
//
//   ┌───────────────┐ ┌───────────────┐ ┌───────────────────────────┐
//   │ Segment 0     │ │ Segment 1000  │ │ Segment 2000 (active)     │
//   │ [0, 1000)     │ │ [1000, 2000)  │ │ [2000, 2345) + unsaved    │
//   │ sealed        │ │ sealed        │ │                           │
//   └───────────────┘ └───────────────┘ └───────────────────────────┘
//
// APPEND:
//   Append assigns the next offset under the log lock and buffers the message
//   in the active segment. No disk I/O happens on the append path except when
//   a new segment file is created or the log holds MessagesRequiredToSave
//   unsaved messages, in which case the append persists them before returning.
//
// FLUSH:
//   Flush persists every segment's write buffer. For each segment it takes
//   the pending batch under the log lock, writes it with no log lock held, then
//   commits under the lock. Appends and reads continue while the write is in
//   progress. On an I/O error the batch returns to the buffer and the error is
//   reported; the next flush retries.
//
//   Segments are flushed oldest first and a failure stops the flush. Sealed
//   segments are always fsynced, so a newer segment file is only created once
//   everything before its base offset is durable.
//
// RECOVERY:
//   LoadLog drops trailing segments that do not continue the durable end of
//   the previous segment. Their offsets were never acknowledged as durable and
//   keeping them would leave a gap.
//
// LOCKS:
//   flushMu → mu. Flush, Purge, Delete and Close take flushMu first. Append
//   and reads only take mu.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
)

var (
	ErrLogClosed = errors.New("log is closed")
)

// Options configures a partition log.
type Options struct {
	// MaxSegmentBytes seals the active segment once the next record would
	// take it past this size. Zero disables the size limit.
	MaxSegmentBytes int64

	// MaxSegmentMessages seals the active segment once it holds this many
	// messages. Zero disables the count limit.
	MaxSegmentMessages uint64

	// MessagesRequiredToSave bounds the number of unsaved messages. Reaching
	// it persists the buffer on the append path. Zero disables the bound.
	MessagesRequiredToSave int

	// EnforceFsync fsyncs inline persists.
	EnforceFsync bool

	Compression Compression

	Logger *slog.Logger
}

// DefaultOptions returns the options used when the configuration omits them.
func DefaultOptions() Options {
	return Options{
		MaxSegmentBytes:        1 << 30,
		MaxSegmentMessages:     1_000_000,
		MessagesRequiredToSave: 5000,
	}
}

// Log is the segmented storage of one partition.
type Log struct {
	dir    string
	opts   Options
	logger *slog.Logger

	segments []*Segment
	active   *Segment

	nextOffset uint64

	// unsaved counts buffered messages across all segments.
	unsaved int

	mu      sync.RWMutex
	flushMu sync.Mutex
	closed  bool
}

// NewLog creates an empty log in dir.
func NewLog(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	segment, err := NewSegment(dir, 0, opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial segment: %w", err)
	}

	return &Log{
		dir:      dir,
		opts:     opts,
		logger:   logger(opts),
		segments: []*Segment{segment},
		active:   segment,
	}, nil
}

// LoadLog opens the log in dir, recovering every segment. A directory with no
// segments yields an empty log.
func LoadLog(dir string, opts Options) (*Log, error) {
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("log directory not found: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	baseOffsets, err := ListSegmentFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}
	if len(baseOffsets) == 0 {
		return NewLog(dir, opts)
	}

	segments := make([]*Segment, 0, len(baseOffsets))
	for i, baseOffset := range baseOffsets {
		if n := len(segments); n > 0 && segments[n-1].NextOffset() < baseOffset {
			if err := dropSegments(dir, baseOffsets[i:]); err != nil {
				closeSegments(segments)
				return nil, err
			}
			logger(opts).Warn("dropped segments past the durable end of the log",
				"dir", dir,
				"durable_end", segments[n-1].NextOffset(),
				"dropped", baseOffsets[i:],
			)
			break
		}

		segment, err := LoadSegment(dir, baseOffset, opts.Compression)
		if err != nil {
			closeSegments(segments)
			return nil, fmt.Errorf("failed to load segment %d: %w", baseOffset, err)
		}
		if n := len(segments); n > 0 && segments[n-1].NextOffset() != baseOffset {
			closeSegments(segments)
			segment.Close()
			return nil, fmt.Errorf("segment %d overlaps segment %d (ends at %d)",
				baseOffset, segments[n-1].BaseOffset(), segments[n-1].NextOffset())
		}
		segments = append(segments, segment)
	}

	for _, s := range segments[:len(segments)-1] {
		s.seal()
	}

	active := segments[len(segments)-1]
	// Whatever the previous run wrote may not have been fsynced yet.
	active.dirty = active.PersistedSize() > 0
	l := &Log{
		dir:        dir,
		opts:       opts,
		logger:     logger(opts),
		segments:   segments,
		active:     active,
		nextOffset: active.NextOffset(),
	}
	var size int64
	for _, s := range segments {
		size += s.PersistedSize()
	}
	l.logger.Debug("log loaded",
		"dir", dir,
		"segments", len(segments),
		"next_offset", l.nextOffset,
		"size", bytefmt.ByteSize(uint64(size)),
	)
	return l, nil
}

func closeSegments(segments []*Segment) {
	for _, s := range segments {
		s.Close()
	}
}

// dropSegments removes the files of the segments starting at baseOffsets.
func dropSegments(dir string, baseOffsets []uint64) error {
	for _, base := range baseOffsets {
		for _, name := range []string{SegmentFileName(base), IndexFileName(base)} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to drop segment %d: %w", base, err)
			}
		}
	}
	return nil
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

// Append appends one message and returns its offset.
func (l *Log) Append(msg *Message) (uint64, error) {
	return l.AppendBatch([]*Message{msg})
}

// AppendBatch appends msgs with consecutive offsets and returns the first.
// Messages without an ID get a fresh one; messages without a timestamp get
// the current time.
func (l *Log) AppendBatch(msgs []*Message) (uint64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrLogClosed
	}

	first := l.nextOffset
	now := nowMicros()
	rolled := false
	for _, msg := range msgs {
		if l.active.isFull(msg, l.opts.MaxSegmentBytes, l.opts.MaxSegmentMessages) {
			l.rollover()
			rolled = true
		}

		msg.Offset = l.nextOffset
		if msg.Timestamp == 0 {
			msg.Timestamp = now
		}
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		l.active.appendBuffered(msg)
		l.nextOffset++
		l.unsaved++
	}

	threshold := l.opts.MessagesRequiredToSave
	persist := rolled || (threshold > 0 && l.unsaved >= threshold)
	l.mu.Unlock()

	if persist {
		if _, err := l.Flush(l.opts.EnforceFsync); err != nil {
			// The messages stay buffered and are retried by the next flush.
			l.logger.Warn("failed to persist unsaved messages",
				"dir", l.dir,
				"error", err,
			)
		}
	}
	return first, nil
}

// rollover seals the active segment and starts a new one at nextOffset. No
// I/O happens here, so a batch is never cut short by a rollover: the new
// segment's files are created by the flush that persists the sealed tail.
func (l *Log) rollover() {
	sealed := l.active
	segment := newPendingSegment(l.dir, l.nextOffset, l.opts.Compression)
	sealed.seal()
	l.segments = append(l.segments, segment)
	l.active = segment

	l.logger.Debug("segment rolled",
		"dir", l.dir,
		"base_offset", segment.BaseOffset(),
		"sealed_size", bytefmt.ByteSize(uint64(sealed.Size())),
		"segments", len(l.segments),
	)
}

// Flush persists all unsaved messages and returns how many were written.
// With fsync the data and index files are synced; sealed segments are always
// synced. Calling Flush with nothing buffered is a no-op.
func (l *Log) Flush(fsync bool) (int, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	type batch struct {
		segment  *Segment
		messages []*Message
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrLogClosed
	}
	var batches []batch
	for _, s := range l.segments {
		msgs := s.buffer.take()
		// A sealed segment with unsynced writes is synced even when it has
		// nothing left to write, before any newer segment is touched.
		if len(msgs) > 0 || (s.IsSealed() && s.dirty) {
			batches = append(batches, batch{segment: s, messages: msgs})
		}
	}
	l.mu.Unlock()

	saved := 0
	for i, b := range batches {
		synced := fsync || b.segment.IsSealed()
		var (
			position int64
			written  int
			err      error
		)
		if len(b.messages) == 0 {
			err = b.segment.sync()
		} else {
			position, written, err = b.segment.persist(b.messages, synced)
		}

		l.mu.Lock()
		if err != nil {
			for _, rest := range batches[i:] {
				rest.segment.buffer.restore()
			}
			l.mu.Unlock()
			return saved, fmt.Errorf("failed to persist segment %d: %w", b.segment.BaseOffset(), err)
		}
		if len(b.messages) == 0 {
			b.segment.dirty = false
		} else {
			b.segment.commit(position, written, b.messages[len(b.messages)-1].Offset+1, synced)
			l.unsaved -= len(b.messages)
		}
		l.mu.Unlock()

		saved += len(b.messages)
	}
	return saved, nil
}

// ReadFrom returns up to limit messages starting at offset. Offsets before
// the earliest retained message start at the earliest one; offsets at or past
// the end yield an empty result.
func (l *Log) ReadFrom(offset uint64, limit int) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if limit <= 0 || offset >= l.nextOffset {
		return []*Message{}, nil
	}
	if earliest := l.segments[0].BaseOffset(); offset < earliest {
		offset = earliest
	}

	i := l.findSegmentIndex(offset)
	if i == -1 {
		return nil, ErrOffsetNotFound
	}

	messages := make([]*Message, 0, min(limit, int(l.nextOffset-offset)))
	for ; i < len(l.segments) && len(messages) < limit; i++ {
		segment := l.segments[i]
		msgs, err := segment.readFrom(offset, limit-len(messages))
		if err != nil {
			return nil, fmt.Errorf("failed to read from segment %d: %w", segment.BaseOffset(), err)
		}
		messages = append(messages, msgs...)
		offset = segment.NextOffset()
	}
	return messages, nil
}

// Read returns the message at offset.
func (l *Log) Read(offset uint64) (*Message, error) {
	msgs, err := l.ReadFrom(offset, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || msgs[0].Offset != offset {
		return nil, ErrOffsetNotFound
	}
	return msgs[0], nil
}

func (l *Log) findSegmentIndex(offset uint64) int {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].BaseOffset() > offset
	})
	if i == 0 {
		return -1
	}
	if offset >= l.segments[i-1].NextOffset() {
		return -1
	}
	return i - 1
}

// Purge removes every message and restarts the log at offset 0.
func (l *Log) Purge() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	for _, s := range l.segments {
		if err := s.Delete(); err != nil {
			return fmt.Errorf("failed to delete segment %d: %w", s.BaseOffset(), err)
		}
	}

	segment, err := NewSegment(l.dir, 0, l.opts.Compression)
	if err != nil {
		l.segments = nil
		l.closed = true
		return fmt.Errorf("failed to create segment after purge: %w", err)
	}
	l.segments = []*Segment{segment}
	l.active = segment
	l.nextOffset = 0
	l.unsaved = 0
	return nil
}

// Delete closes the log and removes its directory.
func (l *Log) Delete() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		for _, s := range l.segments {
			s.Close()
		}
		l.closed = true
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to remove log directory: %w", err)
	}
	return nil
}

// Close persists unsaved messages with fsync and closes every segment.
func (l *Log) Close() error {
	if _, err := l.Flush(true); err != nil && !errors.Is(err, ErrLogClosed) {
		l.logger.Error("failed to persist unsaved messages on close",
			"dir", l.dir,
			"error", err,
		)
	}

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Log) NextOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// EarliestOffset is the base offset of the oldest segment.
func (l *Log) EarliestOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0
	}
	return l.segments[0].BaseOffset()
}

// UnsavedCount is the number of buffered messages not yet persisted.
func (l *Log) UnsavedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unsaved
}

func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

func (l *Log) Dir() string {
	return l.dir
}

// LogStats is a point-in-time summary of a log.
type LogStats struct {
	Segments        int
	Messages        uint64
	SizeBytes       uint64
	PersistedBytes  uint64
	UnsavedMessages int
	Flushes         uint64
	FailedFlushes   uint64
}

func (l *Log) Stats() LogStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := LogStats{
		Segments:        len(l.segments),
		UnsavedMessages: l.unsaved,
	}
	for _, s := range l.segments {
		st.Messages += s.MessageCount()
		st.SizeBytes += uint64(s.Size())
		st.PersistedBytes += uint64(s.PersistedSize())
		bs := s.buffer.Stats()
		st.Flushes += bs.FlushCount
		st.FailedFlushes += bs.FailedFlushes
	}
	return st
}

// ListSegmentFiles returns the base offsets of the segment files in dir,
// sorted ascending.
func ListSegmentFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var offsets []uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		offset, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), ".log"), 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, offset)
	}

	sort.Slice(offsets, func(i, j int) bool {
		return offsets[i] < offsets[j]
	})
	return offsets, nil
}
