// =============================================================================
// WRITE BUFFER - UNSAVED MESSAGES OF A SEGMENT
// =============================================================================
//
// Appends never touch the disk. They land in the segment's write buffer and are
// persisted in batches by Log.Flush, either on the persistence schedule, on an
// explicit flush request, or inline when the log holds too many unsaved
// messages.
//
//   ┌────────────────────────────────────────────────────────────────────┐
//   │                                                                    │
//   │   Append ──► pending [m5 m6 m7]                                    │
//   │                                                                    │
//   │   Flush:  take()    pending ──► flushing   (under the log lock)    │
//   │           persist   flushing ──► segment file  (no log lock held)  │
//   │           commit()  flushing = nil          (under the log lock)   │
//   │        or restore() flushing ──► front of pending on I/O error     │
//   │                                                                    │
//   └────────────────────────────────────────────────────────────────────┘
//
// While a batch is in flight, appends keep going into a fresh pending slice
// and reads are served from the flushing slot, so no message is ever invisible
// or duplicated. A batch that fails to persist goes back in front of the
// pending messages and offsets stay in order.
//
// The buffer is not synchronized: every method must be called with the owning
// log's lock held. The counters are atomics so Stats can be read anywhere.
//
// =============================================================================

package storage

import (
	"sort"
	"sync/atomic"
	"time"
)

// WriteBuffer holds a segment's appended but not yet persisted messages.
type WriteBuffer struct {
	pending      []*Message
	pendingBytes int

	flushing      []*Message
	flushingBytes int

	flushCount   atomic.Uint64
	messageCount atomic.Uint64
	byteCount    atomic.Uint64
	failedCount  atomic.Uint64
	lastFlushMs  atomic.Int64
}

func newWriteBuffer() *WriteBuffer {
	return &WriteBuffer{}
}

func (wb *WriteBuffer) add(msg *Message) {
	wb.pending = append(wb.pending, msg)
	wb.pendingBytes += msg.Size()
}

// take moves the pending messages into the flushing slot and returns them.
// It returns nil when a batch is already in flight or nothing is pending.
func (wb *WriteBuffer) take() []*Message {
	if wb.flushing != nil || len(wb.pending) == 0 {
		return nil
	}
	wb.flushing = wb.pending
	wb.flushingBytes = wb.pendingBytes
	wb.pending = nil
	wb.pendingBytes = 0
	return wb.flushing
}

// commit drops the in-flight batch after it reached the segment file.
func (wb *WriteBuffer) commit(written int) {
	n := len(wb.flushing)
	wb.flushing = nil
	wb.flushingBytes = 0

	wb.flushCount.Add(1)
	wb.messageCount.Add(uint64(n))
	wb.byteCount.Add(uint64(written))
	wb.lastFlushMs.Store(time.Now().UnixMilli())
}

// restore puts the in-flight batch back in front of the pending messages.
func (wb *WriteBuffer) restore() {
	if wb.flushing == nil {
		return
	}
	wb.pending = append(wb.flushing, wb.pending...)
	wb.pendingBytes += wb.flushingBytes
	wb.flushing = nil
	wb.flushingBytes = 0
	wb.failedCount.Add(1)
}

// Len is the number of unsaved messages, in flight or pending.
func (wb *WriteBuffer) Len() int {
	return len(wb.flushing) + len(wb.pending)
}

// Bytes is the estimated record size of the unsaved messages.
func (wb *WriteBuffer) Bytes() int {
	return wb.flushingBytes + wb.pendingBytes
}

// firstOffset returns the offset of the oldest unsaved message.
func (wb *WriteBuffer) firstOffset() (uint64, bool) {
	if len(wb.flushing) > 0 {
		return wb.flushing[0].Offset, true
	}
	if len(wb.pending) > 0 {
		return wb.pending[0].Offset, true
	}
	return 0, false
}

// readFrom returns up to limit unsaved messages starting at offset.
func (wb *WriteBuffer) readFrom(offset uint64, limit int) []*Message {
	var out []*Message
	for _, batch := range [][]*Message{wb.flushing, wb.pending} {
		if len(batch) == 0 || batch[len(batch)-1].Offset < offset {
			continue
		}
		i := sort.Search(len(batch), func(i int) bool {
			return batch[i].Offset >= offset
		})
		for ; i < len(batch) && len(out) < limit; i++ {
			out = append(out, batch[i])
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// WriteBufferStats is a snapshot of the flush counters.
type WriteBufferStats struct {
	FlushCount    uint64
	MessageCount  uint64
	ByteCount     uint64
	FailedFlushes uint64
	LastFlushMs   int64
	PendingCount  int
	PendingBytes  int
	InFlightCount int
	InFlightBytes int
}

// Stats returns the counters together with the current buffer sizes. The size
// fields need the log lock; the counters do not.
func (wb *WriteBuffer) Stats() WriteBufferStats {
	return WriteBufferStats{
		FlushCount:    wb.flushCount.Load(),
		MessageCount:  wb.messageCount.Load(),
		ByteCount:     wb.byteCount.Load(),
		FailedFlushes: wb.failedCount.Load(),
		LastFlushMs:   wb.lastFlushMs.Load(),
		PendingCount:  len(wb.pending),
		PendingBytes:  wb.pendingBytes,
		InFlightCount: len(wb.flushing),
		InFlightBytes: wb.flushingBytes,
	}
}
