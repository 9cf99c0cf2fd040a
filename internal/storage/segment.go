// =============================================================================
// SEGMENT - ONE FILE OF A PARTITION LOG
// =============================================================================
//
// A partition log is split into segments so old data can be removed as whole
// files and so recovery only has to scan the newest file. Each segment owns:
//
//   {dir}/00000000000000000000.log    records, back to back
//   {dir}/00000000000000000000.index  sparse offset index
//   write buffer                       appended but unsaved messages
//
// File names are the base offset zero padded to 20 digits so a lexical sort
// of the directory is also an offset sort.
//
// A segment holds the contiguous offsets [baseOffset, nextOffset). The prefix
// [baseOffset, persistedOffset) is in the file, the rest is in the write
// buffer. Once sealed, a segment takes no more appends; its unsaved tail is
// persisted and fsynced by the next flush.
//
// A segment opened by a rollover has no files yet. They are created by its
// first persist, which a flush only reaches after every older segment's batch
// was written and synced. A segment file on disk therefore always continues
// the durable end of the previous one. Files are created with O_EXCL; an
// existing segment is never truncated by a create.
//
// Segments are owned by a Log and are not safe for concurrent use on their
// own. The log lock guards all fields; the flush lock guards file writes.
//
// =============================================================================

package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// ReadBufferSize is the buffered reader size used for scans.
	ReadBufferSize = 64 * 1024
)

var (
	ErrSegmentClosed = errors.New("segment is closed")

	ErrSegmentSealed = errors.New("segment is sealed")
)

// segmentFile is the subset of *os.File a segment uses.
type segmentFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Segment is one log file of a partition plus its index and write buffer.
type Segment struct {
	dir        string
	baseOffset uint64

	// nextOffset is one past the newest message, saved or not.
	nextOffset uint64

	// persistedOffset is one past the newest message in the file.
	persistedOffset uint64

	// position is the committed size of the segment file.
	position int64

	file   segmentFile
	index  *Index
	buffer *WriteBuffer

	compression Compression
	sealed      bool
	closed      bool

	// dirty is set while the file holds writes that were not fsynced.
	dirty bool
}

func SegmentFileName(baseOffset uint64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

func IndexFileName(baseOffset uint64) string {
	return fmt.Sprintf("%020d.index", baseOffset)
}

// NewSegment creates an empty segment starting at baseOffset. It fails if a
// segment file with that base offset already exists.
func NewSegment(dir string, baseOffset uint64, compression Compression) (*Segment, error) {
	s := newPendingSegment(dir, baseOffset, compression)
	if err := s.create(); err != nil {
		return nil, err
	}
	return s, nil
}

// newPendingSegment returns an empty segment whose files are created by its
// first persist.
func newPendingSegment(dir string, baseOffset uint64, compression Compression) *Segment {
	return &Segment{
		dir:             dir,
		baseOffset:      baseOffset,
		nextOffset:      baseOffset,
		persistedOffset: baseOffset,
		buffer:          newWriteBuffer(),
		compression:     compression,
	}
}

// create makes the segment and index files.
func (s *Segment) create() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}

	logPath := filepath.Join(s.dir, SegmentFileName(s.baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}

	index, err := NewIndex(filepath.Join(s.dir, IndexFileName(s.baseOffset)), s.baseOffset)
	if err != nil {
		file.Close()
		os.Remove(logPath)
		return fmt.Errorf("failed to create index: %w", err)
	}

	s.file = file
	s.index = index
	return nil
}

// LoadSegment opens an existing segment, truncating a torn or corrupt tail
// and rebuilding the index when it is missing or fails validation.
func LoadSegment(dir string, baseOffset uint64, compression Compression) (*Segment, error) {
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	index, err := LoadIndex(indexPath, baseOffset)
	rebuild := err != nil
	if rebuild {
		index, err = NewIndex(indexPath, baseOffset)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create index for rebuild: %w", err)
		}
	}

	nextOffset, position, err := scanRecords(file, stat.Size(), baseOffset, func(offset uint64, pos int64) error {
		if !rebuild {
			return nil
		}
		if pos == 0 {
			return index.ForceAppend(offset, pos)
		}
		_, err := index.MaybeAppend(offset, pos)
		return err
	})
	if err != nil {
		file.Close()
		index.Close()
		return nil, err
	}

	if position < stat.Size() {
		if err := file.Truncate(position); err != nil {
			file.Close()
			index.Close()
			return nil, fmt.Errorf("failed to truncate segment: %w", err)
		}
	}
	if err := index.TruncateAtPosition(position); err != nil {
		file.Close()
		index.Close()
		return nil, err
	}

	return &Segment{
		dir:             dir,
		baseOffset:      baseOffset,
		nextOffset:      nextOffset,
		persistedOffset: nextOffset,
		position:        position,
		file:            file,
		index:           index,
		buffer:          newWriteBuffer(),
		compression:     compression,
	}, nil
}

// scanRecords walks the file from the start and returns the next offset and
// the end of the last valid record. It stops at the first record that is
// truncated, fails its CRC, or breaks the offset sequence.
func scanRecords(file io.ReaderAt, size int64, baseOffset uint64, visit func(offset uint64, position int64) error) (uint64, int64, error) {
	reader := bufio.NewReaderSize(io.NewSectionReader(file, 0, size), ReadBufferSize)

	nextOffset := baseOffset
	var position int64
	for {
		msg, n, err := readRecord(reader)
		if err != nil {
			break
		}
		if msg.Offset != nextOffset {
			break
		}
		if err := visit(msg.Offset, position); err != nil {
			return 0, 0, fmt.Errorf("failed to index record at %d: %w", position, err)
		}
		position += int64(n)
		nextOffset++
	}
	return nextOffset, position, nil
}

// readRecord reads one record. It returns io.EOF only when the reader is
// exhausted exactly at a record boundary.
func readRecord(reader *bufio.Reader) (*Message, int, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, 0, err
	}
	h, err := parseHeader(header)
	if err != nil {
		return nil, 0, err
	}

	record := make([]byte, HeaderSize+int(h.payloadLen))
	copy(record, header)
	if _, err := io.ReadFull(reader, record[HeaderSize:]); err != nil {
		return nil, 0, fmt.Errorf("failed to read message body: %w", err)
	}
	msg, err := Decode(record)
	if err != nil {
		return nil, 0, err
	}
	return msg, len(record), nil
}

// appendBuffered adds a message that already carries its offset.
func (s *Segment) appendBuffered(msg *Message) {
	s.buffer.add(msg)
	s.nextOffset = msg.Offset + 1
}

// persist writes a batch taken from the write buffer at the end of the file
// and indexes it. On failure the file and index are cut back to where they
// were and nothing is committed.
func (s *Segment) persist(batch []*Message, fsync bool) (int64, int, error) {
	start := s.position
	if s.file == nil {
		if err := s.create(); err != nil {
			return start, 0, err
		}
	}
	buf := make([]byte, 0, s.buffer.flushingBytes)
	entries := make([]IndexEntry, 0, len(batch))

	pos := start
	for _, msg := range batch {
		record, err := msg.Encode(s.compression)
		if err != nil {
			return start, 0, fmt.Errorf("failed to encode message %d: %w", msg.Offset, err)
		}
		entries = append(entries, IndexEntry{Offset: msg.Offset, Position: pos})
		buf = append(buf, record...)
		pos += int64(len(record))
	}

	if _, err := s.file.WriteAt(buf, start); err != nil {
		return start, 0, s.rollback(start, fmt.Errorf("failed to write segment %d: %w", s.baseOffset, err))
	}
	for _, e := range entries {
		var err error
		if e.Position == 0 {
			err = s.index.ForceAppend(e.Offset, e.Position)
		} else {
			_, err = s.index.MaybeAppend(e.Offset, e.Position)
		}
		if err != nil {
			return start, 0, s.rollback(start, err)
		}
	}
	if fsync {
		if err := s.sync(); err != nil {
			return start, 0, s.rollback(start, err)
		}
	}
	return pos, len(buf), nil
}

func (s *Segment) rollback(position int64, cause error) error {
	var errs []error
	errs = append(errs, cause)
	if err := s.file.Truncate(position); err != nil {
		errs = append(errs, fmt.Errorf("failed to truncate segment after failed write: %w", err))
	}
	if err := s.index.TruncateAtPosition(position); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// commit publishes a persisted batch to readers.
func (s *Segment) commit(position int64, written int, nextPersisted uint64, synced bool) {
	s.position = position
	s.persistedOffset = nextPersisted
	s.dirty = !synced
	s.buffer.commit(written)
}

func (s *Segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return nil
}

// readFrom returns up to limit messages starting at offset, from the file
// first and then from the write buffer.
func (s *Segment) readFrom(offset uint64, limit int) ([]*Message, error) {
	if s.closed {
		return nil, ErrSegmentClosed
	}
	if offset < s.baseOffset {
		offset = s.baseOffset
	}
	if offset >= s.nextOffset || limit <= 0 {
		return nil, nil
	}

	var messages []*Message
	if offset < s.persistedOffset {
		persisted, err := s.readPersisted(offset, limit)
		if err != nil {
			return nil, err
		}
		messages = persisted
		offset = s.persistedOffset
	}
	if len(messages) < limit {
		messages = append(messages, s.buffer.readFrom(offset, limit-len(messages))...)
	}
	return messages, nil
}

func (s *Segment) readPersisted(offset uint64, limit int) ([]*Message, error) {
	entry, err := s.index.Lookup(offset)
	if err != nil && !errors.Is(err, ErrOffsetNotFound) {
		return nil, fmt.Errorf("index lookup failed: %w", err)
	}

	section := io.NewSectionReader(s.file, entry.Position, s.position-entry.Position)
	reader := bufio.NewReaderSize(section, ReadBufferSize)

	var messages []*Message
	for len(messages) < limit {
		msg, _, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %d: %w", s.baseOffset, err)
		}
		if msg.Offset < offset {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// isFull reports whether msg must go to a new segment. A segment always takes
// at least one message.
func (s *Segment) isFull(msg *Message, maxBytes int64, maxMessages uint64) bool {
	if s.nextOffset == s.baseOffset {
		return false
	}
	if maxMessages > 0 && s.MessageCount() >= maxMessages {
		return true
	}
	return maxBytes > 0 && s.Size()+int64(msg.Size()) > maxBytes
}

func (s *Segment) seal() {
	s.sealed = true
}

func (s *Segment) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}

	var errs []error
	if err := s.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync file: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing segment %d: %w", s.baseOffset, errors.Join(errs...))
	}
	return nil
}

// Delete closes the segment and removes its files.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, name := range []string{SegmentFileName(s.baseOffset), IndexFileName(s.baseOffset)} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	return nil
}

func (s *Segment) BaseOffset() uint64 {
	return s.baseOffset
}

func (s *Segment) NextOffset() uint64 {
	return s.nextOffset
}

// Size is the committed file size plus the estimated size of unsaved records.
func (s *Segment) Size() int64 {
	return s.position + int64(s.buffer.Bytes())
}

// PersistedSize is the committed file size.
func (s *Segment) PersistedSize() int64 {
	return s.position
}

func (s *Segment) MessageCount() uint64 {
	return s.nextOffset - s.baseOffset
}

func (s *Segment) IsSealed() bool {
	return s.sealed
}
