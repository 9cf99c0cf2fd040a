// =============================================================================
// SPARSE OFFSET INDEX
// =============================================================================
//
// Each segment has an index file mapping message offsets to byte positions in
// the segment file. Indexing every message would cost 16 bytes per message, so
// the index is sparse: one entry every IndexGranularity bytes of log data,
// plus one for the first record of the segment.
//
// ENTRY FORMAT:
// ┌────────────────────────────────────────┐
// │ Offset (8 bytes) │ Position (8 bytes) │
// └────────────────────────────────────────┘
//
// LOOKUP:
//   1. Binary search for the largest entry offset ≤ target
//   2. Seek to its position in the segment file
//   3. Scan forward at most IndexGranularity bytes to reach the target
//
//   entries [(0, 0), (100, 4096), (200, 8192)], target 250
//     → (200, 8192), then scan forward
//
// Entries are only ever appended after the records they point to have been
// written. A failed flush drops the entries it added with TruncateAtPosition.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	IndexEntrySize = 16

	IndexGranularity = 4 * 1024
)

var (
	ErrOffsetNotFound = errors.New("offset not found in index")

	ErrIndexCorrupted = errors.New("index file corrupted")
)

// IndexEntry maps a message offset to the byte position of its record.
type IndexEntry struct {
	Offset   uint64
	Position int64
}

// Index is the sparse offset index of one segment.
type Index struct {
	entries []IndexEntry

	file *os.File

	mu sync.RWMutex

	// lastLogPosition is the position of the newest entry; the next entry is
	// added once the log has grown IndexGranularity bytes past it.
	lastLogPosition int64

	baseOffset uint64
}

// NewIndex creates an empty index file.
func NewIndex(path string, baseOffset uint64) (*Index, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}

	return &Index{
		entries:    make([]IndexEntry, 0, 64),
		file:       file,
		baseOffset: baseOffset,
	}, nil
}

// LoadIndex opens an existing index file and validates it: the size must be
// a multiple of the entry size, entries must be strictly increasing and none
// may point below the segment's base offset.
func LoadIndex(path string, baseOffset uint64) (*Index, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}

	if stat.Size()%IndexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: file size %d is not multiple of entry size %d",
			ErrIndexCorrupted, stat.Size(), IndexEntrySize)
	}

	numEntries := int(stat.Size() / IndexEntrySize)
	entries := make([]IndexEntry, 0, numEntries)

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek index file: %w", err)
	}

	buf := make([]byte, IndexEntrySize)
	var lastPosition int64 = -1
	for i := 0; i < numEntries; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read index entry %d: %w", i, err)
		}

		entry := IndexEntry{
			Offset:   binary.BigEndian.Uint64(buf[0:8]),
			Position: int64(binary.BigEndian.Uint64(buf[8:16])),
		}
		if entry.Offset < baseOffset {
			file.Close()
			return nil, fmt.Errorf("%w: entry %d offset %d below base %d", ErrIndexCorrupted, i, entry.Offset, baseOffset)
		}
		if len(entries) > 0 && (entry.Offset <= entries[len(entries)-1].Offset || entry.Position <= lastPosition) {
			file.Close()
			return nil, fmt.Errorf("%w: entries not sorted at index %d", ErrIndexCorrupted, i)
		}

		entries = append(entries, entry)
		lastPosition = entry.Position
	}

	idx := &Index{
		entries:    entries,
		file:       file,
		baseOffset: baseOffset,
	}
	if len(entries) > 0 {
		idx.lastLogPosition = lastPosition
	}
	return idx, nil
}

// MaybeAppend adds an entry when the log has grown IndexGranularity bytes
// since the last one.
func (idx *Index) MaybeAppend(offset uint64, position int64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.entries) > 0 && position-idx.lastLogPosition < IndexGranularity {
		return false, nil
	}
	if err := idx.appendLocked(IndexEntry{Offset: offset, Position: position}); err != nil {
		return false, err
	}
	return true, nil
}

// ForceAppend adds an entry unconditionally.
func (idx *Index) ForceAppend(offset uint64, position int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.appendLocked(IndexEntry{Offset: offset, Position: position})
}

func (idx *Index) appendLocked(entry IndexEntry) error {
	buf := make([]byte, IndexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], entry.Offset)
	binary.BigEndian.PutUint64(buf[8:16], uint64(entry.Position))
	if _, err := idx.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	idx.entries = append(idx.entries, entry)
	idx.lastLogPosition = entry.Position
	return nil
}

// Lookup returns the entry with the largest offset ≤ target. When the index
// has no such entry the scan starts at the beginning of the segment.
func (idx *Index) Lookup(target uint64) (IndexEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return IndexEntry{Offset: idx.baseOffset}, ErrOffsetNotFound
	}

	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset > target
	})
	if i == 0 {
		return IndexEntry{Offset: idx.baseOffset}, nil
	}
	return idx.entries[i-1], nil
}

// EntryCount returns the number of entries.
func (idx *Index) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// TruncateAtPosition drops every entry pointing at or beyond position.
func (idx *Index) TruncateAtPosition(position int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cut := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Position >= position
	})
	if cut == len(idx.entries) {
		return nil
	}
	idx.entries = idx.entries[:cut]
	if cut > 0 {
		idx.lastLogPosition = idx.entries[cut-1].Position
	} else {
		idx.lastLogPosition = 0
	}

	if err := idx.file.Truncate(int64(cut * IndexEntrySize)); err != nil {
		return fmt.Errorf("failed to truncate index file: %w", err)
	}
	return nil
}

func (idx *Index) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Sync()
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return idx.file.Close()
}
