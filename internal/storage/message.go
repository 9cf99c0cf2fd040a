// =============================================================================
// MESSAGE RECORD - ON-DISK FORMAT OF A PARTITION MESSAGE
// =============================================================================
//
// Every message appended to a partition is stored as one self-describing
// record. Records are laid out back to back in a segment file; a reader can
// walk the file without the index because every header carries the body size.
//
// ┌──────────────────────────────────────────────────────────────────────────┐
// │ HEADER (fixed 44 bytes)                                                  │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Magic (2B) │ Version (1B) │ Flags (1B) │ CRC32 (4B) │ Offset (8B)        │
// │ Timestamp (8B) │ ID (16B) │ PayloadLen (4B)                              │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ BODY: Payload (PayloadLen bytes, snappy block when FlagCompressed)       │
// └──────────────────────────────────────────────────────────────────────────┘
//
// Magic is "ST". The CRC (Castagnoli) covers everything after the CRC field,
// so a torn write at the tail of a segment is detected during recovery and
// the segment is truncated back to the last whole record.
//
// Timestamp is microseconds since the Unix epoch, assigned on append.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

const (
	MagicByte1 = 0x53
	MagicByte2 = 0x54

	FormatVersion = 1

	// HeaderSize is Magic(2) + Version(1) + Flags(1) + CRC(4) + Offset(8) +
	// Timestamp(8) + ID(16) + PayloadLen(4).
	HeaderSize = 44

	// MaxPayloadSize bounds the stored (possibly compressed) payload.
	MaxPayloadSize = 64 * 1024 * 1024
)

// Message flags.
const (
	FlagCompressed = 1 << 0
)

var (
	// ErrInvalidMagic means the bytes are not a message record.
	ErrInvalidMagic = errors.New("invalid magic bytes: not a message record")

	// ErrUnsupportedVersion means the record was written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported message format version")

	// ErrCorruptedMessage means the CRC check failed.
	ErrCorruptedMessage = errors.New("message corrupted: CRC mismatch")

	// ErrInvalidMessage means the record is truncated or malformed.
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrPayloadTooLarge means the payload cannot be stored.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Compression selects how payloads are stored on disk.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	if c == CompressionSnappy {
		return "snappy"
	}
	return "none"
}

// Message is a single message of a partition.
//
// Offset and Timestamp are assigned by the log on append. Payload is always
// the uncompressed application bytes; compression only affects the record.
type Message struct {
	Offset    uint64
	Timestamp uint64
	ID        uuid.UUID
	Payload   []byte
}

// NewMessage creates a message with a fresh ID. Offset and Timestamp are set
// when the message is appended.
func NewMessage(payload []byte) *Message {
	return &Message{ID: uuid.New(), Payload: payload}
}

// Size is the in-memory estimate of the record size, used for segment
// accounting before the record is encoded.
func (m *Message) Size() int {
	return HeaderSize + len(m.Payload)
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func calculateCRC(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Encode serializes the message into a record.
//
//	[0:2]   Magic
//	[2:3]   Version
//	[3:4]   Flags
//	[4:8]   CRC32 of bytes [8:end]
//	[8:16]  Offset
//	[16:24] Timestamp
//	[24:40] ID
//	[40:44] Payload length
//	[44:]   Payload
func (m *Message) Encode(compression Compression) ([]byte, error) {
	payload := m.Payload
	var flags byte
	if compression == CompressionSnappy {
		payload = snappy.Encode(nil, m.Payload)
		flags |= FlagCompressed
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max is %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	buf[3] = flags
	binary.BigEndian.PutUint64(buf[8:16], m.Offset)
	binary.BigEndian.PutUint64(buf[16:24], m.Timestamp)
	copy(buf[24:40], m.ID[:])
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	binary.BigEndian.PutUint32(buf[4:8], calculateCRC(buf[8:]))
	return buf, nil
}

// recordHeader is the decoded fixed part of a record.
type recordHeader struct {
	flags      byte
	crc        uint32
	offset     uint64
	payloadLen uint32
}

func parseHeader(header []byte) (recordHeader, error) {
	if len(header) < HeaderSize {
		return recordHeader{}, fmt.Errorf("%w: header is %d bytes, need %d", ErrInvalidMessage, len(header), HeaderSize)
	}
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return recordHeader{}, fmt.Errorf("%w: got 0x%02x 0x%02x", ErrInvalidMagic, header[0], header[1])
	}
	if header[2] != FormatVersion {
		return recordHeader{}, fmt.Errorf("%w: got version %d, expected %d", ErrUnsupportedVersion, header[2], FormatVersion)
	}
	h := recordHeader{
		flags:      header[3],
		crc:        binary.BigEndian.Uint32(header[4:8]),
		offset:     binary.BigEndian.Uint64(header[8:16]),
		payloadLen: binary.BigEndian.Uint32(header[40:44]),
	}
	if h.payloadLen > MaxPayloadSize {
		return recordHeader{}, fmt.Errorf("%w: payload length %d", ErrInvalidMessage, h.payloadLen)
	}
	return h, nil
}

// Decode parses and verifies one record. data may extend past the record;
// only the record itself is read.
func Decode(data []byte) (*Message, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	end := HeaderSize + int(h.payloadLen)
	if len(data) < end {
		return nil, fmt.Errorf("%w: data is %d bytes, header claims %d", ErrInvalidMessage, len(data), end)
	}
	if crc := calculateCRC(data[8:end]); crc != h.crc {
		return nil, fmt.Errorf("%w: stored CRC 0x%08x, calculated 0x%08x", ErrCorruptedMessage, h.crc, crc)
	}

	msg := &Message{
		Offset:    h.offset,
		Timestamp: binary.BigEndian.Uint64(data[16:24]),
	}
	copy(msg.ID[:], data[24:40])

	stored := data[HeaderSize:end]
	if h.flags&FlagCompressed != 0 {
		payload, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrInvalidMessage, err)
		}
		msg.Payload = payload
	} else {
		msg.Payload = make([]byte, len(stored))
		copy(msg.Payload, stored)
	}
	return msg, nil
}
