package protocol

import (
	"encoding/binary"
	"fmt"
)

// =============================================================================
// WIRE COMMAND CODEC
// =============================================================================
//
// The transport frames every request as (code, payload). The code selects the
// command layout; the payload never repeats it. Layouts are fixed:
//
//   [identifier fields...][fixed-width fields, little-endian][optional tail]
//
// Decoding is pure: it allocates only the command value (payload bytes are
// copied so the frame buffer can be reused) and never touches engine state.
//
//   Decode(code, payload)
//     ├── unknown code                      → ErrInvalidCommandCode
//     ├── len(payload) < command minimum    → ErrInvalidCommand
//     ├── fixed-width field cut short       → ErrInvalidNumberEncoding
//     ├── malformed identifier              → ErrInvalidIdentifier
//     └── bytes left after the last field   → ErrInvalidCommand
//
// =============================================================================

// Command codes as carried by the transport framing.
const (
	PingCode               uint32 = 1
	GetStatsCode           uint32 = 10
	PollMessagesCode       uint32 = 100
	SendMessagesCode       uint32 = 101
	FlushUnsavedBufferCode uint32 = 102
	GetStreamsCode         uint32 = 201
	CreateStreamCode       uint32 = 202
	DeleteStreamCode       uint32 = 203
	CreateTopicCode        uint32 = 302
	DeleteTopicCode        uint32 = 303
	PurgeTopicCode         uint32 = 305
	CreatePartitionsCode   uint32 = 402
	DeletePartitionsCode   uint32 = 403

	// SaveMessagesCode is issued only by the persistence scheduler and is
	// never accepted from the wire.
	SaveMessagesCode uint32 = 0xFFFF0001
)

// Command is a validated request. The set of implementations is closed: the
// unexported marker keeps other packages from adding variants, so executors
// can switch exhaustively over the concrete types.
type Command interface {
	// Code is the operation code the transport frames the command with.
	Code() uint32
	// Validate checks domain constraints independent of the wire layout.
	Validate() error
	// Bytes returns the payload layout (without the code).
	Bytes() []byte

	command()
}

type decoder func(payload []byte) (Command, error)

var decoders = map[uint32]decoder{
	PingCode:               func(b []byte) (Command, error) { return decodeEmpty(b, Ping{}) },
	GetStatsCode:           func(b []byte) (Command, error) { return decodeEmpty(b, GetStats{}) },
	GetStreamsCode:         func(b []byte) (Command, error) { return decodeEmpty(b, GetStreams{}) },
	PollMessagesCode:       decodePollMessages,
	SendMessagesCode:       decodeSendMessages,
	FlushUnsavedBufferCode: decodeFlushUnsavedBuffer,
	CreateStreamCode:       decodeCreateStream,
	DeleteStreamCode:       decodeDeleteStream,
	CreateTopicCode:        decodeCreateTopic,
	DeleteTopicCode:        decodeDeleteTopic,
	PurgeTopicCode:         decodePurgeTopic,
	CreatePartitionsCode:   decodeCreatePartitions,
	DeletePartitionsCode:   decodeDeletePartitions,
}

// Encode returns the payload bytes of cmd.
func Encode(cmd Command) []byte {
	return cmd.Bytes()
}

// Decode parses payload as the command identified by code.
func Decode(code uint32, payload []byte) (Command, error) {
	dec, ok := decoders[code]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCommandCode, code)
	}
	return dec(payload)
}

// Parse decodes and validates in one step. This is what every transport calls
// before handing a command to the dispatch pipeline.
func Parse(code uint32, payload []byte) (Command, error) {
	cmd, err := Decode(code, payload)
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// CommandName returns a readable name for a code, for logs and metric labels.
func CommandName(code uint32) string {
	switch code {
	case PingCode:
		return "ping"
	case GetStatsCode:
		return "get_stats"
	case PollMessagesCode:
		return "poll_messages"
	case SendMessagesCode:
		return "send_messages"
	case FlushUnsavedBufferCode:
		return "flush_unsaved_buffer"
	case GetStreamsCode:
		return "get_streams"
	case CreateStreamCode:
		return "create_stream"
	case DeleteStreamCode:
		return "delete_stream"
	case CreateTopicCode:
		return "create_topic"
	case DeleteTopicCode:
		return "delete_topic"
	case PurgeTopicCode:
		return "purge_topic"
	case CreatePartitionsCode:
		return "create_partitions"
	case DeletePartitionsCode:
		return "delete_partitions"
	case SaveMessagesCode:
		return "save_messages"
	default:
		return "unknown"
	}
}

// =============================================================================
// READER
// =============================================================================

// reader walks a payload left to right. Every accessor fails instead of
// panicking when the payload is shorter than the field being read.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) identifier() (Identifier, error) {
	id, n, err := decodeIdentifier(r.buf[r.pos:])
	if err != nil {
		return Identifier{}, err
	}
	r.pos += n
	return id, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrInvalidNumberEncoding
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// bytes returns a copy of the next n bytes, or nil when n is 0.
func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrInvalidCommand
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// done fails when unread bytes remain.
func (r *reader) done() error {
	if r.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidCommand, r.remaining())
	}
	return nil
}

func decodeEmpty(b []byte, cmd Command) (Command, error) {
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: expected empty payload", ErrInvalidCommand)
	}
	return cmd, nil
}

func checkMinSize(b []byte, min int) error {
	if len(b) < min {
		return fmt.Errorf("%w: payload %d bytes, need at least %d", ErrInvalidCommand, len(b), min)
	}
	return nil
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
