package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// RESPONSE PAYLOADS
// =============================================================================
//
//   PollMessages → [count u32] then per message:
//                  [offset u64][timestamp u64][id 16B][payload_len u32][payload]
//
//   SendMessages → [partition_id u32][first_offset u64][count u32]
//
//   GetStreams   → per stream: [id u32][topics_count u32][name_len u8][name]
//
//   CreateStream, CreateTopic → [assigned_id u32]
//
// Other commands answer with an empty payload, except GetStats which answers
// with a JSON document produced by the stats package.
//
// No payload may exceed MaxFrameSize. A poll stops at the last message that
// still fits, so it can return fewer messages than requested.
//
// =============================================================================

// MaxFrameSize bounds a single request or response payload on the wire.
const MaxFrameSize = 64 << 20

const polledMessageHeaderSize = 8 + 8 + 16 + 4

// PolledMessage is one message returned by PollMessages.
type PolledMessage struct {
	Offset    uint64
	Timestamp uint64
	ID        uuid.UUID
	Payload   []byte
}

// FitMessages returns how many leading messages encode into at most limit
// bytes.
func FitMessages(messages []PolledMessage, limit int) int {
	size := 4
	for i, m := range messages {
		size += polledMessageHeaderSize + len(m.Payload)
		if size > limit {
			return i
		}
	}
	return len(messages)
}

// EncodeMessages encodes a PollMessages response.
func EncodeMessages(messages []PolledMessage) []byte {
	size := 4
	for _, m := range messages {
		size += polledMessageHeaderSize + len(m.Payload)
	}
	b := make([]byte, 0, size)
	b = appendU32(b, uint32(len(messages)))
	for _, m := range messages {
		b = appendU64(b, m.Offset)
		b = appendU64(b, m.Timestamp)
		b = append(b, m.ID[:]...)
		b = appendU32(b, uint32(len(m.Payload)))
		b = append(b, m.Payload...)
	}
	return b
}

// DecodeMessages parses a PollMessages response.
func DecodeMessages(b []byte) ([]PolledMessage, error) {
	r := newReader(b)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	messages := make([]PolledMessage, 0, min(int(count), MaxMessagesPerBatch))
	for i := uint32(0); i < count; i++ {
		var m PolledMessage
		if m.Offset, err = r.u64(); err != nil {
			return nil, err
		}
		if m.Timestamp, err = r.u64(); err != nil {
			return nil, err
		}
		id, err := r.fixed(16)
		if err != nil {
			return nil, err
		}
		copy(m.ID[:], id)
		length, err := r.u32()
		if err != nil {
			return nil, err
		}
		if int64(length) > int64(r.remaining()) {
			return nil, fmt.Errorf("%w: payload length %d", ErrInvalidCommand, length)
		}
		if m.Payload, err = r.bytes(int(length)); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendResult is the SendMessages response.
type SendResult struct {
	PartitionID uint32
	FirstOffset uint64
	Count       uint32
}

// EncodeSendResult encodes a SendMessages response.
func EncodeSendResult(r SendResult) []byte {
	b := make([]byte, 0, 16)
	b = appendU32(b, r.PartitionID)
	b = appendU64(b, r.FirstOffset)
	return appendU32(b, r.Count)
}

// DecodeSendResult parses a SendMessages response.
func DecodeSendResult(b []byte) (SendResult, error) {
	r := newReader(b)
	var res SendResult
	var err error
	if res.PartitionID, err = r.u32(); err != nil {
		return SendResult{}, err
	}
	if res.FirstOffset, err = r.u64(); err != nil {
		return SendResult{}, err
	}
	if res.Count, err = r.u32(); err != nil {
		return SendResult{}, err
	}
	return res, r.done()
}

// StreamInfo is one entry of the GetStreams response.
type StreamInfo struct {
	ID          uint32
	TopicsCount uint32
	Name        string
}

// EncodeStreams encodes a GetStreams response.
func EncodeStreams(streams []StreamInfo) []byte {
	var b []byte
	for _, s := range streams {
		b = appendU32(b, s.ID)
		b = appendU32(b, s.TopicsCount)
		b = append(b, byte(len(s.Name)))
		b = append(b, s.Name...)
	}
	return b
}

// DecodeStreams parses a GetStreams response.
func DecodeStreams(b []byte) ([]StreamInfo, error) {
	r := newReader(b)
	var streams []StreamInfo
	for r.remaining() > 0 {
		var s StreamInfo
		var err error
		if s.ID, err = r.u32(); err != nil {
			return nil, err
		}
		if s.TopicsCount, err = r.u32(); err != nil {
			return nil, err
		}
		nameLen, err := r.u8()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		s.Name = string(name)
		streams = append(streams, s)
	}
	return streams, nil
}

// EncodeID encodes the ID assigned by CreateStream or CreateTopic.
func EncodeID(id uint32) []byte {
	return appendU32(make([]byte, 0, 4), id)
}

// DecodeID parses an EncodeID payload.
func DecodeID(b []byte) (uint32, error) {
	r := newReader(b)
	id, err := r.u32()
	if err != nil {
		return 0, err
	}
	return id, r.done()
}
