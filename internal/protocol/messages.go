package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// MESSAGE COMMANDS
// =============================================================================
//
// SendMessages:
//
//	[stream identifier][topic identifier]
//	[partitioning kind u8][partitioning length u8][partitioning value]
//	repeated: [message id 16B][payload length u32][payload]
//
// PollMessages:
//
//	[stream identifier][topic identifier][partition_id u32]
//	[strategy kind u8][strategy value u64][count u32]
//
// FlushUnsavedBuffer:
//
//	[stream identifier][topic identifier][partition_id u32][fsync u8]
//
// =============================================================================

const (
	// MaxMessagesPerBatch caps the number of messages in one SendMessages.
	MaxMessagesPerBatch = 10_000

	// MaxPayloadSize caps a single message payload.
	MaxPayloadSize = 10 * 1000 * 1000

	// MaxMessagesKeyLength caps a partitioning key.
	MaxMessagesKeyLength = 255

	messageHeaderSize = 16 + 4
)

// PartitioningKind selects how SendMessages picks its target partition.
type PartitioningKind uint8

const (
	// Balanced round-robins across the topic's partitions.
	Balanced PartitioningKind = 1
	// PartitionIDKind targets one partition by its ID.
	PartitionIDKind PartitioningKind = 2
	// MessagesKeyKind hashes a key to a partition.
	MessagesKeyKind PartitioningKind = 3
)

// Partitioning is the partition selector of SendMessages.
type Partitioning struct {
	Kind  PartitioningKind
	Value []byte
}

// BalancedPartitioning returns a round-robin selector.
func BalancedPartitioning() Partitioning {
	return Partitioning{Kind: Balanced}
}

// PartitionID returns a selector targeting one partition.
func PartitionID(id uint32) Partitioning {
	return Partitioning{Kind: PartitionIDKind, Value: binary.LittleEndian.AppendUint32(nil, id)}
}

// MessagesKey returns a key-hash selector.
func MessagesKey(key []byte) Partitioning {
	return Partitioning{Kind: MessagesKeyKind, Value: append([]byte(nil), key...)}
}

// PartitionIDValue decodes the target partition of a PartitionIDKind selector.
func (p Partitioning) PartitionIDValue() uint32 {
	if len(p.Value) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(p.Value)
}

func (p Partitioning) validate() error {
	switch p.Kind {
	case Balanced:
		if len(p.Value) != 0 {
			return fmt.Errorf("%w: balanced partitioning carries no value", ErrInvalidKeyValueLength)
		}
	case PartitionIDKind:
		if len(p.Value) != 4 {
			return fmt.Errorf("%w: partition id needs 4 bytes", ErrInvalidKeyValueLength)
		}
		if p.PartitionIDValue() == 0 {
			return ErrInvalidPartitionID
		}
	case MessagesKeyKind:
		if len(p.Value) == 0 || len(p.Value) > MaxMessagesKeyLength {
			return fmt.Errorf("%w: key length %d", ErrInvalidKeyValueLength, len(p.Value))
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidPartitioningKind, p.Kind)
	}
	return nil
}

// Message is one message of a SendMessages batch. A zero ID asks the server
// to generate one.
type Message struct {
	ID      uuid.UUID
	Payload []byte
}

// SendMessages appends a batch of messages to one partition of a topic.
type SendMessages struct {
	StreamID     Identifier
	TopicID      Identifier
	Partitioning Partitioning
	Messages     []Message
}

const sendMessagesMinSize = 2*minIdentifierSize + 2 + messageHeaderSize + 1

func (SendMessages) Code() uint32 {
	return SendMessagesCode
}

func (c SendMessages) Validate() error {
	if err := (topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}).validate(); err != nil {
		return err
	}
	if err := c.Partitioning.validate(); err != nil {
		return err
	}
	if len(c.Messages) == 0 || len(c.Messages) > MaxMessagesPerBatch {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidMessagesCount, len(c.Messages), MaxMessagesPerBatch)
	}
	for i, m := range c.Messages {
		if len(m.Payload) == 0 || len(m.Payload) > MaxPayloadSize {
			return fmt.Errorf("%w: message %d has %d bytes", ErrInvalidMessagePayloadLength, i, len(m.Payload))
		}
	}
	return nil
}

func (c SendMessages) Bytes() []byte {
	size := c.StreamID.Size() + c.TopicID.Size() + 2 + len(c.Partitioning.Value)
	for _, m := range c.Messages {
		size += messageHeaderSize + len(m.Payload)
	}
	b := make([]byte, 0, size)
	b = c.StreamID.AppendBinary(b)
	b = c.TopicID.AppendBinary(b)
	b = append(b, byte(c.Partitioning.Kind), byte(len(c.Partitioning.Value)))
	b = append(b, c.Partitioning.Value...)
	for _, m := range c.Messages {
		b = append(b, m.ID[:]...)
		b = appendU32(b, uint32(len(m.Payload)))
		b = append(b, m.Payload...)
	}
	return b
}

func (SendMessages) command() {}

func (c SendMessages) String() string {
	return fmt.Sprintf("%s|%s|%d|%d messages", c.StreamID, c.TopicID, c.Partitioning.Kind, len(c.Messages))
}

func decodeSendMessages(b []byte) (Command, error) {
	if err := checkMinSize(b, sendMessagesMinSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	t, err := readTopicCommand(r)
	if err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	length, err := r.u8()
	if err != nil {
		return nil, err
	}
	value, err := r.bytes(int(length))
	if err != nil {
		return nil, err
	}

	var messages []Message
	for r.remaining() > 0 {
		idBytes, err := r.fixed(16)
		if err != nil {
			return nil, ErrInvalidCommand
		}
		payloadLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		if int64(payloadLen) > int64(r.remaining()) {
			return nil, fmt.Errorf("%w: payload length %d exceeds remaining %d", ErrInvalidCommand, payloadLen, r.remaining())
		}
		payload, err := r.bytes(int(payloadLen))
		if err != nil {
			return nil, err
		}
		var id uuid.UUID
		copy(id[:], idBytes)
		messages = append(messages, Message{ID: id, Payload: payload})
	}

	return SendMessages{
		StreamID:     t.StreamID,
		TopicID:      t.TopicID,
		Partitioning: Partitioning{Kind: PartitioningKind(kind), Value: value},
		Messages:     messages,
	}, nil
}

// PollingKind selects where PollMessages starts reading.
type PollingKind uint8

const (
	// PollOffset starts at the given offset.
	PollOffset PollingKind = 1
	// PollFirst starts at the earliest retained offset.
	PollFirst PollingKind = 2
	// PollLast returns the last Count messages.
	PollLast PollingKind = 3
)

// PollingStrategy is the start position of a poll.
type PollingStrategy struct {
	Kind  PollingKind
	Value uint64
}

// OffsetStrategy polls from a specific offset.
func OffsetStrategy(offset uint64) PollingStrategy {
	return PollingStrategy{Kind: PollOffset, Value: offset}
}

// FirstStrategy polls from the start of the partition.
func FirstStrategy() PollingStrategy {
	return PollingStrategy{Kind: PollFirst}
}

// LastStrategy polls the tail of the partition.
func LastStrategy() PollingStrategy {
	return PollingStrategy{Kind: PollLast}
}

// PollMessages reads up to Count messages from one partition.
type PollMessages struct {
	StreamID    Identifier
	TopicID     Identifier
	PartitionID uint32
	Strategy    PollingStrategy
	Count       uint32
}

const pollMessagesMinSize = 2*minIdentifierSize + 4 + 1 + 8 + 4

func (PollMessages) Code() uint32 {
	return PollMessagesCode
}

func (c PollMessages) Validate() error {
	if err := (topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}).validate(); err != nil {
		return err
	}
	if c.PartitionID == 0 {
		return ErrInvalidPartitionID
	}
	switch c.Strategy.Kind {
	case PollOffset, PollFirst, PollLast:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidPollingStrategy, c.Strategy.Kind)
	}
	if c.Count == 0 || c.Count > MaxMessagesPerBatch {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidMessagesCount, c.Count, MaxMessagesPerBatch)
	}
	return nil
}

func (c PollMessages) Bytes() []byte {
	t := topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}
	b := t.appendBinary(make([]byte, 0, t.size()+17))
	b = appendU32(b, c.PartitionID)
	b = append(b, byte(c.Strategy.Kind))
	b = appendU64(b, c.Strategy.Value)
	return appendU32(b, c.Count)
}

func (PollMessages) command() {}

func (c PollMessages) String() string {
	return fmt.Sprintf("%s|%s|%d|%d:%d|%d", c.StreamID, c.TopicID, c.PartitionID,
		c.Strategy.Kind, c.Strategy.Value, c.Count)
}

func decodePollMessages(b []byte) (Command, error) {
	if err := checkMinSize(b, pollMessagesMinSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	t, err := readTopicCommand(r)
	if err != nil {
		return nil, err
	}
	c := PollMessages{StreamID: t.StreamID, TopicID: t.TopicID}
	if c.PartitionID, err = r.u32(); err != nil {
		return nil, err
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}
	c.Strategy.Kind = PollingKind(kind)
	if c.Strategy.Value, err = r.u64(); err != nil {
		return nil, err
	}
	if c.Count, err = r.u32(); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return c, nil
}

// FlushUnsavedBuffer persists one partition's unsaved buffer immediately.
type FlushUnsavedBuffer struct {
	StreamID    Identifier
	TopicID     Identifier
	PartitionID uint32
	Fsync       bool
}

const flushUnsavedBufferMinSize = 2*minIdentifierSize + 4 + 1

func (FlushUnsavedBuffer) Code() uint32 {
	return FlushUnsavedBufferCode
}

func (c FlushUnsavedBuffer) Validate() error {
	if err := (topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}).validate(); err != nil {
		return err
	}
	if c.PartitionID == 0 {
		return ErrInvalidPartitionID
	}
	return nil
}

func (c FlushUnsavedBuffer) Bytes() []byte {
	t := topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}
	b := t.appendBinary(make([]byte, 0, t.size()+5))
	b = appendU32(b, c.PartitionID)
	return append(b, boolByte(c.Fsync))
}

func (FlushUnsavedBuffer) command() {}

func decodeFlushUnsavedBuffer(b []byte) (Command, error) {
	if err := checkMinSize(b, flushUnsavedBufferMinSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	t, err := readTopicCommand(r)
	if err != nil {
		return nil, err
	}
	partitionID, err := r.u32()
	if err != nil {
		return nil, err
	}
	fsync, err := r.u8()
	if err != nil {
		return nil, err
	}
	if fsync > 1 {
		return nil, fmt.Errorf("%w: fsync flag %d", ErrInvalidFormat, fsync)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return FlushUnsavedBuffer{StreamID: t.StreamID, TopicID: t.TopicID, PartitionID: partitionID, Fsync: fsync == 1}, nil
}
