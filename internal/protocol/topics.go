package protocol

import (
	"fmt"
)

// MaxReplicationFactor bounds the opaque replication setting carried by topics.
const MaxReplicationFactor = 8

// CreateTopic creates a topic with an initial set of partitions.
//
// Layout:
//
//	[stream identifier][topic_id u32][partitions_count u32][message_expiry u32]
//	[max_topic_size u64][replication_factor u8][name_len u8][name]
//
// A zero topic_id asks the server to assign the next free ID. MessageExpiry
// (seconds), MaxTopicSize (bytes) and ReplicationFactor are stored with the
// topic but not interpreted by the storage engine.
type CreateTopic struct {
	StreamID          Identifier
	TopicID           uint32
	PartitionsCount   uint32
	MessageExpiry     uint32
	MaxTopicSize      uint64
	ReplicationFactor uint8
	Name              string
}

const createTopicMinSize = minIdentifierSize + 4 + 4 + 4 + 8 + 1 + 1 + 1

func (CreateTopic) Code() uint32 {
	return CreateTopicCode
}

func (c CreateTopic) Validate() error {
	if c.StreamID.IsZero() {
		return ErrInvalidStreamID
	}
	if err := validatePartitionsCount(c.PartitionsCount); err != nil {
		return err
	}
	if c.ReplicationFactor == 0 || c.ReplicationFactor > MaxReplicationFactor {
		return fmt.Errorf("%w: %d", ErrInvalidReplicationFactor, c.ReplicationFactor)
	}
	return validateName(c.Name, ErrInvalidTopicName)
}

func (c CreateTopic) Bytes() []byte {
	b := make([]byte, 0, c.StreamID.Size()+23+len(c.Name))
	b = c.StreamID.AppendBinary(b)
	b = appendU32(b, c.TopicID)
	b = appendU32(b, c.PartitionsCount)
	b = appendU32(b, c.MessageExpiry)
	b = appendU64(b, c.MaxTopicSize)
	b = append(b, c.ReplicationFactor, byte(len(c.Name)))
	return append(b, c.Name...)
}

func (CreateTopic) command() {}

func (c CreateTopic) String() string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%d|%s", c.StreamID, c.TopicID, c.PartitionsCount,
		c.MessageExpiry, c.MaxTopicSize, c.ReplicationFactor, c.Name)
}

func decodeCreateTopic(b []byte) (Command, error) {
	if err := checkMinSize(b, createTopicMinSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	var c CreateTopic
	var err error
	if c.StreamID, err = r.identifier(); err != nil {
		return nil, err
	}
	if c.TopicID, err = r.u32(); err != nil {
		return nil, err
	}
	if c.PartitionsCount, err = r.u32(); err != nil {
		return nil, err
	}
	if c.MessageExpiry, err = r.u32(); err != nil {
		return nil, err
	}
	if c.MaxTopicSize, err = r.u64(); err != nil {
		return nil, err
	}
	if c.ReplicationFactor, err = r.u8(); err != nil {
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
	c.Name = string(name)
	if err := r.done(); err != nil {
		return nil, err
	}
	return c, nil
}

// topicCommand is the shared [stream identifier][topic identifier] layout.
type topicCommand struct {
	StreamID Identifier
	TopicID  Identifier
}

func (t topicCommand) validate() error {
	if t.StreamID.IsZero() {
		return ErrInvalidStreamID
	}
	if t.TopicID.IsZero() {
		return ErrInvalidTopicID
	}
	return nil
}

func (t topicCommand) appendBinary(b []byte) []byte {
	b = t.StreamID.AppendBinary(b)
	return t.TopicID.AppendBinary(b)
}

func (t topicCommand) size() int {
	return t.StreamID.Size() + t.TopicID.Size()
}

func readTopicCommand(r *reader) (topicCommand, error) {
	streamID, err := r.identifier()
	if err != nil {
		return topicCommand{}, err
	}
	topicID, err := r.identifier()
	if err != nil {
		return topicCommand{}, err
	}
	return topicCommand{StreamID: streamID, TopicID: topicID}, nil
}

// DeleteTopic deletes a topic and all its partitions.
//
// Layout: [stream identifier][topic identifier]
type DeleteTopic struct {
	StreamID Identifier
	TopicID  Identifier
}

func (DeleteTopic) Code() uint32 {
	return DeleteTopicCode
}

func (c DeleteTopic) Validate() error {
	return topicCommand(c).validate()
}

func (c DeleteTopic) Bytes() []byte {
	t := topicCommand(c)
	return t.appendBinary(make([]byte, 0, t.size()))
}

func (DeleteTopic) command() {}

func decodeDeleteTopic(b []byte) (Command, error) {
	t, err := decodeTopicOnly(b)
	if err != nil {
		return nil, err
	}
	return DeleteTopic(t), nil
}

// PurgeTopic removes every message of every partition of a topic while
// keeping the topic and its partitions. Offsets restart at 0.
//
// Layout: [stream identifier][topic identifier]
type PurgeTopic struct {
	StreamID Identifier
	TopicID  Identifier
}

func (PurgeTopic) Code() uint32 {
	return PurgeTopicCode
}

func (c PurgeTopic) Validate() error {
	return topicCommand(c).validate()
}

func (c PurgeTopic) Bytes() []byte {
	t := topicCommand(c)
	return t.appendBinary(make([]byte, 0, t.size()))
}

func (PurgeTopic) command() {}

func decodePurgeTopic(b []byte) (Command, error) {
	t, err := decodeTopicOnly(b)
	if err != nil {
		return nil, err
	}
	return PurgeTopic(t), nil
}

func decodeTopicOnly(b []byte) (topicCommand, error) {
	if err := checkMinSize(b, 2*minIdentifierSize); err != nil {
		return topicCommand{}, err
	}
	r := newReader(b)
	t, err := readTopicCommand(r)
	if err != nil {
		return topicCommand{}, err
	}
	if err := r.done(); err != nil {
		return topicCommand{}, err
	}
	return t, nil
}
