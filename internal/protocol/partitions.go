package protocol

import (
	"fmt"
)

// MaxPartitionsCount is the largest number of partitions a single create or
// delete request may name.
const MaxPartitionsCount = 1000

// CreatePartitions adds partitions to a topic.
//
// Layout: [stream identifier][topic identifier][partitions_count u32]
type CreatePartitions struct {
	StreamID        Identifier
	TopicID         Identifier
	PartitionsCount uint32
}

// partitionsCommandMinSize is two one-byte names plus the count.
const partitionsCommandMinSize = 2*minIdentifierSize + 4

func (CreatePartitions) Code() uint32 {
	return CreatePartitionsCode
}

func (c CreatePartitions) Validate() error {
	if err := (topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}).validate(); err != nil {
		return err
	}
	return validatePartitionsCount(c.PartitionsCount)
}

func (c CreatePartitions) Bytes() []byte {
	return encodePartitionsCommand(c.StreamID, c.TopicID, c.PartitionsCount)
}

func (CreatePartitions) command() {}

func (c CreatePartitions) String() string {
	return fmt.Sprintf("%s|%s|%d", c.StreamID, c.TopicID, c.PartitionsCount)
}

func decodeCreatePartitions(b []byte) (Command, error) {
	t, count, err := decodePartitionsCommand(b)
	if err != nil {
		return nil, err
	}
	return CreatePartitions{StreamID: t.StreamID, TopicID: t.TopicID, PartitionsCount: count}, nil
}

// DeletePartitions removes the last PartitionsCount partitions of a topic.
//
// Layout: [stream identifier][topic identifier][partitions_count u32]
type DeletePartitions struct {
	StreamID        Identifier
	TopicID         Identifier
	PartitionsCount uint32
}

func (DeletePartitions) Code() uint32 {
	return DeletePartitionsCode
}

func (c DeletePartitions) Validate() error {
	if err := (topicCommand{StreamID: c.StreamID, TopicID: c.TopicID}).validate(); err != nil {
		return err
	}
	return validatePartitionsCount(c.PartitionsCount)
}

func (c DeletePartitions) Bytes() []byte {
	return encodePartitionsCommand(c.StreamID, c.TopicID, c.PartitionsCount)
}

func (DeletePartitions) command() {}

func (c DeletePartitions) String() string {
	return fmt.Sprintf("%s|%s|%d", c.StreamID, c.TopicID, c.PartitionsCount)
}

func decodeDeletePartitions(b []byte) (Command, error) {
	t, count, err := decodePartitionsCommand(b)
	if err != nil {
		return nil, err
	}
	return DeletePartitions{StreamID: t.StreamID, TopicID: t.TopicID, PartitionsCount: count}, nil
}

func validatePartitionsCount(count uint32) error {
	if count < 1 || count > MaxPartitionsCount {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrTooManyPartitions, count, MaxPartitionsCount)
	}
	return nil
}

func encodePartitionsCommand(streamID, topicID Identifier, count uint32) []byte {
	t := topicCommand{StreamID: streamID, TopicID: topicID}
	b := t.appendBinary(make([]byte, 0, t.size()+4))
	return appendU32(b, count)
}

func decodePartitionsCommand(b []byte) (topicCommand, uint32, error) {
	if err := checkMinSize(b, partitionsCommandMinSize); err != nil {
		return topicCommand{}, 0, err
	}
	r := newReader(b)
	t, err := readTopicCommand(r)
	if err != nil {
		return topicCommand{}, 0, err
	}
	count, err := r.u32()
	if err != nil {
		return topicCommand{}, 0, err
	}
	if err := r.done(); err != nil {
		return topicCommand{}, 0, err
	}
	return t, count, nil
}
