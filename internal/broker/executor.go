package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"strata/internal/protocol"
)

// Execute applies one validated command and returns the response payload.
// It is called from dispatch shard consumers; commands for the same topic
// arrive here one at a time and in order.
func (b *Broker) Execute(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case protocol.Ping:
		return nil, nil

	case protocol.GetStats:
		return json.Marshal(b.Stats())

	case protocol.GetStreams:
		streams := b.Streams()
		infos := make([]protocol.StreamInfo, len(streams))
		for i, s := range streams {
			infos[i] = protocol.StreamInfo{ID: s.ID, TopicsCount: uint32(s.TopicsCount()), Name: s.Name}
		}
		return protocol.EncodeStreams(infos), nil

	case protocol.CreateStream:
		s, err := b.CreateStream(c.StreamID, c.Name)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeID(s.ID), nil

	case protocol.DeleteStream:
		return nil, b.DeleteStream(c.StreamID)

	case protocol.CreateTopic:
		t, err := b.CreateTopic(c)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeID(t.ID), nil

	case protocol.DeleteTopic:
		return nil, b.DeleteTopic(c.StreamID, c.TopicID)

	case protocol.PurgeTopic:
		return nil, b.PurgeTopic(c.StreamID, c.TopicID)

	case protocol.CreatePartitions:
		_, err := b.CreatePartitions(c.StreamID, c.TopicID, c.PartitionsCount)
		return nil, err

	case protocol.DeletePartitions:
		_, err := b.DeletePartitions(c.StreamID, c.TopicID, c.PartitionsCount)
		return nil, err

	case protocol.SendMessages:
		res, err := b.SendMessages(c)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeSendResult(res), nil

	case protocol.PollMessages:
		msgs, err := b.PollMessages(c)
		if err != nil {
			return nil, err
		}
		polled := make([]protocol.PolledMessage, len(msgs))
		for i, m := range msgs {
			polled[i] = protocol.PolledMessage{
				Offset:    m.Offset,
				Timestamp: m.Timestamp,
				ID:        m.ID,
				Payload:   m.Payload,
			}
		}
		if n := protocol.FitMessages(polled, protocol.MaxFrameSize); n < len(polled) {
			b.logger.Debug("poll response trimmed to frame size",
				"requested", len(polled),
				"returned", n)
			polled = polled[:n]
		}
		return protocol.EncodeMessages(polled), nil

	case protocol.FlushUnsavedBuffer:
		_, err := b.FlushUnsavedBuffer(c)
		return nil, err

	case protocol.SaveMessages:
		saved, err := b.PersistMessages(c.EnforceFsync)
		if err != nil {
			b.logger.Error("failed to save messages",
				"saved", saved,
				"fsync", c.EnforceFsync,
				"error", err)
			return nil, err
		}
		if saved > 0 {
			b.logger.Info("saved messages", "count", saved, "fsync", c.EnforceFsync)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrInvalidCommandCode, cmd)
	}
}
