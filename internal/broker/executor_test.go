package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"strata/internal/protocol"
	"strata/internal/stats"
)

func TestExecute_CommandSet(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if payload, err := b.Execute(ctx, protocol.Ping{}); err != nil || len(payload) != 0 {
		t.Errorf("Ping = %v, %v", payload, err)
	}

	payload, err := b.Execute(ctx, protocol.CreateStream{Name: "events"})
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if id, _ := protocol.DecodeID(payload); id != 1 {
		t.Errorf("assigned stream id = %d, want 1", id)
	}

	payload, err = b.Execute(ctx, protocol.CreateTopic{
		StreamID:          protocol.MustNamedID("events"),
		PartitionsCount:   2,
		ReplicationFactor: 1,
		Name:              "clicks",
	})
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	if id, _ := protocol.DecodeID(payload); id != 1 {
		t.Errorf("assigned topic id = %d, want 1", id)
	}

	payload, err = b.Execute(ctx, protocol.GetStreams{})
	if err != nil {
		t.Fatalf("GetStreams failed: %v", err)
	}
	streams, err := protocol.DecodeStreams(payload)
	if err != nil || len(streams) != 1 || streams[0].Name != "events" || streams[0].TopicsCount != 1 {
		t.Errorf("GetStreams = %+v, %v", streams, err)
	}

	stream, topic := protocol.MustNamedID("events"), protocol.MustNamedID("clicks")
	payload, err = b.Execute(ctx, protocol.SendMessages{
		StreamID:     stream,
		TopicID:      topic,
		Partitioning: protocol.PartitionID(2),
		Messages:     messages(3, "click"),
	})
	if err != nil {
		t.Fatalf("SendMessages failed: %v", err)
	}
	res, err := protocol.DecodeSendResult(payload)
	if err != nil || res.PartitionID != 2 || res.FirstOffset != 0 || res.Count != 3 {
		t.Errorf("SendResult = %+v, %v", res, err)
	}

	payload, err = b.Execute(ctx, protocol.PollMessages{
		StreamID:    stream,
		TopicID:     topic,
		PartitionID: 2,
		Strategy:    protocol.OffsetStrategy(1),
		Count:       10,
	})
	if err != nil {
		t.Fatalf("PollMessages failed: %v", err)
	}
	polled, err := protocol.DecodeMessages(payload)
	if err != nil || len(polled) != 2 || polled[0].Offset != 1 || string(polled[1].Payload) != "click-2" {
		t.Errorf("polled = %+v, %v", polled, err)
	}

	if _, err := b.Execute(ctx, protocol.FlushUnsavedBuffer{StreamID: stream, TopicID: topic, PartitionID: 2, Fsync: true}); err != nil {
		t.Errorf("FlushUnsavedBuffer failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.SaveMessages{EnforceFsync: true}); err != nil {
		t.Errorf("SaveMessages failed: %v", err)
	}

	payload, err = b.Execute(ctx, protocol.GetStats{})
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	var st stats.ServerStats
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatalf("stats payload is not JSON: %v", err)
	}
	if st.MessagesCount != 3 || st.PartitionsCount != 2 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := b.Execute(ctx, protocol.CreatePartitions{StreamID: stream, TopicID: topic, PartitionsCount: 1}); err != nil {
		t.Errorf("CreatePartitions failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.DeletePartitions{StreamID: stream, TopicID: topic, PartitionsCount: 1}); err != nil {
		t.Errorf("DeletePartitions failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.PurgeTopic{StreamID: stream, TopicID: topic}); err != nil {
		t.Errorf("PurgeTopic failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.DeleteTopic{StreamID: stream, TopicID: topic}); err != nil {
		t.Errorf("DeleteTopic failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.DeleteStream{StreamID: stream}); err != nil {
		t.Errorf("DeleteStream failed: %v", err)
	}
	if _, err := b.Execute(ctx, protocol.DeleteStream{StreamID: stream}); !errors.Is(err, protocol.ErrStreamNotFound) {
		t.Errorf("second DeleteStream: err = %v", err)
	}
}
