package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestCreatePartitions_CountBoundary(t *testing.T) {
	tests := []struct {
		count   uint32
		wantErr error
	}{
		{0, ErrTooManyPartitions},
		{1, nil},
		{1000, nil},
		{1001, ErrTooManyPartitions},
	}

	for _, tt := range tests {
		create := CreatePartitions{StreamID: MustNumericID(1), TopicID: MustNumericID(1), PartitionsCount: tt.count}
		if err := create.Validate(); !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
			t.Errorf("CreatePartitions(%d): err = %v, want %v", tt.count, err, tt.wantErr)
		}

		del := DeletePartitions{StreamID: MustNumericID(1), TopicID: MustNumericID(1), PartitionsCount: tt.count}
		if err := del.Validate(); !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
			t.Errorf("DeletePartitions(%d): err = %v, want %v", tt.count, err, tt.wantErr)
		}

		topic := CreateTopic{StreamID: MustNumericID(1), PartitionsCount: tt.count, ReplicationFactor: 1, Name: "t"}
		if err := topic.Validate(); !errors.Is(err, tt.wantErr) && !(err == nil && tt.wantErr == nil) {
			t.Errorf("CreateTopic(%d partitions): err = %v, want %v", tt.count, err, tt.wantErr)
		}
	}
}

func TestCreateStream_NameValidation(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"a", false},
		{"my stream", false},
		{strings.Repeat("n", MaxNameLength), false},
		{"", true},
		{"   ", true},
		{strings.Repeat("n", MaxNameLength+1), true},
	}

	for _, tt := range tests {
		err := CreateStream{Name: tt.name}.Validate()
		if tt.wantErr && !errors.Is(err, ErrInvalidStreamName) {
			t.Errorf("name %q: err = %v, want ErrInvalidStreamName", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("name %q: unexpected error %v", tt.name, err)
		}
	}
}

func TestCreateTopic_Validation(t *testing.T) {
	valid := CreateTopic{StreamID: MustNumericID(1), PartitionsCount: 1, ReplicationFactor: 1, Name: "orders"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid topic rejected: %v", err)
	}

	noName := valid
	noName.Name = ""
	if err := noName.Validate(); !errors.Is(err, ErrInvalidTopicName) {
		t.Errorf("empty name: err = %v, want ErrInvalidTopicName", err)
	}

	for _, rf := range []uint8{0, MaxReplicationFactor + 1} {
		bad := valid
		bad.ReplicationFactor = rf
		if err := bad.Validate(); !errors.Is(err, ErrInvalidReplicationFactor) {
			t.Errorf("replication %d: err = %v, want ErrInvalidReplicationFactor", rf, err)
		}
	}
}

func TestSendMessages_Validation(t *testing.T) {
	base := func() SendMessages {
		return SendMessages{
			StreamID:     MustNumericID(1),
			TopicID:      MustNumericID(1),
			Partitioning: BalancedPartitioning(),
			Messages:     []Message{{Payload: []byte("ok")}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*SendMessages)
		wantErr error
	}{
		{"valid", func(*SendMessages) {}, nil},
		{"no messages", func(c *SendMessages) { c.Messages = nil }, ErrInvalidMessagesCount},
		{"too many messages", func(c *SendMessages) {
			c.Messages = make([]Message, MaxMessagesPerBatch+1)
			for i := range c.Messages {
				c.Messages[i].Payload = []byte{1}
			}
		}, ErrInvalidMessagesCount},
		{"empty payload", func(c *SendMessages) { c.Messages[0].Payload = nil }, ErrInvalidMessagePayloadLength},
		{"payload too large", func(c *SendMessages) {
			c.Messages[0].Payload = make([]byte, MaxPayloadSize+1)
		}, ErrInvalidMessagePayloadLength},
		{"empty key", func(c *SendMessages) { c.Partitioning = Partitioning{Kind: MessagesKeyKind} }, ErrInvalidKeyValueLength},
		{"partition zero", func(c *SendMessages) { c.Partitioning = PartitionID(0) }, ErrInvalidPartitionID},
		{"unknown partitioning", func(c *SendMessages) { c.Partitioning = Partitioning{Kind: 9} }, ErrInvalidPartitioningKind},
		{"missing topic", func(c *SendMessages) { c.TopicID = Identifier{} }, ErrInvalidTopicID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := base()
			tt.mutate(&cmd)
			err := cmd.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPollMessages_Validation(t *testing.T) {
	poll := PollMessages{StreamID: MustNumericID(1), TopicID: MustNumericID(1), PartitionID: 1, Strategy: FirstStrategy(), Count: 1}
	if err := poll.Validate(); err != nil {
		t.Fatalf("valid poll rejected: %v", err)
	}

	zero := poll
	zero.Count = 0
	if err := zero.Validate(); !errors.Is(err, ErrInvalidMessagesCount) {
		t.Errorf("count 0: err = %v, want ErrInvalidMessagesCount", err)
	}

	strategy := poll
	strategy.Strategy = PollingStrategy{Kind: 7}
	if err := strategy.Validate(); !errors.Is(err, ErrInvalidPollingStrategy) {
		t.Errorf("strategy 7: err = %v, want ErrInvalidPollingStrategy", err)
	}
}

func TestParse_RejectsInvalidAfterDecode(t *testing.T) {
	payload := Encode(CreatePartitions{StreamID: MustNumericID(1), TopicID: MustNumericID(1), PartitionsCount: 1001})
	if _, err := Decode(CreatePartitionsCode, payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, err := Parse(CreatePartitionsCode, payload); !errors.Is(err, ErrTooManyPartitions) {
		t.Errorf("Parse err = %v, want ErrTooManyPartitions", err)
	}
}

func TestIdentifier_Canonicalization(t *testing.T) {
	a := MustNamedID("  My   Stream ")
	b := MustNamedID("my.stream")
	if a != b {
		t.Errorf("identifiers differ: %q vs %q", a, b)
	}

	id, err := ParseIdentifier("42")
	if err != nil {
		t.Fatalf("ParseIdentifier failed: %v", err)
	}
	if n, ok := id.Numeric(); !ok || n != 42 {
		t.Errorf("ParseIdentifier(42) = %v", id)
	}

	if _, err := NumericID(0); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("NumericID(0) err = %v", err)
	}
}

func TestResponses_RoundTrip(t *testing.T) {
	msgs := []PolledMessage{
		{Offset: 0, Timestamp: 100, Payload: []byte("a")},
		{Offset: 1, Timestamp: 200, Payload: []byte("bc")},
	}
	got, err := DecodeMessages(EncodeMessages(msgs))
	if err != nil {
		t.Fatalf("DecodeMessages failed: %v", err)
	}
	if len(got) != 2 || string(got[1].Payload) != "bc" || got[1].Timestamp != 200 {
		t.Errorf("DecodeMessages = %+v", got)
	}

	res := SendResult{PartitionID: 2, FirstOffset: 10, Count: 5}
	gotRes, err := DecodeSendResult(EncodeSendResult(res))
	if err != nil || gotRes != res {
		t.Errorf("DecodeSendResult = %+v, %v", gotRes, err)
	}

	streams := []StreamInfo{{ID: 1, TopicsCount: 2, Name: "a"}, {ID: 2, Name: "b"}}
	gotStreams, err := DecodeStreams(EncodeStreams(streams))
	if err != nil || len(gotStreams) != 2 || gotStreams[0] != streams[0] {
		t.Errorf("DecodeStreams = %+v, %v", gotStreams, err)
	}
}

func TestFitMessages_FrameBoundary(t *testing.T) {
	msgs := []PolledMessage{
		{Offset: 0, Payload: make([]byte, 10)},
		{Offset: 1, Payload: make([]byte, 10)},
		{Offset: 2, Payload: make([]byte, 10)},
	}
	two := len(EncodeMessages(msgs[:2]))

	tests := []struct {
		limit int
		want  int
	}{
		{limit: len(EncodeMessages(msgs)), want: 3},
		{limit: two, want: 2},
		{limit: two + 1, want: 2},
		{limit: two - 1, want: 1},
		{limit: 4, want: 0},
	}
	for _, tt := range tests {
		if got := FitMessages(msgs, tt.limit); got != tt.want {
			t.Errorf("FitMessages(limit %d) = %d, want %d", tt.limit, got, tt.want)
		}
		if n := FitMessages(msgs, tt.limit); len(EncodeMessages(msgs[:n])) > tt.limit {
			t.Errorf("limit %d: encoded %d bytes", tt.limit, len(EncodeMessages(msgs[:n])))
		}
	}

	// The largest valid message always fits in one frame.
	huge := []PolledMessage{{Payload: make([]byte, MaxPayloadSize)}}
	if FitMessages(huge, MaxFrameSize) != 1 {
		t.Error("a MaxPayloadSize message does not fit in MaxFrameSize")
	}
}
