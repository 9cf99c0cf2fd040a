package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"strata/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSubmitter struct {
	commands []protocol.Command
	payload  []byte
	err      error
	block    bool
}

func (s *recordingSubmitter) Submit(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	s.commands = append(s.commands, cmd)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.payload, s.err
}

func TestHandler_SubmitsParsedCommand(t *testing.T) {
	sub := &recordingSubmitter{payload: []byte("ok")}
	h := NewHandler(sub, DefaultHandlerConfig(), discardLogger())

	cmd := protocol.DeleteStream{StreamID: protocol.MustNamedID("events")}
	resp, err := h.Handle(context.Background(), cmd.Code(), cmd.Bytes(), "test")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("resp = %q", resp)
	}
	if len(sub.commands) != 1 {
		t.Fatalf("submitted %d commands, want 1", len(sub.commands))
	}
	got, ok := sub.commands[0].(protocol.DeleteStream)
	if !ok || got.StreamID.String() != cmd.StreamID.String() {
		t.Errorf("submitted %#v", sub.commands[0])
	}
}

func TestHandler_RejectsBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name    string
		code    uint32
		payload []byte
		want    error
	}{
		{"unknown code", 9999, nil, protocol.ErrInvalidCommandCode},
		{"internal save code", protocol.SaveMessagesCode, []byte{1}, protocol.ErrInvalidCommandCode},
		{"truncated payload", protocol.CreateStreamCode, []byte{1, 0}, protocol.ErrInvalidCommand},
		{"too many partitions", protocol.CreatePartitionsCode, protocol.CreatePartitions{
			StreamID:        protocol.MustNumericID(1),
			TopicID:         protocol.MustNumericID(1),
			PartitionsCount: protocol.MaxPartitionsCount + 1,
		}.Bytes(), protocol.ErrTooManyPartitions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{}
			h := NewHandler(sub, DefaultHandlerConfig(), discardLogger())

			_, err := h.Handle(context.Background(), tt.code, tt.payload, "test")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(sub.commands) != 0 {
				t.Errorf("invalid request reached the pipeline: %v", sub.commands)
			}
		})
	}
}

func TestHandler_Timeout(t *testing.T) {
	sub := &recordingSubmitter{block: true}
	h := NewHandler(sub, HandlerConfig{RequestTimeout: 20 * time.Millisecond}, discardLogger())

	_, err := h.Handle(context.Background(), protocol.PingCode, nil, "test")
	if !errors.Is(err, protocol.ErrRequestTimeout) {
		t.Errorf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestHandler_PassesEngineErrors(t *testing.T) {
	sub := &recordingSubmitter{err: protocol.ErrStreamNotFound}
	h := NewHandler(sub, DefaultHandlerConfig(), discardLogger())

	_, err := h.Handle(context.Background(), protocol.PingCode, nil, "test")
	if !errors.Is(err, protocol.ErrStreamNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, protocol.SendMessagesCode, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// length = 4 (code) + 3 (payload)
	if raw[0] != 7 || len(raw) != 11 {
		t.Fatalf("request frame = %v", raw)
	}
	code, payload, err := ReadRequest(&buf)
	if err != nil || code != protocol.SendMessagesCode || string(payload) != "abc" {
		t.Errorf("ReadRequest = %d, %q, %v", code, payload, err)
	}

	buf.Reset()
	WriteResponse(&buf, []byte("ignored"), protocol.ErrTopicNotFound)
	if _, err := ReadResponse(&buf); !errors.Is(err, protocol.ErrTopicNotFound) {
		t.Errorf("ReadResponse err = %v", err)
	}

	buf.Reset()
	WriteResponse(&buf, []byte("xyz"), nil)
	if resp, err := ReadResponse(&buf); err != nil || string(resp) != "xyz" {
		t.Errorf("ReadResponse = %q, %v", resp, err)
	}

	// A length that cannot even hold the code.
	bad := []byte{2, 0, 0, 0, 1, 0, 0, 0}
	if _, _, err := ReadRequest(bytes.NewReader(bad)); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Errorf("short length err = %v", err)
	}
	if _, _, err := ReadRequest(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Errorf("empty stream err = %v", err)
	}
}

func TestFrames_OversizedPayloadKeepsStreamInSync(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)

	var buf bytes.Buffer
	if err := WriteRequest(&buf, protocol.SendMessagesCode, big); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("WriteRequest err = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized request wrote %d bytes", buf.Len())
	}

	if err := WriteResponse(&buf, big, nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteResponse(&buf, []byte("next"), nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 2*responseHeaderSize+4 {
		t.Fatalf("buffered %d bytes, want only headers and the second payload", buf.Len())
	}
	if _, err := ReadResponse(&buf); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("first ReadResponse err = %v, want ErrFrameTooLarge", err)
	}
	if resp, err := ReadResponse(&buf); err != nil || string(resp) != "next" {
		t.Errorf("second ReadResponse = %q, %v", resp, err)
	}
}
