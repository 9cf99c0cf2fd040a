package protocol

import (
	"fmt"
)

// GetStreams lists every stream. Empty payload.
type GetStreams struct{}

func (GetStreams) Code() uint32 {
	return GetStreamsCode
}

func (GetStreams) Validate() error {
	return nil
}

func (GetStreams) Bytes() []byte {
	return []byte{}
}

func (GetStreams) command() {}

// CreateStream creates a stream.
//
// Layout: [stream_id u32][name_len u8][name]
// A zero stream_id asks the server to assign the next free ID.
type CreateStream struct {
	StreamID uint32
	Name     string
}

const createStreamMinSize = 4 + 1 + 1

func (CreateStream) Code() uint32 {
	return CreateStreamCode
}

func (c CreateStream) Validate() error {
	if err := validateName(c.Name, ErrInvalidStreamName); err != nil {
		return err
	}
	return nil
}

func (c CreateStream) Bytes() []byte {
	b := make([]byte, 0, createStreamMinSize+len(c.Name))
	b = appendU32(b, c.StreamID)
	b = append(b, byte(len(c.Name)))
	return append(b, c.Name...)
}

func (CreateStream) command() {}

func (c CreateStream) String() string {
	return fmt.Sprintf("%d|%s", c.StreamID, c.Name)
}

func decodeCreateStream(b []byte) (Command, error) {
	if err := checkMinSize(b, createStreamMinSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	streamID, err := r.u32()
	if err != nil {
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
	if err := r.done(); err != nil {
		return nil, err
	}
	return CreateStream{StreamID: streamID, Name: string(name)}, nil
}

// DeleteStream deletes a stream with all its topics.
//
// Layout: [stream identifier]
type DeleteStream struct {
	StreamID Identifier
}

func (DeleteStream) Code() uint32 {
	return DeleteStreamCode
}

func (c DeleteStream) Validate() error {
	if c.StreamID.IsZero() {
		return ErrInvalidStreamID
	}
	return nil
}

func (c DeleteStream) Bytes() []byte {
	return c.StreamID.AppendBinary(make([]byte, 0, c.StreamID.Size()))
}

func (DeleteStream) command() {}

func (c DeleteStream) String() string {
	return c.StreamID.String()
}

func decodeDeleteStream(b []byte) (Command, error) {
	if err := checkMinSize(b, minIdentifierSize); err != nil {
		return nil, err
	}
	r := newReader(b)
	streamID, err := r.identifier()
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return DeleteStream{StreamID: streamID}, nil
}

// validateName checks the raw length and that the canonical form is not empty.
func validateName(name string, kind *Error) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return fmt.Errorf("%w: length %d", kind, len(name))
	}
	if NormalizeName(name) == "" {
		return fmt.Errorf("%w: blank name", kind)
	}
	return nil
}
