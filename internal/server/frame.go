package server

import (
	"encoding/binary"
	"fmt"
	"io"

	"strata/internal/protocol"
)

// Frame layout, all integers little endian:
//
//   request:  [length u32][code u32][payload]      length = 4 + len(payload)
//   response: [status u32][length u32][payload]    length = len(payload)
//
// status is 0 on success, otherwise the protocol error code, and the payload
// is empty. A payload above MaxFrameSize is never written: the writer sends
// frame_too_large instead so the peer stays in sync.
const (
	requestHeaderSize  = 8
	responseHeaderSize = 8

	MaxFrameSize = protocol.MaxFrameSize
)

// ReadRequest reads one request frame. io.EOF means the peer closed cleanly
// between frames.
func ReadRequest(r io.Reader) (uint32, []byte, error) {
	var header [requestHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	code := binary.LittleEndian.Uint32(header[4:8])
	if length < 4 {
		return 0, nil, fmt.Errorf("%w: frame length %d is shorter than the code", protocol.ErrInvalidCommand, length)
	}
	size := length - 4
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", protocol.ErrInvalidCommand, size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return code, payload, nil
}

// WriteRequest writes one request frame. Oversized payloads are rejected
// before anything is written.
func WriteRequest(w io.Writer, code uint32, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: request of %d bytes exceeds %d", protocol.ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	frame := make([]byte, requestHeaderSize, requestHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], code)
	_, err := w.Write(append(frame, payload...))
	return err
}

// WriteResponse writes one response frame. A non-nil err sends its status
// code and no payload.
func WriteResponse(w io.Writer, payload []byte, err error) error {
	if err == nil && len(payload) > MaxFrameSize {
		err = protocol.ErrFrameTooLarge
	}
	status := protocol.CodeOf(err)
	if status != 0 {
		payload = nil
	}
	frame := make([]byte, responseHeaderSize, responseHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], status)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	_, werr := w.Write(append(frame, payload...))
	return werr
}

// ReadResponse reads one response frame and converts a non-zero status into
// the matching protocol error.
func ReadResponse(r io.Reader) ([]byte, error) {
	var header [responseHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	status := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: response of %d bytes exceeds %d", protocol.ErrInvalidFormat, length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, protocol.ErrorForCode(status)
	}
	return payload, nil
}
