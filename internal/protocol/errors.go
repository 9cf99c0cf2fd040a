package protocol

import (
	"errors"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
//
// Every failure that can travel back to a client carries a numeric code so the
// transport can frame it as a response status. Codes are grouped by layer:
//
//   1xxx  protocol    - malformed bytes, never reach validation
//   2xxx  validation  - decodable but semantically rejected
//   3xxx  state       - rejected by the engine (missing / duplicate entities)
//   4xxx  storage     - I/O failures while reading or persisting
//   5xxx  pipeline    - the command could not be enqueued
//
// Callers compare with errors.Is against the sentinels below. Wrapped errors
// (fmt.Errorf("%w: ...")) keep their code.
//
// =============================================================================

// Error is a protocol-visible error with a stable numeric code.
type Error struct {
	Code uint32
	Name string
}

func (e *Error) Error() string {
	return e.Name
}

// Protocol errors.
var (
	ErrInvalidCommand        = &Error{Code: 1001, Name: "invalid_command"}
	ErrInvalidCommandCode    = &Error{Code: 1002, Name: "invalid_command_code"}
	ErrInvalidNumberEncoding = &Error{Code: 1003, Name: "invalid_number_encoding"}
	ErrInvalidIdentifier     = &Error{Code: 1004, Name: "invalid_identifier"}
	ErrInvalidFormat         = &Error{Code: 1005, Name: "invalid_format"}
)

// Validation errors.
var (
	ErrTooManyPartitions           = &Error{Code: 2001, Name: "too_many_partitions"}
	ErrInvalidStreamName           = &Error{Code: 2002, Name: "invalid_stream_name"}
	ErrInvalidTopicName            = &Error{Code: 2003, Name: "invalid_topic_name"}
	ErrInvalidMessagesCount        = &Error{Code: 2004, Name: "invalid_messages_count"}
	ErrInvalidMessagePayloadLength = &Error{Code: 2005, Name: "invalid_message_payload_length"}
	ErrInvalidKeyValueLength       = &Error{Code: 2006, Name: "invalid_key_value_length"}
	ErrInvalidPartitioningKind     = &Error{Code: 2007, Name: "invalid_partitioning_kind"}
	ErrInvalidPollingStrategy      = &Error{Code: 2008, Name: "invalid_polling_strategy"}
	ErrInvalidReplicationFactor    = &Error{Code: 2009, Name: "invalid_replication_factor"}
	ErrInvalidStreamID             = &Error{Code: 2010, Name: "invalid_stream_id"}
	ErrInvalidTopicID              = &Error{Code: 2011, Name: "invalid_topic_id"}
	ErrInvalidPartitionID          = &Error{Code: 2012, Name: "invalid_partition_id"}
)

// State errors.
var (
	ErrStreamNotFound      = &Error{Code: 3001, Name: "stream_not_found"}
	ErrStreamAlreadyExists = &Error{Code: 3002, Name: "stream_already_exists"}
	ErrTopicNotFound       = &Error{Code: 3003, Name: "topic_not_found"}
	ErrTopicAlreadyExists  = &Error{Code: 3004, Name: "topic_already_exists"}
	ErrPartitionNotFound   = &Error{Code: 3005, Name: "partition_not_found"}
	ErrCannotDeleteAll     = &Error{Code: 3006, Name: "cannot_delete_all_partitions"}
	ErrBrokerClosed        = &Error{Code: 3007, Name: "broker_closed"}
)

// Storage and pipeline errors.
var (
	ErrStorage        = &Error{Code: 4001, Name: "storage_error"}
	ErrFrameTooLarge  = &Error{Code: 4002, Name: "frame_too_large"}
	ErrChannelClosed  = &Error{Code: 5001, Name: "channel_closed"}
	ErrChannelFull    = &Error{Code: 5002, Name: "channel_full"}
	ErrInternal       = &Error{Code: 1, Name: "error"}
	ErrRequestTimeout = &Error{Code: 5003, Name: "request_timeout"}
)

// CodeOf returns the response status for err. nil maps to 0, errors that do
// not carry a protocol code map to the generic ErrInternal code.
func CodeOf(err error) uint32 {
	if err == nil {
		return 0
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ErrInternal.Code
}

// StatusName is the label form of CodeOf: "ok", a sentinel name, or "error".
func StatusName(err error) string {
	if err == nil {
		return "ok"
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Name
	}
	return ErrInternal.Name
}

var errorsByCode = func() map[uint32]*Error {
	all := []*Error{
		ErrInvalidCommand, ErrInvalidCommandCode, ErrInvalidNumberEncoding, ErrInvalidIdentifier, ErrInvalidFormat,
		ErrTooManyPartitions, ErrInvalidStreamName, ErrInvalidTopicName, ErrInvalidMessagesCount,
		ErrInvalidMessagePayloadLength, ErrInvalidKeyValueLength, ErrInvalidPartitioningKind,
		ErrInvalidPollingStrategy, ErrInvalidReplicationFactor, ErrInvalidStreamID, ErrInvalidTopicID,
		ErrInvalidPartitionID,
		ErrStreamNotFound, ErrStreamAlreadyExists, ErrTopicNotFound, ErrTopicAlreadyExists,
		ErrPartitionNotFound, ErrCannotDeleteAll, ErrBrokerClosed,
		ErrStorage, ErrFrameTooLarge, ErrChannelClosed, ErrChannelFull, ErrInternal, ErrRequestTimeout,
	}
	m := make(map[uint32]*Error, len(all))
	for _, e := range all {
		m[e.Code] = e
	}
	return m
}()

// ErrorForCode maps a response status back to its sentinel, so clients can
// use errors.Is. Unknown codes map to ErrInternal.
func ErrorForCode(code uint32) *Error {
	if e, ok := errorsByCode[code]; ok {
		return e
	}
	return ErrInternal
}
