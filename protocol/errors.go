package protocol

import "errors"

// Sentinel errors surfaced by message parsing and validation.
//
// Framing-layer errors (frame too large, invalid length, truncated stream)
// live in the frame package; these are protocol-layer errors produced after
// a frame's payload is successfully read.
var (
	// ErrUnknownType indicates a message whose "type" field does not match
	// any canonical type in the closed set. Answered with an
	// ERROR frame; the connection is not dropped.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrWrongState indicates a message valid in general but not accepted
	// in the connection's current state (e.g. SENSOR_DATA before
	// registration, or a second REGISTER_* after registration).
	ErrWrongState = errors.New("protocol: message not valid in current state")

	// ErrMissingField indicates a required field for this message's type
	// was absent.
	ErrMissingField = errors.New("protocol: missing required field")
)
