package protocol

import "errors"

// Protocol-kind errors (spec.md §7): malformed frame, missing field, unknown
// type.
var (
	ErrDecodeEnvelope   = errors.New("protocol: malformed envelope")
	ErrMissingType      = errors.New("protocol: missing type field")
	ErrMissingField     = errors.New("protocol: missing required field")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	ErrUnknownType      = errors.New("protocol: unknown message type")
)
