package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeText marshals a typed payload into a text-frame envelope ready to
// write to the socket.
func EncodeText(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	env := Envelope{Type: msgType, Payload: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// DecodeEnvelope unmarshals the outer {"type","payload"} shape without
// touching the payload's internal structure; callers then use DecodePayload
// once they know what type they're handling.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecodeEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodePayload unmarshals env.Payload into dst, which must be a pointer to
// one of the payload structs in this package.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMissingField, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return nil
}

// BinaryFrame is a parsed binary frame: one type octet, one reserved flags
// octet, followed by the payload bytes.
type BinaryFrame struct {
	Type    byte
	Flags   byte
	Payload []byte
}

// EncodeBinary builds a binary frame with the given type and payload, flags
// always zero (reserved for future use).
func EncodeBinary(frameType byte, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	out[0] = frameType
	out[1] = 0
	copy(out[2:], payload)
	return out
}

// DecodeBinary parses a raw binary frame. Frames shorter than the two-octet
// header are malformed.
func DecodeBinary(data []byte) (BinaryFrame, error) {
	if len(data) < 2 {
		return BinaryFrame{}, fmt.Errorf("%w: binary frame shorter than header", ErrMalformedPayload)
	}
	return BinaryFrame{
		Type:    data[0],
		Flags:   data[1],
		Payload: data[2:],
	}, nil
}
