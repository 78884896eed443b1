// Package protocol implements the wire codec between the daemon and its
// clients (WebUI browsers and satellites): JSON text frames of the shape
// {"type": string, "payload": object}, and binary frames that begin with a
// one-octet type discriminator and one reserved flags octet.
package protocol

import "encoding/json"

// Text message types, client to daemon.
const (
	TypeText               = "text"
	TypeCancel              = "cancel"
	TypeReconnect           = "reconnect"
	TypeConfig              = "config"
	TypeSatelliteRegister   = "satellite_register"
	TypeSatelliteQuery      = "satellite_query"
	TypeSatellitePing       = "satellite_ping"
)

// Text message types, daemon to client.
const (
	TypeSession             = "session"
	TypeState                = "state"
	TypeTranscript           = "transcript"
	TypeStreamStart          = "stream_start"
	TypeStreamDelta          = "stream_delta"
	TypeStreamEnd            = "stream_end"
	TypeError                = "error"
	TypeSatelliteRegisterAck = "satellite_register_ack"
	TypeSatellitePong        = "satellite_pong"
)

// Binary frame type discriminators (first octet of every binary frame).
const (
	BinaryAudioInChunk      byte = 0x01
	BinaryEndOfUtterance    byte = 0x02
	BinaryAudioOutChunk     byte = 0x11
	BinaryEndOfResponseAudio byte = 0x12
)

// Error code taxonomy (spec.md §6). Opaque strings; clients decide
// presentation.
const (
	ErrASRFailed       = "ASR_FAILED"
	ErrLLMTimeout      = "LLM_TIMEOUT"
	ErrLLMError        = "LLM_ERROR"
	ErrTTSFailed       = "TTS_FAILED"
	ErrSessionLimit    = "SESSION_LIMIT"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrNotRegistered   = "NOT_REGISTERED"
	ErrRateLimited     = "RATE_LIMITED"
)

// Envelope is the outer shape of every text frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- client -> daemon payloads ---

type TextPayload struct {
	Text string `json:"text"`
}

type ReconnectPayload struct {
	Token string `json:"token"`
}

type SatelliteCapabilities struct {
	LocalASR bool `json:"local_asr"`
	LocalTTS bool `json:"local_tts"`
	WakeWord bool `json:"wake_word"`
}

type SatelliteRegisterPayload struct {
	UUID            string                `json:"uuid"`
	Name            string                `json:"name"`
	Location        string                `json:"location"`
	Tier            string                `json:"tier"`
	Capabilities    SatelliteCapabilities `json:"capabilities"`
	ReconnectSecret string                `json:"reconnect_secret,omitempty"`
}

type SatelliteQueryPayload struct {
	Text string `json:"text"`
}

// --- daemon -> client payloads ---

type SessionPayload struct {
	Token string `json:"token"`
}

type StatePayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type TranscriptPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type StreamStartPayload struct {
	StreamID string `json:"stream_id"`
}

type StreamDeltaPayload struct {
	StreamID string `json:"stream_id"`
	Delta    string `json:"delta"`
}

type StreamEndPayload struct {
	StreamID string `json:"stream_id"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

type SatelliteRegisterAckPayload struct {
	Success         bool   `json:"success"`
	SessionID       uint32 `json:"session_id"`
	ReconnectSecret string `json:"reconnect_secret,omitempty"`
	Message         string `json:"message,omitempty"`
}
