package oraclewire

import (
	"time"
)

// Protocol constants shared by both sides of the wire. The oracle process
// implements the exact same contract, so these values must never drift.
const (
	// ProtocolVersion must match the peer's exactly; there is no
	// negotiation, a mismatch is a validation failure.
	ProtocolVersion = "1.0"

	// DefaultPort is the well-known oracle port. Simultaneous local game
	// sessions disambiguate by using distinct ports.
	DefaultPort = 8889

	// MaxMessageSize caps the JSON body on both send and receive paths so
	// a buggy or malicious peer cannot make us allocate unbounded memory.
	MaxMessageSize = 100 * 1024

	// DefaultConnectTimeout bounds Client.Connect.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout is the socket-level read deadline of the receive
	// loop. It only exists so the loop periodically notices shutdown; it
	// is not a protocol timeout.
	DefaultReadTimeout = 30 * time.Second

	// DefaultDecisionTimeout is how long the Correlator considers an
	// outstanding request healthy before CheckTimeouts reports it.
	DefaultDecisionTimeout = 30 * time.Second
)

// Kind is the top-level discriminator of an Envelope.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
)

// Known reports whether k is one of the four protocol kinds.
func (k Kind) Known() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindError:
		return true
	}
	return false
}

// Correlated reports whether envelopes of this kind answer a request and
// therefore carry a correlation id worth routing on.
func (k Kind) Correlated() bool {
	return k == KindResponse || k == KindError
}

// ErrorCode is the structured error vocabulary carried by error_response
// payloads, for programmatic handling on both sides.
type ErrorCode string

const (
	CodeOracleTimeout    ErrorCode = "CLAUDE_API_TIMEOUT"
	CodeOracleOverloaded ErrorCode = "CLAUDE_API_OVERLOADED"
	CodeInvalidGameState ErrorCode = "INVALID_GAME_STATE"
	CodeIllegalAction    ErrorCode = "ILLEGAL_ACTION"
	CodeConnectionLost   ErrorCode = "CONNECTION_LOST"
	CodeVersionMismatch  ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	CodeJSONParseError   ErrorCode = "JSON_PARSE_ERROR"
	CodeMessageTooLarge  ErrorCode = "MESSAGE_TOO_LARGE"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Envelope is the canonical in-memory representation of one protocol
// message, independent of its wire encoding.
//
// An Envelope is immutable once handed to the Client for transmission;
// the only mutation path is decode, which populates fields from wire bytes.
type Envelope struct {
	ProtocolVersion string `json:"protocol_version"`

	Kind Kind `json:"message_type"`

	// RequestID correlates a response with its originating request. It is
	// empty for notifications; error envelopes may carry the id of the
	// request that failed or none for connection-level errors.
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is informational only. Timeout accounting uses local
	// wall-clock capture in the Correlator, never this field.
	Timestamp string `json:"timestamp"`

	// Data always contains a "type" key naming the operation; everything
	// else is operation-specific.
	Data map[string]any `json:"data"`
}

// NewEnvelope builds an uncorrelated envelope (typically a notification)
// stamped with the current time and protocol version.
func NewEnvelope(kind Kind, data map[string]any) *Envelope {
	return &Envelope{
		ProtocolVersion: ProtocolVersion,
		Kind:            kind,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		Data:            data,
	}
}

// NewCorrelatedEnvelope builds an envelope carrying a correlation id.
func NewCorrelatedEnvelope(kind Kind, requestID string, data map[string]any) *Envelope {
	env := NewEnvelope(kind, data)
	env.RequestID = requestID
	return env
}

// PayloadType returns the operation name from the "type" key of Data, or
// the empty string when absent or not a string.
func (e *Envelope) PayloadType() string {
	if e.Data == nil {
		return ""
	}
	t, _ := e.Data["type"].(string)
	return t
}

// HasPayloadType reports whether the envelope carries the given operation.
func (e *Envelope) HasPayloadType(t string) bool {
	return e.PayloadType() == t
}
