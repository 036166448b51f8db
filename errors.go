package oraclewire

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrFrameTooLarge     = errors.New("framing: message exceeds maximum size")
	ErrFrameParse        = errors.New("framing: body is not valid JSON")
	ErrFrameMissingField = errors.New("framing: missing required field")
	ErrFrameTruncated    = errors.New("framing: stream ended mid-frame")

	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrConnect          = errors.New("client: could not reach the oracle")
	ErrShutdown         = errors.New("client: shutting down")
	ErrSend             = errors.New("client: error writing to the oracle")
	ErrRequestTimeout   = errors.New("client: no response before the deadline")
	ErrDuplicateRequest = errors.New("client: a request with this id is already in flight")

	ErrInvalidCfg = errors.New("client: invalid options")
)

// ApplicationError is an oracle-side failure delivered as an error_response
// envelope. It reaches the caller as data, not as a transport failure: the
// engine decides whether to retry or to apply its local fallback.
type ApplicationError struct {
	RequestID      string
	Code           ErrorCode
	Message        string
	CanRetry       bool
	RetryAfter     time.Duration
	FallbackAction map[string]any
	DebugInfo      map[string]any
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("oracle: %s: %s", e.Code, e.Message)
}

// AsApplicationError extracts the structured failure from an error_response
// envelope. It returns false for any other envelope.
func AsApplicationError(env *Envelope) (*ApplicationError, bool) {
	if env == nil || env.Kind != KindError || !env.HasPayloadType("error_response") {
		return nil, false
	}

	appErr := &ApplicationError{RequestID: env.RequestID}
	if code, ok := env.Data["error_code"].(string); ok {
		appErr.Code = ErrorCode(code)
	}
	appErr.Message, _ = env.Data["error_message"].(string)
	appErr.CanRetry, _ = env.Data["can_retry"].(bool)
	if ms, ok := asInt(env.Data["retry_after_ms"]); ok {
		appErr.RetryAfter = time.Duration(ms) * time.Millisecond
	}
	appErr.FallbackAction, _ = env.Data["fallback_action"].(map[string]any)
	appErr.DebugInfo, _ = env.Data["debug_info"].(map[string]any)
	return appErr, true
}
