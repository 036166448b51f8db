package oraclewire

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// Correlator builds well-formed envelopes for every protocol operation and
// tracks which requests are still awaiting a response.
//
// Each connection owns exactly one Correlator; the pending table is plain
// per-instance state behind a mutex, never shared process-wide. The table
// is advisory timeout accounting only: losing an entry loses telemetry for
// that id, nothing else.
type Correlator struct {
	component    string
	connectionID string

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// now is swappable so tests can advance the clock.
	now     func() time.Time
	timeout time.Duration

	lk      sync.Mutex
	pending map[string]time.Time
}

// NewCorrelator returns a correlator identified by component (e.g.
// "engine", "oracle") for logging and telemetry.
func NewCorrelator(component string) *Correlator {
	return newCorrelator(component, slog.Default(), metrics.Default(), nil)
}

func newCorrelator(component string, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Correlator {
	if component == "" {
		component = "unknown"
	}
	return &Correlator{
		component:    component,
		connectionID: component + "-" + newID(),
		logger:       logger.With(LabelComponent.L(component)),
		msink:        msink,
		labels:       append(labels, LabelComponent.M(component)),
		now:          time.Now,
		timeout:      DefaultDecisionTimeout,
		pending:      make(map[string]time.Time),
	}
}

// newID returns 8 hex chars of randomness, unique enough for the lifetime
// of one connection.
func newID() string {
	return uuid.NewString()[:8]
}

func newRequestID(prefix string) string {
	return prefix + "-" + newID()
}

// ConnectionID identifies this correlator instance to peers and logs.
func (c *Correlator) ConnectionID() string {
	return c.connectionID
}

// WelcomeNotification greets a freshly connected peer with our version and
// capabilities.
func (c *Correlator) WelcomeNotification(serverVersion string, capabilities []string, maxConcurrentGames int) *Envelope {
	return NewEnvelope(KindNotification, map[string]any{
		"type":                        "welcome",
		"server_version":              serverVersion,
		"protocol_version":            ProtocolVersion,
		"supported_protocol_versions": []string{ProtocolVersion},
		"capabilities":                capabilities,
		"max_concurrent_games":        maxConcurrentGames,
		"connection_id":               c.connectionID,
	})
}

// ActionRequest asks the oracle to pick one of legalActions for
// requestingPlayer. A nil decisionContext is sent as an empty object; the
// field is always present on the wire.
func (c *Correlator) ActionRequest(
	gameID string,
	requestingPlayer int,
	gameState map[string]any,
	legalActions []map[string]any,
	decisionContext map[string]any,
) *Envelope {
	if decisionContext == nil {
		decisionContext = map[string]any{}
	}
	if legalActions == nil {
		legalActions = []map[string]any{}
	}

	requestID := newRequestID("action-req")
	c.track(requestID)
	c.logger.Debug("created action request",
		LabelRequestID.L(requestID),
		LabelGameID.L(gameID),
		"requesting_player", requestingPlayer,
	)

	return NewCorrelatedEnvelope(KindRequest, requestID, map[string]any{
		"type":              "get_action",
		"game_id":           gameID,
		"requesting_player": requestingPlayer,
		"game_state":        gameState,
		"legal_actions":     legalActions,
		"decision_context":  decisionContext,
	})
}

// ActionResponse answers a get_action request with the chosen action.
func (c *Correlator) ActionResponse(
	requestID string,
	gameID string,
	requestingPlayer int,
	action map[string]any,
	executionTime time.Duration,
	oracleMetadata map[string]any,
) *Envelope {
	if oracleMetadata == nil {
		oracleMetadata = map[string]any{}
	}
	c.clear(requestID)

	return NewCorrelatedEnvelope(KindResponse, requestID, map[string]any{
		"type":              "action_response",
		"game_id":           gameID,
		"requesting_player": requestingPlayer,
		"success":           true,
		"action":            action,
		"execution_time_ms": int(executionTime.Milliseconds()),
		"claude_metadata":   oracleMetadata,
	})
}

// ErrorResponse reports a failure. requestID may be empty for
// connection-level errors that answer no particular request.
func (c *Correlator) ErrorResponse(
	requestID string,
	code ErrorCode,
	message string,
	canRetry bool,
	fallbackAction map[string]any,
	debugInfo map[string]any,
) *Envelope {
	if debugInfo == nil {
		debugInfo = map[string]any{}
	}
	if requestID != "" {
		c.clear(requestID)
	}
	c.logger.Warn("created error response",
		LabelRequestID.L(requestID),
		"error_code", string(code),
		LabelReason.L(message),
	)

	data := map[string]any{
		"type":            "error_response",
		"error_code":      string(code),
		"error_message":   message,
		"can_retry":       canRetry,
		"fallback_action": fallbackAction,
		"debug_info":      debugInfo,
	}
	if canRetry {
		data["retry_after_ms"] = 1000
	}
	return NewCorrelatedEnvelope(KindError, requestID, data)
}

// InitializeGameRequest sets up a new game session on the oracle side.
func (c *Correlator) InitializeGameRequest(gameID string, players []map[string]any) *Envelope {
	requestID := newRequestID("init-req")
	c.track(requestID)
	c.logger.Debug("created initialize game request",
		LabelRequestID.L(requestID),
		LabelGameID.L(gameID),
	)

	return NewCorrelatedEnvelope(KindRequest, requestID, map[string]any{
		"type":    "initialize_game",
		"game_id": gameID,
		"players": players,
	})
}

// GameReadyResponse confirms a successful game initialization.
func (c *Correlator) GameReadyResponse(requestID, gameID string) *Envelope {
	c.clear(requestID)
	return NewCorrelatedEnvelope(KindResponse, requestID, map[string]any{
		"type":    "game_ready",
		"game_id": gameID,
		"success": true,
	})
}

// SessionEndRequest tells the peer the game session is over.
func (c *Correlator) SessionEndRequest(gameID, reason string) *Envelope {
	requestID := newRequestID("end-req")
	c.track(requestID)

	data := map[string]any{
		"type":    "session_end",
		"game_id": gameID,
	}
	if reason != "" {
		data["reason"] = reason
	}
	return NewCorrelatedEnvelope(KindRequest, requestID, data)
}

// SessionEndedResponse acknowledges a session_end request.
func (c *Correlator) SessionEndedResponse(requestID, gameID string) *Envelope {
	c.clear(requestID)
	return NewCorrelatedEnvelope(KindResponse, requestID, map[string]any{
		"type":    "session_ended",
		"game_id": gameID,
	})
}

// StateUpdateNotification carries an unsolicited game-state refresh.
func (c *Correlator) StateUpdateNotification(gameID string, update map[string]any) *Envelope {
	data := map[string]any{
		"type":    "state_update",
		"game_id": gameID,
	}
	for k, v := range update {
		if k != "type" && k != "game_id" {
			data[k] = v
		}
	}
	return NewEnvelope(KindNotification, data)
}

// CheckTimeouts returns the ids of pending requests older than the decision
// timeout. It never removes entries: removal only happens on explicit
// completion, so a response racing the sweep is not lost.
func (c *Correlator) CheckTimeouts() []string {
	now := c.now()

	c.lk.Lock()
	defer c.lk.Unlock()

	var timedOut []string
	for requestID, startedAt := range c.pending {
		if age := now.Sub(startedAt); age > c.timeout {
			timedOut = append(timedOut, requestID)
			c.logger.Warn("request timed out",
				LabelRequestID.L(requestID),
				LabelDuration.L(age),
			)
		}
	}
	return timedOut
}

// ClearRequest removes a pending entry and reports how long the request was
// outstanding. ok is false when the id was unknown, which is harmless: the
// table tolerates losing entries.
func (c *Correlator) ClearRequest(requestID string) (elapsed time.Duration, ok bool) {
	now := c.now()

	c.lk.Lock()
	startedAt, found := c.pending[requestID]
	if found {
		delete(c.pending, requestID)
	}
	size := len(c.pending)
	c.lk.Unlock()

	if !found {
		return 0, false
	}
	c.msink.SetGaugeWithLabels(MetricPendingRequests, float32(size), c.labels)
	return now.Sub(startedAt), true
}

// PendingRequests reports how many requests await a response.
func (c *Correlator) PendingRequests() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.pending)
}

func (c *Correlator) track(requestID string) {
	c.lk.Lock()
	c.pending[requestID] = c.now()
	size := len(c.pending)
	c.lk.Unlock()

	c.msink.SetGaugeWithLabels(MetricPendingRequests, float32(size), c.labels)
}

func (c *Correlator) clear(requestID string) {
	if elapsed, ok := c.ClearRequest(requestID); ok {
		c.logger.Debug("request completed",
			LabelRequestID.L(requestID),
			LabelDuration.L(elapsed),
		)
	}
}
