package oraclewire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// ClientState is the hard connection state. The advisory "unhealthy"
// condition reported by the health monitor is not a state: it never moves
// this machine on its own.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client owns one TCP connection to a decision oracle.
//
// One background goroutine performs all socket reads; writes happen on
// whichever goroutine calls Send, serialized by a lock so two frames can
// never interleave. Callbacks run on the receive loop's goroutine.
//
// A Client is not reusable: after Shutdown or a failed Connect, construct
// a new one.
type Client struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	addr       string
	correlator *Correlator

	state    atomic.Int32
	shutdown atomic.Bool

	// lk guards conn, reader, peerConnID, waiters and abandoned.
	lk         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	peerConnID string

	// waiters maps an in-flight synchronous request id to its one-shot
	// completion channel; the receive loop completes it. abandoned keeps
	// the ids of waits that already timed out, so a late response can be
	// recognized and dropped instead of leaking to the general callback.
	waiters   map[string]chan *Envelope
	abandoned map[string]time.Time

	// writeLk serializes the length-prefix-then-body critical section.
	writeLk sync.Mutex

	lastInbound atomic.Int64

	disconnectOnce sync.Once
	shutdownCh     chan struct{}
	wg             sync.WaitGroup
}

// NewClient builds a client for the oracle at host:port. An empty host
// means loopback; a zero port means DefaultPort.
func NewClient(host string, port int, opts ...Option) (*Client, error) {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = DefaultPort
	}

	cfg := config{
		connectTimeout:  DefaultConnectTimeout,
		readTimeout:     DefaultReadTimeout,
		decisionTimeout: DefaultDecisionTimeout,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		msink:      cfg.msink,
		addr:       net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		waiters:    make(map[string]chan *Envelope),
		abandoned:  make(map[string]time.Time),
		shutdownCh: make(chan struct{}),
	}
	c.correlator = newCorrelator("client", logger, cfg.msink, cfg.metricLabels)
	return c, nil
}

// Correlator returns the message factory bound to this connection.
func (c *Client) Correlator() *Correlator {
	return c.correlator
}

// State returns the hard connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// PeerConnectionID returns the connection id announced by the peer's
// welcome notification, or empty before it arrived.
func (c *Client) PeerConnectionID() string {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.peerConnID
}

// Connect opens the socket within the configured timeout and starts the
// background receive loop. It does not wait for the peer's welcome
// notification; that arrives asynchronously through the connected
// callback. On failure the client is fully cleaned up and must be
// replaced, not retried.
func (c *Client) Connect() error {
	if c.shutdown.Load() {
		return ErrShutdown
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.logger.Info("connecting", LabelPeerAddr.L(c.addr))
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.connectTimeout)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		c.shutdown.Store(true)
		c.msink.IncrCounterWithLabels(
			MetricConnLostCount,
			1.0,
			append(c.cfg.metricLabels, LabelError.M("dial_failed")),
		)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.lk.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.lk.Unlock()

	c.lastInbound.Store(time.Now().UnixNano())
	c.state.Store(int32(StateConnected))
	c.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, c.cfg.metricLabels)
	c.logger.Info("connected", LabelPeerAddr.L(c.addr))

	c.wg.Add(1)
	go c.receiveLoop()

	if c.cfg.healthInterval > 0 {
		c.wg.Add(1)
		go c.healthMonitor()
	}
	return nil
}

// Send frames env and writes it to the socket. The whole frame is written
// inside one critical section so concurrent senders cannot interleave a
// length prefix from one message with the body of another. Oversized
// payloads fail here, before any byte is written.
func (c *Client) Send(env *Envelope) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	frame, err := EncodeFrame(env)
	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricFrameOutErrorCount,
			1.0,
			append(c.cfg.metricLabels, LabelError.M("encode")),
		)
		return err
	}

	c.lk.Lock()
	conn := c.conn
	c.lk.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeLk.Lock()
	_, err = conn.Write(frame)
	c.writeLk.Unlock()

	if err != nil {
		c.msink.IncrCounterWithLabels(
			MetricFrameOutErrorCount,
			1.0,
			append(c.cfg.metricLabels, LabelError.M("write")),
		)
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	c.msink.IncrCounterWithLabels(
		MetricFrameOutBytes,
		float32(len(frame)-frameHeaderSize),
		c.cfg.metricLabels,
	)
	c.logger.Debug("sent envelope",
		LabelKind.L(string(env.Kind)),
		LabelPayloadType.L(env.PayloadType()),
		LabelRequestID.L(env.RequestID),
		"bytes", len(frame)-frameHeaderSize,
	)
	return nil
}

// Request sends env and blocks until a response or error envelope with the
// matching correlation id arrives, the timeout elapses, or ctx is done.
// A zero timeout means the configured decision timeout.
//
// Concurrent Requests on one client are safe: each wait has its own
// one-shot completion channel keyed by correlation id, and the receive
// loop forwards all unrelated traffic to the general callback.
func (c *Client) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = c.cfg.decisionTimeout
	}
	if env.RequestID == "" {
		env.RequestID = newRequestID("sync-req")
	}
	requestID := env.RequestID

	ch := make(chan *Envelope, 1)
	c.lk.Lock()
	if _, dup := c.waiters[requestID]; dup {
		c.lk.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	c.waiters[requestID] = ch
	c.lk.Unlock()

	if err := c.Send(env); err != nil {
		c.removeWaiter(requestID, false)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost while awaiting %s", ErrNotConnected, requestID)
		}
		return resp, nil

	case <-timer.C:
		c.removeWaiter(requestID, true)
		c.msink.IncrCounterWithLabels(MetricRequestTimeoutCount, 1.0, c.cfg.metricLabels)
		c.logger.Warn("synchronous request timed out",
			LabelRequestID.L(requestID),
			LabelDuration.L(timeout),
		)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, requestID, timeout)

	case <-ctx.Done():
		c.removeWaiter(requestID, true)
		return nil, ctx.Err()

	case <-c.shutdownCh:
		c.removeWaiter(requestID, false)
		return nil, ErrShutdown
	}
}

// RequestAction is the engine-facing decision hook: it builds a get_action
// request, waits for the oracle's answer, and returns the chosen action.
// Every failure is typed — ErrRequestTimeout, I/O sentinels, or an
// *ApplicationError from the oracle — so the engine can always apply its
// local fallback.
func (c *Client) RequestAction(
	ctx context.Context,
	gameID string,
	requestingPlayer int,
	gameState map[string]any,
	legalActions []map[string]any,
	decisionContext map[string]any,
) (map[string]any, error) {
	env := c.correlator.ActionRequest(gameID, requestingPlayer, gameState, legalActions, decisionContext)

	resp, err := c.Request(ctx, env, c.cfg.decisionTimeout)
	if err != nil {
		c.correlator.ClearRequest(env.RequestID)
		return nil, err
	}

	if appErr, ok := AsApplicationError(resp); ok {
		return nil, appErr
	}

	success, _ := resp.Data["success"].(bool)
	action, hasAction := asMap(resp.Data["action"])
	if !success || !hasAction {
		return nil, &ApplicationError{
			RequestID: resp.RequestID,
			Code:      CodeInternalError,
			Message:   "oracle reported an unsuccessful action response",
		}
	}
	return action, nil
}

// InitializeGame registers a new game session with the oracle and waits
// for its game_ready confirmation.
func (c *Client) InitializeGame(ctx context.Context, gameID string, players []map[string]any) error {
	env := c.correlator.InitializeGameRequest(gameID, players)

	resp, err := c.Request(ctx, env, c.cfg.decisionTimeout)
	if err != nil {
		c.correlator.ClearRequest(env.RequestID)
		return err
	}

	if appErr, ok := AsApplicationError(resp); ok {
		return appErr
	}
	if success, _ := resp.Data["success"].(bool); !success {
		return &ApplicationError{
			RequestID: resp.RequestID,
			Code:      CodeInternalError,
			Message:   "oracle refused game initialization",
		}
	}
	return nil
}

// EndSession tells the oracle the game session is over and waits for its
// acknowledgement.
func (c *Client) EndSession(ctx context.Context, gameID, reason string) error {
	env := c.correlator.SessionEndRequest(gameID, reason)

	resp, err := c.Request(ctx, env, c.cfg.decisionTimeout)
	if err != nil {
		c.correlator.ClearRequest(env.RequestID)
		return err
	}
	if appErr, ok := AsApplicationError(resp); ok {
		return appErr
	}
	return nil
}

// Shutdown cancels the background tasks, closes the socket and invokes the
// disconnected callback with canRetry=false. It is idempotent and safe to
// call when already disconnected.
func (c *Client) Shutdown() error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(c.shutdownCh)

	c.lk.Lock()
	conn := c.conn
	c.lk.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	c.failWaiters()
	c.state.Store(int32(StateDisconnected))

	c.disconnectOnce.Do(func() {
		c.logger.Info("client shutdown")
		if c.cfg.onDisconnected != nil {
			c.cfg.onDisconnected("client shutdown", false)
		}
	})
	return nil
}

// receiveLoop is the single background reader: one frame per iteration,
// decoded, validated, then routed. It ends on shutdown, clean peer close,
// or the first framing/transport error.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	c.lk.Lock()
	conn, reader := c.conn, c.reader
	c.lk.Unlock()

	reason := "receive loop stopped"
	canRetry := true

	for {
		if c.shutdown.Load() {
			reason, canRetry = "client shutdown", false
			break
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
		env, err := DecodeFrame(reader)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Idle poll: nothing arrived within the read deadline.
				continue
			}
			if c.shutdown.Load() {
				reason, canRetry = "client shutdown", false
				break
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("peer closed the connection")
				reason, canRetry = "peer closed the connection", true
				break
			}

			c.msink.IncrCounterWithLabels(
				MetricFrameInErrorCount,
				1.0,
				append(c.cfg.metricLabels, LabelError.M(frameErrorLabel(err))),
			)
			c.logger.Error("receive failed", LabelError.L(err))
			reason, canRetry = err.Error(), true
			break
		}

		c.lastInbound.Store(time.Now().UnixNano())
		c.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0, c.cfg.metricLabels)

		if valid, why := Validate(env); !valid {
			c.msink.IncrCounterWithLabels(
				MetricValidationErrCount,
				1.0,
				append(c.cfg.metricLabels, LabelPayloadType.M(env.PayloadType())),
			)
			c.logger.Warn("dropping invalid envelope",
				LabelKind.L(string(env.Kind)),
				LabelPayloadType.L(env.PayloadType()),
				LabelReason.L(why),
			)
			if c.cfg.onMessageError != nil {
				c.cfg.onMessageError(why, nil)
			}
			continue
		}

		c.route(env)
	}

	c.teardown(reason, canRetry)
}

// route delivers one valid envelope: welcome handling first, then the
// correlation lookup, then the general callback.
func (c *Client) route(env *Envelope) {
	if env.HasPayloadType("welcome") {
		if id, ok := env.Data["connection_id"].(string); ok {
			c.lk.Lock()
			c.peerConnID = id
			c.lk.Unlock()
			c.logger.Info("peer welcome received", "connection_id", id)
		}
		if c.cfg.onConnected != nil {
			c.cfg.onConnected(env)
		}
		// welcome is also forwarded below, like all valid traffic.
	}

	if env.Kind.Correlated() && env.RequestID != "" {
		c.lk.Lock()
		if ch, ok := c.waiters[env.RequestID]; ok {
			delete(c.waiters, env.RequestID)
			ch <- env
			c.lk.Unlock()
			c.correlator.ClearRequest(env.RequestID)
			return
		}
		if _, late := c.abandoned[env.RequestID]; late {
			delete(c.abandoned, env.RequestID)
			c.lk.Unlock()
			// The wait already timed out; nobody is listening anymore,
			// so the answer is dropped rather than surfaced as data.
			c.msink.IncrCounterWithLabels(MetricLateResponseCount, 1.0, c.cfg.metricLabels)
			c.logger.Debug("dropping late response for abandoned request",
				LabelRequestID.L(env.RequestID),
			)
			return
		}
		c.lk.Unlock()
	}

	if c.cfg.onMessage != nil {
		c.cfg.onMessage(env)
	}
}

// healthMonitor periodically reports, without acting on it, that the
// connection has been silent for too long.
func (c *Client) healthMonitor() {
	defer c.wg.Done()

	after := c.cfg.unhealthyAfter
	if after == 0 {
		after = 2 * c.cfg.readTimeout
	}

	ticker := time.NewTicker(c.cfg.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdownCh:
			return
		case <-ticker.C:
		}

		c.pruneAbandoned()

		idle := time.Since(time.Unix(0, c.lastInbound.Load()))
		if idle >= after {
			c.logger.Warn("connection unhealthy", LabelDuration.L(idle))
			if c.cfg.onUnhealthy != nil {
				c.cfg.onUnhealthy(idle)
			}
		}
	}
}

// teardown runs once when the receive loop exits: it closes the socket,
// fails outstanding waits and fires the disconnected callback.
func (c *Client) teardown(reason string, canRetry bool) {
	c.lk.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.lk.Unlock()

	c.failWaiters()
	c.state.Store(int32(StateDisconnected))
	c.msink.IncrCounterWithLabels(
		MetricConnLostCount,
		1.0,
		append(c.cfg.metricLabels, LabelReason.M(reasonLabel(canRetry))),
	)

	c.disconnectOnce.Do(func() {
		c.logger.Info("disconnected", LabelReason.L(reason), "can_retry", canRetry)
		if c.cfg.onDisconnected != nil {
			c.cfg.onDisconnected(reason, canRetry)
		}
	})
}

// failWaiters wakes every outstanding synchronous wait with a closed
// channel so no caller stays blocked past the connection's life.
func (c *Client) failWaiters() {
	c.lk.Lock()
	defer c.lk.Unlock()
	for requestID, ch := range c.waiters {
		delete(c.waiters, requestID)
		close(ch)
	}
}

// removeWaiter unregisters a wait; when abandoned is set the id is
// remembered so a late response can be recognized and dropped.
func (c *Client) removeWaiter(requestID string, abandoned bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if _, ok := c.waiters[requestID]; !ok {
		return
	}
	delete(c.waiters, requestID)
	if abandoned {
		c.abandoned[requestID] = time.Now()
	}
}

// pruneAbandoned forgets timed-out ids old enough that a matching response
// can no longer plausibly arrive.
func (c *Client) pruneAbandoned() {
	cutoff := time.Now().Add(-c.cfg.decisionTimeout)
	c.lk.Lock()
	defer c.lk.Unlock()
	for requestID, at := range c.abandoned {
		if at.Before(cutoff) {
			delete(c.abandoned, requestID)
		}
	}
}

func frameErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, ErrFrameParse):
		return "parse"
	case errors.Is(err, ErrFrameMissingField):
		return "missing_field"
	case errors.Is(err, ErrFrameTruncated):
		return "truncated"
	default:
		return "io"
	}
}

func reasonLabel(canRetry bool) string {
	if canRetry {
		return "transport"
	}
	return "shutdown"
}
