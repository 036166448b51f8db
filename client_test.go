package oraclewire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// stubOracle is a single-connection oracle: it accepts one client, greets it
// with a welcome notification and hands every decoded envelope to handler.
type stubOracle struct {
	t       *testing.T
	ln      net.Listener
	corr    *Correlator
	handler func(oracle *stubOracle, env *Envelope)

	lk   sync.Mutex
	conn net.Conn
	wg   sync.WaitGroup
}

func newStubOracle(t *testing.T, handler func(oracle *stubOracle, env *Envelope)) *stubOracle {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubOracle{
		t:       t,
		ln:      ln,
		corr:    NewCorrelator("oracle"),
		handler: handler,
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *stubOracle) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *stubOracle) serve() {
	defer s.wg.Done()

	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.lk.Lock()
	s.conn = conn
	s.lk.Unlock()

	s.reply(s.corr.WelcomeNotification("0.1.0", []string{"game_state_full"}, 4))

	reader := bufio.NewReader(conn)
	for {
		env, err := DecodeFrame(reader)
		if err != nil {
			return
		}
		if s.handler != nil {
			s.handler(s, env)
		}
	}
}

// reply frames and writes env. Write errors are ignored: they only happen
// when the client side already went away, which the test observes elsewhere.
func (s *stubOracle) reply(env *Envelope) {
	frame, err := EncodeFrame(env)
	if err != nil {
		return
	}
	s.lk.Lock()
	conn := s.conn
	s.lk.Unlock()
	if conn != nil {
		conn.Write(frame)
	}
}

func (s *stubOracle) closeConn() {
	s.lk.Lock()
	conn := s.conn
	s.lk.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *stubOracle) close() {
	s.ln.Close()
	s.closeConn()
	s.wg.Wait()
}

func newTestClient(t *testing.T, port int, opts ...Option) *Client {
	base := []Option{
		WithLog(slog.NewTextHandler(io.Discard, nil)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithReadTimeout(200 * time.Millisecond),
	}
	c, err := NewClient("127.0.0.1", port, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestClientConnectAndWelcome(t *testing.T) {
	oracle := newStubOracle(t, nil)

	welcomed := make(chan *Envelope, 1)
	var disconnects atomic.Int32
	c := newTestClient(t, oracle.port(),
		WithConnectedHandler(func(welcome *Envelope) { welcomed <- welcome }),
		WithDisconnectedHandler(func(_ string, canRetry bool) {
			disconnects.Add(1)
			require.False(t, canRetry, "local shutdown is final")
		}),
	)

	require.NoError(t, c.Connect())
	require.Equal(t, StateConnected, c.State())
	require.ErrorIs(t, c.Connect(), ErrAlreadyConnected)

	select {
	case welcome := <-welcomed:
		require.Equal(t, oracle.corr.ConnectionID(), welcome.Data["connection_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("welcome never arrived")
	}
	require.Equal(t, oracle.corr.ConnectionID(), c.PeerConnectionID())

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, int32(1), disconnects.Load(), "disconnected callback fires exactly once")
}

func TestClientSessionLifecycle(t *testing.T) {
	oracle := newStubOracle(t, func(o *stubOracle, env *Envelope) {
		gameID, _ := env.Data["game_id"].(string)
		switch {
		case env.HasPayloadType("initialize_game"):
			o.reply(o.corr.GameReadyResponse(env.RequestID, gameID))
		case env.HasPayloadType("get_action"):
			player, _ := asInt(env.Data["requesting_player"])
			o.reply(o.corr.ActionResponse(env.RequestID, gameID, player,
				map[string]any{"index": 1, "action": "pass"}, 3*time.Millisecond, nil))
		case env.HasPayloadType("session_end"):
			o.reply(o.corr.SessionEndedResponse(env.RequestID, gameID))
		}
	})

	c := newTestClient(t, oracle.port())
	require.NoError(t, c.Connect())

	ctx := context.Background()
	players := []map[string]any{{"index": 0, "name": "engine"}, {"index": 1, "name": "oracle"}}
	require.NoError(t, c.InitializeGame(ctx, "g1", players))

	action, err := c.RequestAction(ctx, "g1", 0,
		map[string]any{"turn": 2},
		[]map[string]any{{"index": 0, "action": "attack"}, {"index": 1, "action": "pass"}},
		nil,
	)
	require.NoError(t, err)
	idx, ok := asInt(action["index"])
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.Equal(t, "pass", action["action"])

	require.NoError(t, c.EndSession(ctx, "g1", "match over"))
	require.Equal(t, 0, c.Correlator().PendingRequests(), "completed requests leave no pending entries")
}

func TestClientConcurrentRequests(t *testing.T) {
	// The oracle withholds both answers until it has both requests, then
	// replies in reverse order. Each waiter must still receive its own
	// response, keyed by correlation id.
	var queued []*Envelope
	oracle := newStubOracle(t, func(o *stubOracle, env *Envelope) {
		if !env.HasPayloadType("get_action") {
			return
		}
		queued = append(queued, env)
		if len(queued) < 2 {
			return
		}
		for i := len(queued) - 1; i >= 0; i-- {
			req := queued[i]
			player, _ := asInt(req.Data["requesting_player"])
			o.reply(o.corr.ActionResponse(req.RequestID, "g1", player,
				map[string]any{"index": player}, time.Millisecond, nil))
		}
	})

	c := newTestClient(t, oracle.port())
	require.NoError(t, c.Connect())

	errs := make(chan error, 2)
	mismatches := make(chan int, 2)
	var wg sync.WaitGroup
	for player := 0; player < 2; player++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			action, err := c.RequestAction(context.Background(), "g1", p,
				map[string]any{"turn": 1},
				[]map[string]any{{"index": p}},
				nil,
			)
			if err != nil {
				errs <- err
				return
			}
			if idx, _ := asInt(action["index"]); idx != p {
				mismatches <- p
			}
		}(player)
	}
	wg.Wait()

	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	close(mismatches)
	for p := range mismatches {
		t.Errorf("player %d received another player's action", p)
	}
	require.Equal(t, 0, c.Correlator().PendingRequests())
}

func TestClientRequestTimeoutDropsLateResponse(t *testing.T) {
	gotReq := make(chan string, 1)
	oracle := newStubOracle(t, func(_ *stubOracle, env *Envelope) {
		if env.HasPayloadType("get_action") {
			gotReq <- env.RequestID
		}
	})

	forwarded := make(chan *Envelope, 8)
	c := newTestClient(t, oracle.port(),
		WithDecisionTimeout(150*time.Millisecond),
		WithMessageHandler(func(env *Envelope) { forwarded <- env }),
	)
	require.NoError(t, c.Connect())

	_, err := c.RequestAction(context.Background(), "g1", 0,
		map[string]any{}, []map[string]any{{"index": 0}}, nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	var requestID string
	select {
	case requestID = <-gotReq:
	case <-time.After(2 * time.Second):
		t.Fatal("the oracle never received the request")
	}

	// The answer arrives after the waiter gave up: it must vanish, not
	// surface through the general callback.
	oracle.reply(oracle.corr.ActionResponse(requestID, "g1", 0,
		map[string]any{"index": 0}, time.Millisecond, nil))

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case env := <-forwarded:
			require.False(t, env.HasPayloadType("action_response"),
				"late response for %s must be dropped", requestID)
		case <-deadline:
			return
		}
	}
}

func TestClientInvalidInboundDropped(t *testing.T) {
	oracle := newStubOracle(t, nil)

	badReasons := make(chan string, 1)
	forwarded := make(chan *Envelope, 8)
	c := newTestClient(t, oracle.port(),
		WithMessageErrorHandler(func(reason string, _ error) { badReasons <- reason }),
		WithMessageHandler(func(env *Envelope) { forwarded <- env }),
	)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool {
		return c.PeerConnectionID() != ""
	}, 2*time.Second, 10*time.Millisecond)

	bad := NewEnvelope(KindNotification, map[string]any{"type": "state_update", "game_id": "g1"})
	bad.ProtocolVersion = "9.9"
	oracle.reply(bad)

	select {
	case reason := <-badReasons:
		require.Contains(t, reason, "protocol version")
	case <-time.After(2 * time.Second):
		t.Fatal("the validation failure was never reported")
	}

	// The connection survives: a well-formed notification still gets through.
	oracle.reply(oracle.corr.StateUpdateNotification("g1", map[string]any{"turn": 5}))
	require.Eventually(t, func() bool {
		for {
			select {
			case env := <-forwarded:
				if env.HasPayloadType("state_update") {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientOversizedSendRejected(t *testing.T) {
	oracle := newStubOracle(t, func(o *stubOracle, env *Envelope) {
		if env.HasPayloadType("session_end") {
			gameID, _ := env.Data["game_id"].(string)
			o.reply(o.corr.SessionEndedResponse(env.RequestID, gameID))
		}
	})

	c := newTestClient(t, oracle.port())
	require.NoError(t, c.Connect())

	big := NewEnvelope(KindNotification, map[string]any{
		"type":    "state_update",
		"game_id": "g1",
		"blob":    strings.Repeat("x", MaxMessageSize),
	})
	require.ErrorIs(t, c.Send(big), ErrFrameTooLarge)

	// Nothing was written, so the stream is intact and still usable.
	require.Equal(t, StateConnected, c.State())
	require.NoError(t, c.EndSession(context.Background(), "g1", "done"))
}

func TestClientPeerClose(t *testing.T) {
	oracle := newStubOracle(t, nil)

	type disconnect struct {
		reason   string
		canRetry bool
	}
	disconnects := make(chan disconnect, 2)
	c := newTestClient(t, oracle.port(),
		WithDisconnectedHandler(func(reason string, canRetry bool) {
			disconnects <- disconnect{reason, canRetry}
		}),
	)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool {
		return c.PeerConnectionID() != ""
	}, 2*time.Second, 10*time.Millisecond)

	oracle.closeConn()

	select {
	case d := <-disconnects:
		require.True(t, d.canRetry, "a peer-initiated close is retryable")
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected callback never fired")
	}
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown())
	require.Empty(t, disconnects, "shutdown after a disconnect must not fire the callback again")
}

func TestClientConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := newTestClient(t, port, WithConnectTimeout(500*time.Millisecond))
	err = c.Connect()
	require.ErrorIs(t, err, ErrConnect)
	require.Equal(t, StateDisconnected, c.State())

	// A client that failed to connect is spent, not retryable.
	require.ErrorIs(t, c.Connect(), ErrShutdown)
}

func TestClientDuplicateRequestID(t *testing.T) {
	oracle := newStubOracle(t, nil)

	c := newTestClient(t, oracle.port())
	require.NoError(t, c.Connect())

	const requestID = "sync-req-11111111"
	payload := map[string]any{"type": "session_end", "game_id": "g1"}

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(),
			NewCorrelatedEnvelope(KindRequest, requestID, payload), time.Minute)
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		c.lk.Lock()
		defer c.lk.Unlock()
		_, inFlight := c.waiters[requestID]
		return inFlight
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Request(context.Background(),
		NewCorrelatedEnvelope(KindRequest, requestID, payload), time.Minute)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	// Shutdown must unblock the first waiter instead of leaving it hanging.
	require.NoError(t, c.Shutdown())
	select {
	case err := <-firstErr:
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrShutdown) || errors.Is(err, ErrNotConnected), err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown left the pending request blocked")
	}
}

func TestClientHealthMonitor(t *testing.T) {
	oracle := newStubOracle(t, nil)

	unhealthy := make(chan time.Duration, 4)
	c := newTestClient(t, oracle.port(),
		WithHealthCheck(20*time.Millisecond, 80*time.Millisecond),
		WithUnhealthyHandler(func(idle time.Duration) {
			select {
			case unhealthy <- idle:
			default:
			}
		}),
	)
	require.NoError(t, c.Connect())

	select {
	case idle := <-unhealthy:
		require.GreaterOrEqual(t, idle, 80*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("unhealthy callback never fired on a silent connection")
	}

	// The monitor is advisory: the hard state is untouched.
	require.Equal(t, StateConnected, c.State())
}

func TestClientOracleApplicationError(t *testing.T) {
	oracle := newStubOracle(t, func(o *stubOracle, env *Envelope) {
		if env.HasPayloadType("initialize_game") {
			o.reply(o.corr.ErrorResponse(env.RequestID, CodeInvalidGameState,
				"unknown deck format", false, nil, nil))
		}
	})

	c := newTestClient(t, oracle.port())
	require.NoError(t, c.Connect())

	err := c.InitializeGame(context.Background(), "g1",
		[]map[string]any{{"index": 0}})
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, CodeInvalidGameState, appErr.Code)
	require.Equal(t, "unknown deck format", appErr.Message)
	require.False(t, appErr.CanRetry)
}
