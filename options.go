package oraclewire

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	connectTimeout  time.Duration
	readTimeout     time.Duration
	decisionTimeout time.Duration

	healthInterval time.Duration
	unhealthyAfter time.Duration

	onMessage      func(env *Envelope)
	onMessageError func(reason string, err error)
	onConnected    func(welcome *Envelope)
	onDisconnected func(reason string, canRetry bool)
	onUnhealthy    func(idle time.Duration)
}

// Option to pass to `NewClient`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted
// by the client and its correlator.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithConnectTimeout bounds how long Connect waits for the oracle socket.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultConnectTimeout
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithReadTimeout sets the socket-level read deadline of the receive loop.
// It controls how quickly the loop notices a shutdown request, not any
// protocol timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultReadTimeout
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithDecisionTimeout sets the default deadline used by the high-level
// request helpers and by the correlator's timeout sweep.
func WithDecisionTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDecisionTimeout
		}
		c.decisionTimeout = timeout
		return nil
	}
}

// WithHealthCheck enables the advisory health monitor: every interval, if
// no inbound traffic has been seen for at least after, the unhealthy
// callback fires. It never changes the hard connected/disconnected state.
func WithHealthCheck(interval, after time.Duration) Option {
	return func(c *config) error {
		c.healthInterval = interval
		c.unhealthyAfter = after
		return nil
	}
}

// WithMessageHandler registers the general inbound-message callback. Every
// valid envelope is forwarded to it, including welcome notifications, so
// the caller can observe the full traffic.
func WithMessageHandler(fn func(env *Envelope)) Option {
	return func(c *config) error {
		c.onMessage = fn
		return nil
	}
}

// WithMessageErrorHandler registers the callback invoked when an inbound
// envelope fails validation. The envelope itself is dropped.
func WithMessageErrorHandler(fn func(reason string, err error)) Option {
	return func(c *config) error {
		c.onMessageError = fn
		return nil
	}
}

// WithConnectedHandler registers the callback invoked when the peer's
// welcome notification arrives.
func WithConnectedHandler(fn func(welcome *Envelope)) Option {
	return func(c *config) error {
		c.onConnected = fn
		return nil
	}
}

// WithDisconnectedHandler registers the callback invoked exactly once when
// the connection ends. canRetry is false for an explicit local shutdown
// and true for peer-initiated or I/O-triggered disconnects.
func WithDisconnectedHandler(fn func(reason string, canRetry bool)) Option {
	return func(c *config) error {
		c.onDisconnected = fn
		return nil
	}
}

// WithUnhealthyHandler registers the advisory callback fired by the health
// monitor (see WithHealthCheck).
func WithUnhealthyHandler(fn func(idle time.Duration)) Option {
	return func(c *config) error {
		c.onUnhealthy = fn
		return nil
	}
}
