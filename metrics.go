package oraclewire

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricFrameInCount represents how many frames have been received and
	// decoded successfully.
	MetricFrameInCount        = []string{"oraclewire", "frame", "in", "count"}
	MetricFrameInErrorCount   = []string{"oraclewire", "frame", "in", "error", "count"}
	MetricFrameOutBytes       = []string{"oraclewire", "frame", "out", "bytes"}
	MetricFrameOutErrorCount  = []string{"oraclewire", "frame", "out", "error", "count"}
	MetricValidationErrCount  = []string{"oraclewire", "validation", "error", "count"}
	MetricRequestTimeoutCount = []string{"oraclewire", "request", "timeout", "count"}
	MetricLateResponseCount   = []string{"oraclewire", "response", "late", "count"}
	MetricConnEstCount        = []string{"oraclewire", "connection", "established", "count"}
	MetricConnLostCount       = []string{"oraclewire", "connection", "lost", "count"}
	MetricPendingRequests     = []string{"oraclewire", "request", "pending"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelKind        TelemetryLabel = "message_type"
	LabelPayloadType TelemetryLabel = "payload_type"
	LabelRequestID   TelemetryLabel = "request_id"
	LabelComponent   TelemetryLabel = "component"
	LabelGameID      TelemetryLabel = "game_id"
	LabelDuration    TelemetryLabel = "duration"
	LabelReason      TelemetryLabel = "reason"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
