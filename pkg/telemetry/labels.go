// Package telemetry holds the label vocabulary shared by our structured
// logs and our metrics.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// TelemetryLabel is a key which can be used both as a `slog` attribute
// and as a metric label.
type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelStreamMode TelemetryLabel = "stream_mode"
	LabelStreamID   TelemetryLabel = "stream_id"
	LabelService    TelemetryLabel = "service"
	LabelSlot       TelemetryLabel = "slot"
	LabelStatus     TelemetryLabel = "status"
	LabelAction     TelemetryLabel = "action"
	LabelDuration   TelemetryLabel = "duration"
	LabelReason     TelemetryLabel = "reason"
)

// M returns a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a copy of base extended with extra labels. It never
// mutates the backing array of base, which is usually shared.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
