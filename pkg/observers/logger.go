// Package observers holds the metrics sinks the recorder fans events
// out to: structured logs, per-session timeline files, and composites.
package observers

import (
	"context"
	"log/slog"

	"github.com/voxnote/voxnote/pkg/metrics"
)

// LoggerObserver mirrors every event onto a slog logger at debug level,
// so a session's telemetry shows up interleaved with its log lines.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.Event) {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	)
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.TODO(), slog.LevelDebug, "metrics", attrs...)
}

// MultiObserver delivers each event to every sink in order.
type MultiObserver struct {
	sinks []metrics.Observer
}

func NewMultiObserver(sinks ...metrics.Observer) *MultiObserver {
	return &MultiObserver{sinks: sinks}
}

func (m *MultiObserver) RecordEvent(ev metrics.Event) {
	for _, o := range m.sinks {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}
