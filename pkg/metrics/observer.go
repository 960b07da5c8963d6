// Package metrics carries lightweight session telemetry: state changes,
// transcript milestones, reconnects, and provider errors. Events flow
// through an Observer fan-out so sinks (logs, timelines, files) stay
// decoupled from the capture path.
package metrics

import "time"

// Event is a single telemetry record. Tags hold low-cardinality routing
// keys such as session_id and stream_id; Fields hold free-form payload.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the named tag or "".
func (e Event) Tag(key string) string {
	if e.Tags == nil {
		return ""
	}
	return e.Tags[key]
}

type Observer interface {
	RecordEvent(ev Event)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}
