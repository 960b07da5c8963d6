package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type captureObserver struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureObserver) RecordEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureObserver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestAsyncObserverDeliversBufferedOnClose(t *testing.T) {
	sink := &captureObserver{}
	a := NewAsyncObserver(sink, 16)

	for i := 0; i < 10; i++ {
		a.RecordEvent(Event{Name: "state_change", Time: time.Now()})
	}
	a.Close()

	if got := sink.count(); got != 10 {
		t.Fatalf("delivered = %d, want 10", got)
	}
	if a.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", a.Dropped())
	}
}

func TestAsyncObserverRejectsAfterClose(t *testing.T) {
	sink := &captureObserver{}
	a := NewAsyncObserver(sink, 4)
	a.Close()

	a.RecordEvent(Event{Name: "late"})
	if got := sink.count(); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
}

func TestEventTag(t *testing.T) {
	ev := Event{Tags: map[string]string{"session_id": "s1"}}
	if ev.Tag("session_id") != "s1" {
		t.Fatalf("Tag(session_id) = %q", ev.Tag("session_id"))
	}
	if (Event{}).Tag("anything") != "" {
		t.Fatal("Tag on empty event should be empty")
	}
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)

	obs.RecordEvent(Event{
		Name:  "transcript_final",
		Time:  time.Now(),
		Value: 5,
		Tags:  map[string]string{"session_id": "s1"},
	})
	obs.RecordEvent(Event{Name: "reconnect", Time: time.Now()})

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0]["name"] != "transcript_final" || lines[0]["session_id"] != "s1" {
		t.Fatalf("unexpected first line: %v", lines[0])
	}
	if lines[1]["name"] != "reconnect" {
		t.Fatalf("unexpected second line: %v", lines[1])
	}
}
