package observers

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxnote/voxnote/pkg/metrics"
)

func TestTimelineObserverWritesPerSessionFile(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	defer obs.Close()

	obs.RecordEvent(metrics.Event{
		Name:  "state_change",
		Time:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Tags:  map[string]string{"session_id": "sess-1", "to": "recording"},
		Value: 1,
	})
	obs.RecordEvent(metrics.Event{
		Name: "transcript_final",
		Time: time.Date(2026, 3, 1, 10, 0, 3, 0, time.UTC),
		Tags: map[string]string{"session_id": "sess-1"},
		Fields: map[string]any{
			"chars": 12,
		},
	})
	// No session_id: must be dropped, not written anywhere.
	obs.RecordEvent(metrics.Event{Name: "orphan", Time: time.Now()})

	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()

	var lines []timelineEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev timelineEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 events, got %d", len(lines))
	}
	if lines[0].Event != "state_change" || lines[0].SessionID != "sess-1" {
		t.Fatalf("unexpected first event: %+v", lines[0])
	}
	if lines[0].Tags["to"] != "recording" {
		t.Fatalf("expected to=recording tag, got %v", lines[0].Tags)
	}
	if lines[1].Event != "transcript_final" {
		t.Fatalf("unexpected second event: %+v", lines[1])
	}
}

func TestPurgeArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	stale := now.Add(-72 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := PurgeArtifacts(dir, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old artifact should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh artifact should remain: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("non-jsonl file should remain: %v", err)
	}
}

func TestPurgeArtifactsMissingDir(t *testing.T) {
	removed, err := PurgeArtifacts(filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now())
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op, got removed=%d err=%v", removed, err)
	}
}
