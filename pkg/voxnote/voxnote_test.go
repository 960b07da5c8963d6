package voxnote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	mockstt "github.com/voxnote/voxnote/pkg/providers/mock"
	"github.com/voxnote/voxnote/pkg/registry"
	"github.com/voxnote/voxnote/pkg/session"
	"github.com/voxnote/voxnote/pkg/sources"
	mocksrc "github.com/voxnote/voxnote/pkg/sources/mock"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxnote.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_STT_KEY", "sk-test-123")
	path := writeConfig(t, `
provider:
  type: deepgram
  credential: ${TEST_STT_KEY}
  settings:
    model: nova-2
source:
  kind: wsaudio
  settings:
    server_addr: ":9100"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Type != "deepgram" {
		t.Fatalf("provider type = %q", cfg.Provider.Type)
	}
	if cfg.Provider.Credential != "sk-test-123" {
		t.Fatalf("credential not expanded: %q", cfg.Provider.Credential)
	}
	if cfg.Provider.SampleRate != 16000 {
		t.Fatalf("default sample rate = %d", cfg.Provider.SampleRate)
	}
	if !cfg.Provider.Interim || !cfg.Provider.Continuous {
		t.Fatal("interim and continuous should default on")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("logging defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if got := cfg.Source.Settings["server_addr"]; got != ":9100" {
		t.Fatalf("source settings = %v", cfg.Source.Settings)
	}
}

func TestLoadConfigRejectsUnknownSource(t *testing.T) {
	path := writeConfig(t, `
provider:
  type: selfhosted
source:
  kind: carrier_pigeon
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for unknown source kind")
	}
}

func TestRecorderSessionLifecycle(t *testing.T) {
	reg := registry.New()
	prov := mockstt.New(mockstt.Config{Transcript: "note to self "})
	reg.Register(stt.ProviderType("mock"), func() stt.TranscriptionProvider { return prov })

	rec := NewRecorder(RecorderOptions{
		Config: Config{
			LogLevel:  "error",
			LogFormat: "text",
			Provider:  ProviderConfig{Type: "mock", SampleRate: 16000, Channels: 1, Continuous: true, Interim: true},
			Source:    SourceConfig{Kind: "mock"},
		},
		Registry: reg,
		SourceFactory: func(streamID string) (sources.AudioSource, error) {
			return mocksrc.New(mocksrc.Config{StreamID: streamID}), nil
		},
	})

	sess, err := rec.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if rec.SessionCount() != 1 {
		t.Fatalf("session count = %d", rec.SessionCount())
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State() != session.StateRecording {
		t.Fatalf("state = %s", sess.State())
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.SessionCount() != 0 {
		t.Fatalf("stopped session still tracked, count = %d", rec.SessionCount())
	}
}

func TestRecorderUnknownProviderType(t *testing.T) {
	rec := NewRecorder(RecorderOptions{
		Config: Config{
			LogLevel: "error",
			Provider: ProviderConfig{Type: "nope"},
			Source:   SourceConfig{Kind: "mock"},
		},
	})
	_, err := rec.NewSession()
	var unsupported registry.UnsupportedProviderError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedProviderError, got %v", err)
	}
}
