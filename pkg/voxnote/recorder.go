// Package voxnote wires configuration, the provider registry, audio
// sources, and capture sessions into a ready-to-run dictation recorder.
package voxnote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/configutil"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/metrics"
	"github.com/voxnote/voxnote/pkg/observers"
	"github.com/voxnote/voxnote/pkg/providers/assemblyai"
	"github.com/voxnote/voxnote/pkg/providers/deepgram"
	"github.com/voxnote/voxnote/pkg/providers/device"
	"github.com/voxnote/voxnote/pkg/providers/selfhosted"
	"github.com/voxnote/voxnote/pkg/redact"
	"github.com/voxnote/voxnote/pkg/registry"
	"github.com/voxnote/voxnote/pkg/runner"
	"github.com/voxnote/voxnote/pkg/session"
	"github.com/voxnote/voxnote/pkg/sources"
	mocksrc "github.com/voxnote/voxnote/pkg/sources/mock"
	"github.com/voxnote/voxnote/pkg/sources/telephone"
	"github.com/voxnote/voxnote/pkg/sources/wsaudio"
	"github.com/voxnote/voxnote/pkg/transcript"
)

// Recorder owns the shared infrastructure behind capture sessions: the
// provider registry, metrics observers, and the process lifecycle.
type Recorder struct {
	cfg       Config
	registry  *registry.Registry
	asyncObs  *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	eventsLog *os.File
	runner    *runner.LifecycleRunner

	// SourceFactory overrides how capture sources are built, mainly for
	// tests and embedding.
	sourceFactory func(streamID string) (sources.AudioSource, error)

	mu       sync.Mutex
	sessions map[string]*session.CaptureSession
}

// RecorderOptions customize a Recorder. Zero values fall back to the
// config-driven defaults.
type RecorderOptions struct {
	Config Config
	// Registry overrides the default provider wiring.
	Registry *registry.Registry
	// DeviceEngine binds the on-device recognizer used by the "device"
	// provider type. Required only when that type is selected.
	DeviceEngine device.Engine
	// SourceFactory overrides capture-source construction.
	SourceFactory func(streamID string) (sources.AudioSource, error)
	// ExtraObservers are appended to the metrics fan-out.
	ExtraObservers []metrics.Observer
}

// NewRecorder builds a Recorder from options.
func NewRecorder(opts RecorderOptions) *Recorder {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)

	slog.Info("voxnote_init",
		"environment", cfg.Environment,
		"provider", cfg.Provider.Type,
		"source", cfg.Source.Kind,
	)

	obsList := []metrics.Observer{observers.NewLoggerObserver(slog.Default())}
	var timelineObs *observers.TimelineObserver
	var eventsLog *os.File
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour, time.Now())
		}
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				eventsLog = f
				obsList = append(obsList, metrics.NewJSONLObserver(f))
			}
		}
	}
	obsList = append(obsList, opts.ExtraObservers...)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry(opts.DeviceEngine)
	}

	r := &Recorder{
		cfg:           cfg,
		registry:      reg,
		asyncObs:      asyncObs,
		timeline:      timelineObs,
		eventsLog:     eventsLog,
		sourceFactory: opts.SourceFactory,
		sessions:      make(map[string]*session.CaptureSession),
	}
	if r.sourceFactory == nil {
		r.sourceFactory = r.buildSource
	}

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("recorder_ready", "provider", cfg.Provider.Type, "source", cfg.Source.Kind)
		},
		OnStop: func() {
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "open_sessions", r.SessionCount())
		},
	}
	drainer := runner.DrainerFunc(func() error {
		r.StopAll()
		r.registry.CleanupAll()
		asyncObs.Close()
		if timelineObs != nil {
			_ = timelineObs.Close()
		}
		if eventsLog != nil {
			_ = eventsLog.Close()
		}
		return nil
	})
	r.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)
	return r
}

// DefaultRegistry wires the built-in provider constructors. engine may be
// nil when the "device" type is never selected; the device provider then
// rejects Initialize with a configuration error.
func DefaultRegistry(engine device.Engine) *registry.Registry {
	reg := registry.New()
	reg.Register(stt.ProviderDevice, func() stt.TranscriptionProvider { return device.New(engine) })
	reg.Register(stt.ProviderDeepgram, func() stt.TranscriptionProvider { return deepgram.New() })
	reg.Register(stt.ProviderAssemblyAI, func() stt.TranscriptionProvider { return assemblyai.New() })
	reg.Register(stt.ProviderSelfHosted, func() stt.TranscriptionProvider { return selfhosted.New() })
	return reg
}

// NewSession builds an Idle capture session from the recorder's config.
// The provider instance comes from the registry cache, so back-to-back
// sessions with unchanged settings reuse the same backend client.
func (r *Recorder) NewSession() (*session.CaptureSession, error) {
	sessionID := uuid.NewString()
	streamID := uuid.NewString()

	opts := stt.Options{
		SessionID:  sessionID,
		StreamID:   streamID,
		Credential: r.cfg.Provider.Credential,
		Language:   r.cfg.Provider.Language,
		SampleRate: r.cfg.Provider.SampleRate,
		Channels:   r.cfg.Provider.Channels,
		Continuous: r.cfg.Provider.Continuous,
		Interim:    r.cfg.Provider.Interim,
		Settings:   r.cfg.Provider.Settings,
	}
	provider, err := r.registry.GetProvider(registry.ProviderConfig{
		Type:       stt.ProviderType(r.cfg.Provider.Type),
		Credential: r.cfg.Provider.Credential,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}

	src, err := r.sourceFactory(streamID)
	if err != nil {
		return nil, err
	}

	sess := session.New(src, provider, session.Config{
		SessionID:    sessionID,
		StreamID:     streamID,
		Observer:     r.asyncObs,
		DrainTimeout: time.Duration(r.cfg.Session.DrainTimeoutMS) * time.Millisecond,
		Transcript:   transcript.Config{MaxSegments: r.cfg.Session.MaxSegments},
	})

	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	sess.AddListener(session.StateListenerFunc(func(ev session.StateChange) {
		if ev.ToState != session.StateStopped {
			return
		}
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
	}))
	return sess, nil
}

func (r *Recorder) buildSource(streamID string) (sources.AudioSource, error) {
	switch r.cfg.Source.Kind {
	case "wsaudio":
		var cfg wsaudio.Config
		if err := configutil.DecodeSettings(r.cfg.Source.Settings, &cfg); err != nil {
			return nil, fmt.Errorf("source settings: %w", err)
		}
		return wsaudio.New(streamID, cfg), nil
	case "telephone":
		var cfg telephone.Config
		if err := configutil.DecodeSettings(r.cfg.Source.Settings, &cfg); err != nil {
			return nil, fmt.Errorf("source settings: %w", err)
		}
		return telephone.New(streamID, cfg), nil
	case "mock":
		return mocksrc.New(mocksrc.Config{StreamID: streamID}), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %s", r.cfg.Source.Kind)
	}
}

// SessionCount returns the number of sessions that are not yet stopped.
func (r *Recorder) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every open session.
func (r *Recorder) StopAll() {
	r.mu.Lock()
	open := make([]*session.CaptureSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		_ = s.Stop()
	}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *Recorder) Run(ctx context.Context) error {
	return r.runner.Run(ctx)
}

// Stop shuts the recorder down, draining open sessions.
func (r *Recorder) Stop() error {
	return r.runner.Stop()
}

// Registry exposes the provider registry for custom wiring.
func (r *Recorder) Registry() *registry.Registry {
	return r.registry
}

// Config returns the recorder configuration.
func (r *Recorder) Config() Config {
	return r.cfg
}

// SetDefaultLogger installs the process-wide slog logger.
func SetDefaultLogger(level, format string) {
	slog.SetDefault(logging.InitLogger(logging.ParseLevel(level), format))
}
