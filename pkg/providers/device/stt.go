package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/configutil"
	"github.com/voxnote/voxnote/pkg/errorsx"
	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/resilience"
)

// Engine binds the provider to the host's on-device recognizer. Each Open
// produces one recognition run; low-latency engines end a run after every
// utterance, so continuous mode reopens runs until the provider stops.
type Engine interface {
	Open(ctx context.Context, opts stt.Options) (Run, error)
}

// Run is a single recognition run.
type Run interface {
	// Feed delivers PCM16 audio to the recognizer.
	Feed(pcm []byte, sampleRate int) error
	// Results emits recognition results; the channel closes when the run
	// ends.
	Results() <-chan Result
	Close() error
}

type Result struct {
	Text  string
	Final bool
	Err   error
}

// Settings are the backend-specific options for the on-device recognizer.
type Settings struct {
	MaxRestarts      int `mapstructure:"max_restarts"`
	RestartBackoffMS int `mapstructure:"restart_backoff_ms"`
}

// Provider drives open-ended low-latency on-device recognition. A run that
// ends while the provider is still started is reopened under a bounded
// restart policy rather than an unconditional loop.
type Provider struct {
	engine   Engine
	settings Settings
	opts     stt.Options
	out      chan frames.Frame
	seq      *frames.SeqGen
	logger   *slog.Logger
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	run         Run
	initialized bool
	started     bool
	cleaned     bool
}

func New(engine Engine) *Provider {
	return &Provider{
		engine: engine,
		out:    make(chan frames.Frame, 256),
		seq:    frames.NewSeqGen(),
		logger: logging.NewComponentLogger(slog.Default(), "device_stt"),
	}
}

func (p *Provider) Name() string { return "device_stt" }

func (p *Provider) Initialize(opts stt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if p.engine == nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "engine", Msg: "no on-device recognizer bound"}
	}
	var s Settings
	if err := configutil.DecodeSettings(opts.Settings, &s); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = 5
	}
	if s.RestartBackoffMS <= 0 {
		s.RestartBackoffMS = 100
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	p.settings = s
	p.opts = opts
	p.retry = resilience.NewRetryPolicy(s.MaxRestarts, time.Duration(s.RestartBackoffMS)*time.Millisecond)
	p.breaker = resilience.NewCircuitBreaker(s.MaxRestarts, 10*time.Second)
	p.initialized = true
	return nil
}

func (p *Provider) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return stt.ConfigurationError{Provider: p.Name(), Field: "engine", Msg: "not initialized"}
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	run, err := p.engine.Open(runCtx, p.opts)
	if err != nil {
		p.mu.Lock()
		p.cancel()
		p.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("device: open recognizer: %w", err), errorsx.ReasonBackendConnect)
	}

	p.mu.Lock()
	p.run = run
	p.started = true
	p.mu.Unlock()

	p.logger.Info("device_recognizer_opened",
		slog.String("stream_id", p.opts.StreamID),
		slog.Bool("continuous", p.opts.Continuous))

	go p.consume(run)
	return nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	run := p.run
	p.run = nil
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if run != nil {
		_ = run.Close()
	}
	return nil
}

func (p *Provider) Cleanup() error {
	_ = p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cleaned {
		return nil
	}
	p.cleaned = true
	if p.out != nil {
		close(p.out)
		p.out = nil
	}
	return nil
}

func (p *Provider) SendAudio(frame frames.AudioFrame) error {
	p.mu.Lock()
	run := p.run
	started := p.started
	p.mu.Unlock()
	if !started || run == nil {
		return errorsx.Wrap(fmt.Errorf("device: not started"), errorsx.ReasonBackendSend)
	}
	if err := run.Feed(frame.RawPayload(), frame.Rate()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBackendSend)
	}
	return nil
}

func (p *Provider) Events() <-chan frames.Frame { return p.out }

// consume drains one run, then restarts it in continuous mode.
func (p *Provider) consume(run Run) {
	for res := range run.Results() {
		if res.Err != nil {
			p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID),
				errorsx.Wrap(res.Err, errorsx.ReasonBackendSend),
				map[string]string{frames.MetaProvider: p.Name()}))
			continue
		}
		if res.Text == "" {
			continue
		}
		p.emit(frames.NewTranscriptFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), res.Text, res.Final, map[string]string{
			frames.MetaProvider: p.Name(),
		}))
	}

	if p.stopping() || !p.opts.Continuous {
		p.emitControl(frames.ControlStopped, "run_ended")
		return
	}
	p.restart()
}

// restart reopens a recognition run after an utterance-scoped engine ended
// one mid-session. Bounded: repeated failures degrade instead of looping.
func (p *Provider) restart() {
	if !p.breaker.Allow() {
		p.degrade(fmt.Errorf("restart limit reached"))
		return
	}

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var next Run
	err := p.retry.DoCtx(ctx, func() error {
		if p.stopping() {
			return context.Canceled
		}
		run, err := p.engine.Open(ctx, p.opts)
		if err != nil {
			return err
		}
		next = run
		return nil
	})
	if err != nil {
		if p.stopping() {
			p.emitControl(frames.ControlStopped, "run_ended")
			return
		}
		p.breaker.OnError(err)
		p.degrade(err)
		return
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		_ = next.Close()
		p.emitControl(frames.ControlStopped, "run_ended")
		return
	}
	p.run = next
	p.mu.Unlock()

	p.breaker.OnSuccess()
	p.emitControl(frames.ControlReconnected, "run_restarted")
	go p.consume(next)
}

func (p *Provider) degrade(cause error) {
	err := errorsx.Wrap(fmt.Errorf("device: recognizer restart failed: %w", cause), errorsx.ReasonBackendReconnect)
	p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), err, map[string]string{
		frames.MetaProvider: p.Name(),
	}))
	p.emitControl(frames.ControlDegraded, "backend_reconnect")
}

func (p *Provider) stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return true
	}
	return p.ctx != nil && p.ctx.Err() != nil
}

func (p *Provider) emit(f frames.Frame) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- f:
	default:
		p.logger.Warn("device_events_channel_full", slog.String("stream_id", p.opts.StreamID))
	}
}

func (p *Provider) emitControl(code frames.ControlCode, reason string) {
	p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), code, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   reason,
	}))
}

var _ stt.TranscriptionProvider = (*Provider)(nil)
