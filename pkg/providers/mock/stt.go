package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/frames"
)

type Config struct {
	StreamID string
	// Transcript is emitted as a final result on the first audio frame.
	Transcript string
	// InterimTranscript is emitted before the final when EmitInterim is set.
	InterimTranscript string
	EmitInterim       bool
	// RequireCredential makes Initialize fail with ConfigurationError when
	// no credential is supplied, mimicking a cloud backend.
	RequireCredential bool
	FailStart         error
}

// Provider is a scripted TranscriptionProvider for tests. Counters expose
// the lifecycle calls the registry and session contracts care about.
type Provider struct {
	cfg  Config
	opts stt.Options
	out  chan frames.Frame
	seq  *frames.SeqGen

	mu           sync.Mutex
	initialized  bool
	started      bool
	stopped      bool
	emitted      bool
	startCalls   int
	stopCalls    int
	cleanupCalls int
}

func New(cfg Config) *Provider {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "mock-stream"
	}
	return &Provider{cfg: cfg, out: make(chan frames.Frame, 32), seq: frames.NewSeqGen()}
}

func (p *Provider) Name() string { return "mock_stt" }

func (p *Provider) Initialize(opts stt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if p.cfg.RequireCredential && opts.Credential == "" {
		return stt.ConfigurationError{Provider: p.Name(), Field: "credential"}
	}
	p.opts = opts
	p.initialized = true
	return nil
}

func (p *Provider) Start(ctx context.Context) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.cfg.FailStart != nil {
		return p.cfg.FailStart
	}
	p.started = true
	return nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	p.stopCalls++
	alreadyStopped := p.stopped
	p.started = false
	p.stopped = true
	out := p.out
	p.mu.Unlock()

	if !alreadyStopped && out != nil {
		out <- frames.NewControlFrame(p.cfg.StreamID, p.seq.Next(p.cfg.StreamID), frames.ControlStopped, map[string]string{
			frames.MetaProvider: p.Name(),
		})
	}
	return nil
}

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupCalls++
	if p.out != nil {
		close(p.out)
		p.out = nil
	}
	p.started = false
	return nil
}

func (p *Provider) SendAudio(frame frames.AudioFrame) error {
	_ = frame
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errors.New("not started")
	}
	if p.emitted {
		p.mu.Unlock()
		return nil
	}
	p.emitted = true
	out := p.out
	p.mu.Unlock()

	streamID := p.cfg.StreamID
	if p.cfg.EmitInterim {
		interim := p.cfg.InterimTranscript
		if interim == "" {
			interim = p.cfg.Transcript
		}
		out <- frames.NewTranscriptFrame(streamID, p.seq.Next(streamID), interim, false, map[string]string{
			frames.MetaProvider: p.Name(),
		})
	}
	out <- frames.NewTranscriptFrame(streamID, p.seq.Next(streamID), p.cfg.Transcript, true, map[string]string{
		frames.MetaProvider: p.Name(),
	})
	out <- frames.NewControlFrame(streamID, p.seq.Next(streamID), frames.ControlFlush, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   "speech_final",
	})
	return nil
}

func (p *Provider) Events() <-chan frames.Frame { return p.out }

// Emit pushes an arbitrary frame onto the event stream, for tests that
// script the backend directly.
func (p *Provider) Emit(f frames.Frame) bool {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- f:
		return true
	default:
		return false
	}
}

// NextSeq hands out the next sequence index for scripted frames.
func (p *Provider) NextSeq() uint64 { return p.seq.Next(p.cfg.StreamID) }

func (p *Provider) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Provider) StartCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls
}

func (p *Provider) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

func (p *Provider) CleanupCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupCalls
}

func (p *Provider) Options() stt.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

var _ stt.TranscriptionProvider = (*Provider)(nil)
