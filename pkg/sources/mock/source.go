package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/sources"
)

type Config struct {
	StreamID string
	// FailStart is returned from Start unchanged; use the sources sentinel
	// errors to simulate permission or device failures.
	FailStart error
	Buffer    int
}

// Source is a scripted audio source for tests. Frames are injected with
// Push; Stop and mute calls are observable.
type Source struct {
	cfg Config
	out chan frames.AudioFrame
	seq *frames.SeqGen

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCalls int
	muted     bool
}

func New(cfg Config) *Source {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "mock-stream"
	}
	return &Source{
		cfg: cfg,
		out: make(chan frames.AudioFrame, cfg.Buffer),
		seq: frames.NewSeqGen(),
	}
}

func (s *Source) Name() string { return "mock_source" }

func (s *Source) Start(ctx context.Context) error {
	_ = ctx
	if s.cfg.FailStart != nil {
		return s.cfg.FailStart
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("source already released")
	}
	s.started = true
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.started = false
	close(s.out)
	return nil
}

func (s *Source) Frames() <-chan frames.AudioFrame { return s.out }

func (s *Source) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Push injects one scripted audio frame. Muted frames are dropped the way
// a disabled track drops them.
func (s *Source) Push(data []byte, rate int) bool {
	s.mu.Lock()
	if !s.started || s.stopped || s.muted {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	f := frames.NewAudioFrame(s.cfg.StreamID, s.seq.Next(s.cfg.StreamID), data, rate, 1, map[string]string{
		frames.MetaSource: "mock",
	})
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

func (s *Source) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

var _ sources.AudioSource = (*Source)(nil)
var _ sources.Muter = (*Source)(nil)
