// Package session implements the capture session state machine that ties an
// audio source to a transcription provider and folds the provider's events
// into a transcript.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/errorsx"
	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/metrics"
	"github.com/voxnote/voxnote/pkg/sources"
	"github.com/voxnote/voxnote/pkg/transcript"
)

// State identifies a capture session lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

func (s State) String() string { return string(s) }

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to the StateListener interface.
type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents a rejected state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}

// Config carries the identity and collaborators of one capture session.
type Config struct {
	SessionID string
	StreamID  string

	Logger   *slog.Logger
	Observer metrics.Observer

	// Clock is injectable for elapsed-time tests. Defaults to time.Now.
	Clock func() time.Time

	// DrainTimeout bounds how long Stop waits for the trailing final
	// transcript after the provider acknowledges shutdown.
	DrainTimeout time.Duration

	Transcript transcript.Config
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	return c
}

// CaptureSession owns one source and one provider for the duration of a
// recording. It is safe for concurrent use.
//
// Lifecycle: Idle -> Recording <-> Paused -> Stopped. Stopped is terminal;
// Reset forces a session back to Idle without tearing the provider down so
// the instance can be reused from the registry cache.
type CaptureSession struct {
	cfg      Config
	source   sources.AudioSource
	provider stt.TranscriptionProvider
	acc      *transcript.Accumulator
	log      *slog.Logger
	obs      metrics.Observer
	now      func() time.Time

	mu          sync.Mutex
	state       State
	starting    bool
	degraded    bool
	runStarted  time.Time
	accumulated time.Duration
	listeners   []StateListener
	cancel      context.CancelFunc
	drained     chan struct{}
	detach      chan struct{}
	wg          sync.WaitGroup

	paused atomic.Bool
}

// New builds an Idle capture session around src and provider. The provider
// must already be initialized; Start will bring both ends up.
func New(src sources.AudioSource, provider stt.TranscriptionProvider, cfg Config) *CaptureSession {
	cfg = cfg.withDefaults()
	return &CaptureSession{
		cfg:      cfg,
		source:   src,
		provider: provider,
		acc:      transcript.NewAccumulator(cfg.Transcript),
		log:      logging.NewComponentLogger(cfg.Logger, "session").With(slog.String("session_id", cfg.SessionID)),
		obs:      cfg.Observer,
		now:      cfg.Clock,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *CaptureSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the provider exhausted its recovery budget and
// the session is recording without live transcription.
func (s *CaptureSession) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// AddListener registers a listener for state change events.
func (s *CaptureSession) AddListener(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// OnTranscriptUpdate registers the transcript subscription callback. The
// callback receives the full final text and the current interim text after
// every change, outside any session lock.
func (s *CaptureSession) OnTranscriptUpdate(fn transcript.UpdateFunc) {
	s.acc.OnUpdate(fn)
}

// Final returns the accumulated final transcript.
func (s *CaptureSession) Final() string { return s.acc.Final() }

// Interim returns the current provisional transcript, empty outside
// Recording.
func (s *CaptureSession) Interim() string { return s.acc.Interim() }

// ElapsedSeconds returns whole seconds of active recording time. Paused
// spans do not count; the value freezes while Paused and after Stop.
func (s *CaptureSession) ElapsedSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.elapsedLocked().Seconds())
}

func (s *CaptureSession) elapsedLocked() time.Duration {
	d := s.accumulated
	if s.state == StateRecording {
		d += s.now().Sub(s.runStarted)
	}
	return d
}

// transitionValid checks whether a state transition is allowed (lock held).
func (s *CaptureSession) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateIdle:      {StateRecording},
		StateRecording: {StatePaused, StateStopped},
		StatePaused:    {StateRecording, StateStopped},
		StateStopped:   {},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves to a new state with validation (lock held on entry;
// released while notifying listeners, re-acquired before returning).
func (s *CaptureSession) transition(to State, reason string) error {
	if !s.transitionValid(s.state, to) {
		return &InvalidTransitionError{From: s.state, To: to}
	}

	from := s.state
	s.state = to
	event := StateChange{FromState: from, ToState: to, Timestamp: s.now(), Reason: reason}

	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Info("state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	s.recordEvent("state_change", 1, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	}, nil)
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}

	s.mu.Lock()
	return nil
}

// Start acquires the audio source, starts the provider, and begins pumping
// frames. On any failure the session rolls back to Idle with the source
// released.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle || s.starting {
		defer s.mu.Unlock()
		return &InvalidTransitionError{From: s.state, To: StateRecording}
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if err := s.source.Start(ctx); err != nil {
		s.log.Error("source start failed", slog.Any("error", err))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.provider.Start(runCtx); err != nil {
		cancel()
		// Roll back: the source must not be left held.
		if serr := s.source.Stop(); serr != nil {
			s.log.Warn("source release after failed start", slog.Any("error", serr))
		}
		s.log.Error("provider start failed", slog.Any("error", err))
		return errorsx.Wrap(err, errorsx.ReasonBackendConnect)
	}

	s.mu.Lock()
	s.cancel = cancel
	drained := make(chan struct{})
	s.drained = drained
	detach := make(chan struct{})
	s.detach = detach
	s.accumulated = 0
	s.runStarted = s.now()
	s.degraded = false
	s.paused.Store(false)
	if err := s.transition(StateRecording, "start"); err != nil {
		s.mu.Unlock()
		cancel()
		_ = s.source.Stop()
		return err
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pump(runCtx)
	go s.consumeEvents(detach, drained)
	return nil
}

// Pause mutes capture and freezes the elapsed clock. The backend stream
// stays open so Resume never re-acquires anything; the interim transcript
// is cleared because it may never be finalized.
func (s *CaptureSession) Pause() error {
	s.mu.Lock()
	if !s.transitionValid(s.state, StatePaused) {
		defer s.mu.Unlock()
		return &InvalidTransitionError{From: s.state, To: StatePaused}
	}
	s.accumulated += s.now().Sub(s.runStarted)
	_ = s.transition(StatePaused, "pause")
	s.mu.Unlock()

	s.paused.Store(true)
	sources.Mute(s.source, true)
	s.acc.ClearInterim()
	return nil
}

// Resume unmutes capture and restarts the elapsed clock.
func (s *CaptureSession) Resume() error {
	s.mu.Lock()
	if !s.transitionValid(s.state, StateRecording) {
		defer s.mu.Unlock()
		return &InvalidTransitionError{From: s.state, To: StateRecording}
	}
	s.runStarted = s.now()
	_ = s.transition(StateRecording, "resume")
	s.mu.Unlock()

	s.paused.Store(false)
	sources.Mute(s.source, false)
	return nil
}

// Stop ends the session: the provider flushes its trailing final result,
// the accumulator is sealed, and the source is fully released. Stopped is
// terminal; calling Stop again is a no-op.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateRecording {
		s.accumulated += s.now().Sub(s.runStarted)
	}
	if err := s.transition(StateStopped, "stop"); err != nil {
		s.mu.Unlock()
		return err
	}
	drained := s.drained
	cancel := s.cancel
	s.mu.Unlock()

	s.paused.Store(true)

	var firstErr error
	if err := s.provider.Stop(); err != nil {
		s.log.Warn("provider stop", slog.Any("error", err))
		firstErr = err
	}

	// Wait for the trailing final transcript before sealing the views.
	if drained != nil {
		select {
		case <-drained:
		case <-time.After(s.cfg.DrainTimeout):
			s.log.Warn("transcript drain timed out")
		}
	}
	// The consumer normally exits on the provider's terminal frame; a
	// provider that never delivers one must not leave a consumer competing
	// with the next session on a cached instance.
	s.detachConsumer()
	s.acc.Close()

	if err := s.source.Stop(); err != nil {
		s.log.Warn("source stop", slog.Any("error", err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if cancel != nil {
		cancel()
	}
	return firstErr
}

// Reset forces the session back to Idle from any state, releasing the
// source but deliberately leaving the provider untouched so a cached
// instance survives for the next session.
func (s *CaptureSession) Reset() {
	s.mu.Lock()
	from := s.state
	if from == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.accumulated = 0
	s.degraded = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.paused.Store(true)
	if cancel != nil {
		cancel()
	}
	// The provider stays up for the next session, so the event consumer
	// must let go of its channel here; a reset session never folds in
	// another session's transcript.
	s.detachConsumer()
	if err := s.source.Stop(); err != nil {
		s.log.Warn("source stop on reset", slog.Any("error", err))
	}
	s.acc.ClearInterim()

	s.log.Info("session reset", slog.String("from", from.String()))
	s.recordEvent("state_change", 1, map[string]string{
		"from": from.String(),
		"to":   StateIdle.String(),
	}, map[string]any{"forced": true})
}

// Wait blocks until the frame pump and event consumer have exited. Useful
// in tests and shutdown paths.
func (s *CaptureSession) Wait() {
	s.wg.Wait()
}

// pump forwards captured audio to the provider, dropping frames while the
// session is paused.
func (s *CaptureSession) pump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.source.Frames():
			if !ok {
				return
			}
			if s.paused.Load() {
				frames.ReleaseAudioFrame(f)
				continue
			}
			if err := s.provider.SendAudio(f); err != nil {
				s.log.Warn("send audio", slog.Any("error", err))
			}
		}
	}
}

// consumeEvents folds the provider's event stream into the transcript and
// reacts to control and error frames. It exits when the provider signals
// terminal shutdown, closes its channel, or the session detaches the
// consumer (Reset, or Stop on a provider that never acknowledged). The
// drained channel belongs to this run alone and is closed on exit.
func (s *CaptureSession) consumeEvents(detach <-chan struct{}, drained chan struct{}) {
	defer s.wg.Done()
	defer close(drained)

	events := s.provider.Events()
	for {
		var f frames.Frame
		var ok bool
		select {
		case <-detach:
			return
		case f, ok = <-events:
			if !ok {
				return
			}
		}
		select {
		case <-detach:
			// The frame raced the detach; it belongs to no session now.
			return
		default:
		}
		switch f.Kind() {
		case frames.KindTranscript:
			s.applyTranscript(f)
		case frames.KindControl:
			cf, ok := f.(frames.ControlFrame)
			if !ok {
				continue
			}
			if s.handleControl(cf) {
				return
			}
		case frames.KindError:
			ef, ok := f.(frames.ErrorFrame)
			if !ok {
				continue
			}
			s.log.Error("provider error",
				slog.Any("error", ef.Err()),
				slog.String("reason", string(errorsx.Reason(ef.Err()))))
			s.recordEvent("provider_error", 1, map[string]string{
				"reason": string(errorsx.Reason(ef.Err())),
			}, nil)
		}
	}
}

func (s *CaptureSession) applyTranscript(f frames.Frame) {
	tf, ok := f.(frames.TranscriptFrame)
	if !ok {
		return
	}
	// A final emitted while paused is retained: it closes out speech
	// captured before the pause. Interims are not.
	if s.paused.Load() && !tf.IsFinal() {
		return
	}
	s.acc.Apply(tf)
	if tf.IsFinal() {
		s.recordEvent("transcript_final", float64(len(tf.Text())), nil, map[string]any{
			"text": tf.Text(),
		})
	}
}

// handleControl reacts to one control frame; it returns true when the
// provider signalled terminal shutdown.
func (s *CaptureSession) handleControl(cf frames.ControlFrame) bool {
	switch cf.Code() {
	case frames.ControlReconnected:
		s.log.Info("provider reconnected")
		s.recordEvent("reconnect", 1, nil, nil)
	case frames.ControlDegraded:
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		s.log.Warn("transcription degraded, recording continues")
		s.recordEvent("degraded", 1, nil, nil)
	case frames.ControlStopped:
		return true
	}
	return false
}

// detachConsumer releases the event consumer from the provider's channel
// without touching the provider itself. Idempotent.
func (s *CaptureSession) detachConsumer() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		close(detach)
	}
}

func (s *CaptureSession) recordEvent(name string, value float64, tags map[string]string, fields map[string]any) {
	merged := map[string]string{
		"session_id": s.cfg.SessionID,
		"stream_id":  s.cfg.StreamID,
	}
	for k, v := range tags {
		merged[k] = v
	}
	s.obs.RecordEvent(metrics.Event{
		Name:   name,
		Time:   s.now(),
		Value:  value,
		Tags:   merged,
		Fields: fields,
	})
}
