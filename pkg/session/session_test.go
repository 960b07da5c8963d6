package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/frames"
	mockstt "github.com/voxnote/voxnote/pkg/providers/mock"
	"github.com/voxnote/voxnote/pkg/sources"
	mocksrc "github.com/voxnote/voxnote/pkg/sources/mock"
)

// fakeClock is a manually advanced clock for elapsed-time tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T, src sources.AudioSource, p *mockstt.Provider, clk *fakeClock) *CaptureSession {
	t.Helper()
	err := p.Initialize(stt.Options{
		SessionID:  "sess-test",
		StreamID:   "stream-test",
		SampleRate: 16000,
		Channels:   1,
		Continuous: true,
		Interim:    true,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return New(src, p, Config{
		SessionID:    "sess-test",
		StreamID:     "stream-test",
		Clock:        clk.Now,
		DrainTimeout: 500 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartTransitionsToRecording(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if sess.State() != StateIdle {
		t.Fatalf("new session should be idle, got %s", sess.State())
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State() != StateRecording {
		t.Fatalf("expected recording, got %s", sess.State())
	}
	if !src.Started() {
		t.Fatal("source should have been acquired")
	}
	if prov.StartCalls() != 1 {
		t.Fatalf("provider start calls = %d", prov.StartCalls())
	}
	if err := sess.Start(context.Background()); err == nil {
		t.Fatal("second start should be rejected")
	}
	_ = sess.Stop()
}

func TestSourceStartFailureLeavesIdle(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{FailStart: sources.ErrPermissionDenied})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	err := sess.Start(context.Background())
	if !errors.Is(err, sources.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("expected idle after failed start, got %s", sess.State())
	}
	if prov.StartCalls() != 0 {
		t.Fatal("provider must not start when the mic is refused")
	}
}

func TestProviderStartFailureReleasesSource(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	failErr := errors.New("backend unreachable")
	prov := mockstt.New(mockstt.Config{FailStart: failErr})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	err := sess.Start(context.Background())
	if !errors.Is(err, failErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("expected idle, got %s", sess.State())
	}
	if !src.Stopped() {
		t.Fatal("source must be released when the provider fails to start")
	}
}

func TestTranscriptFlowInterimThenFinal(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{
		Transcript:        "hello ",
		InterimTranscript: "hel",
		EmitInterim:       true,
	})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	var mu sync.Mutex
	var lastFinal, lastInterim string
	sess.OnTranscriptUpdate(func(finalText, interimText string) {
		mu.Lock()
		lastFinal, lastInterim = finalText, interimText
		mu.Unlock()
	})

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !src.Push([]byte{1, 2, 3, 4}, 16000) {
		t.Fatal("push failed")
	}

	waitFor(t, time.Second, func() bool { return sess.Final() == "hello " })
	if sess.Interim() != "" {
		t.Fatalf("interim should clear after final, got %q", sess.Interim())
	}
	mu.Lock()
	if lastFinal != "hello " || lastInterim != "" {
		mu.Unlock()
		t.Fatalf("callback saw final=%q interim=%q", lastFinal, lastInterim)
	}
	mu.Unlock()
	_ = sess.Stop()
}

func TestPauseResumeStopAccumulatesTranscript(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	prov.Emit(frames.NewTranscriptFrame("stream-test", prov.NextSeq(), "hel", false, nil))
	prov.Emit(frames.NewTranscriptFrame("stream-test", prov.NextSeq(), "hello ", true, nil))
	waitFor(t, time.Second, func() bool { return sess.Final() == "hello " })

	clk.Advance(3 * time.Second)
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !src.Muted() {
		t.Fatal("pause must mute the source, not release it")
	}
	if src.Stopped() {
		t.Fatal("pause must not stop the source")
	}
	if got := sess.ElapsedSeconds(); got != 3 {
		t.Fatalf("elapsed while paused = %d, want 3", got)
	}
	clk.Advance(10 * time.Second)
	if got := sess.ElapsedSeconds(); got != 3 {
		t.Fatalf("elapsed must freeze while paused, got %d", got)
	}

	if err := sess.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if src.Muted() {
		t.Fatal("resume must unmute the source")
	}
	clk.Advance(2 * time.Second)
	if got := sess.ElapsedSeconds(); got != 5 {
		t.Fatalf("elapsed after resume = %d, want 5", got)
	}

	prov.Emit(frames.NewTranscriptFrame("stream-test", prov.NextSeq(), "world", true, nil))
	waitFor(t, time.Second, func() bool { return sess.Final() == "hello world" })

	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sess.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", sess.State())
	}
	if sess.Final() != "hello world" {
		t.Fatalf("final = %q", sess.Final())
	}
	if sess.Interim() != "" {
		t.Fatalf("interim must be empty after stop, got %q", sess.Interim())
	}
	if !src.Stopped() {
		t.Fatal("stop must release the source")
	}
	if got := sess.ElapsedSeconds(); got != 5 {
		t.Fatalf("elapsed after stop = %d, want 5", got)
	}
}

func TestPauseClearsInterim(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	prov.Emit(frames.NewTranscriptFrame("stream-test", prov.NextSeq(), "half a tho", false, nil))
	waitFor(t, time.Second, func() bool { return sess.Interim() == "half a tho" })

	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if sess.Interim() != "" {
		t.Fatalf("pause must clear interim, got %q", sess.Interim())
	}
	_ = sess.Stop()
}

func TestStopFromPausedReleasesSourceOnce(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(time.Second)
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if src.StopCalls() != 1 {
		t.Fatalf("stop calls = %d, want 1", src.StopCalls())
	}
	// Stopped is terminal: a second stop is a no-op.
	if err := sess.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if src.StopCalls() != 1 {
		t.Fatalf("second stop must not touch the source, calls = %d", src.StopCalls())
	}
	if prov.StopCalls() != 1 {
		t.Fatalf("provider stop calls = %d, want 1", prov.StopCalls())
	}
	if err := sess.Resume(); err == nil {
		t.Fatal("resume after stop must fail")
	}
}

func TestInvalidTransitions(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	var invalid *InvalidTransitionError
	if err := sess.Pause(); !errors.As(err, &invalid) {
		t.Fatalf("pause from idle: %v", err)
	}
	if err := sess.Resume(); !errors.As(err, &invalid) {
		t.Fatalf("resume from idle: %v", err)
	}

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Resume(); !errors.As(err, &invalid) {
		t.Fatalf("resume while recording: %v", err)
	}
	_ = sess.Stop()
}

func TestDegradedKeepsRecording(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	prov.Emit(frames.NewErrorFrame("stream-test", prov.NextSeq(), errors.New("socket reset"), nil))
	prov.Emit(frames.NewControlFrame("stream-test", prov.NextSeq(), frames.ControlDegraded, nil))
	waitFor(t, time.Second, func() bool { return sess.Degraded() })

	if sess.State() != StateRecording {
		t.Fatalf("degraded session must keep recording, got %s", sess.State())
	}
	_ = sess.Stop()
}

func TestReconnectDoesNotChangeState(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	var changes int
	sess.AddListener(StateListenerFunc(func(StateChange) { changes++ }))

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	prov.Emit(frames.NewControlFrame("stream-test", prov.NextSeq(), frames.ControlReconnected, nil))
	prov.Emit(frames.NewTranscriptFrame("stream-test", prov.NextSeq(), "still here", true, nil))
	waitFor(t, time.Second, func() bool { return sess.Final() == "still here" })

	if sess.State() != StateRecording {
		t.Fatalf("reconnect must not change state, got %s", sess.State())
	}
	_ = sess.Stop()
}

func TestResetForcesIdleWithoutProviderTeardown(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(4 * time.Second)
	sess.Reset()

	if sess.State() != StateIdle {
		t.Fatalf("expected idle after reset, got %s", sess.State())
	}
	if sess.ElapsedSeconds() != 0 {
		t.Fatalf("reset must clear elapsed, got %d", sess.ElapsedSeconds())
	}
	if !src.Stopped() {
		t.Fatal("reset must release the source")
	}
	if prov.StopCalls() != 0 || prov.CleanupCalls() != 0 {
		t.Fatal("reset must leave the provider untouched")
	}
}

func TestPausedFramesAreDropped(t *testing.T) {
	// A source without the Muter capability still stops feeding the
	// provider while paused: the pump drops its frames.
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{Transcript: "should not appear"})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Bypass the mock's own mute gate to simulate a capability-less source.
	src.SetMuted(false)
	src.Push([]byte{9, 9}, 16000)

	time.Sleep(50 * time.Millisecond)
	if sess.Final() != "" {
		t.Fatalf("paused audio must not reach the provider, got %q", sess.Final())
	}
	_ = sess.Stop()
}

func TestStateChangeListenerSequence(t *testing.T) {
	src := mocksrc.New(mocksrc.Config{})
	prov := mockstt.New(mockstt.Config{})
	clk := newFakeClock()
	sess := newTestSession(t, src, prov, clk)

	var mu sync.Mutex
	var seen []State
	sess.AddListener(StateListenerFunc(func(ev StateChange) {
		mu.Lock()
		seen = append(seen, ev.ToState)
		mu.Unlock()
	}))

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := sess.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRecording, StatePaused, StateRecording, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("state sequence %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", seen, want)
		}
	}
}

// silentStopProvider never acknowledges Stop with a terminal frame,
// mimicking a hung backend.
type silentStopProvider struct {
	*mockstt.Provider
}

func (silentStopProvider) Stop() error { return nil }

func TestResetDetachesConsumerSoProviderCanBeReused(t *testing.T) {
	prov := mockstt.New(mockstt.Config{StreamID: "stream-shared"})
	clk := newFakeClock()

	src1 := mocksrc.New(mocksrc.Config{})
	sess1 := newTestSession(t, src1, prov, clk)
	if err := sess1.Start(context.Background()); err != nil {
		t.Fatalf("start first session: %v", err)
	}
	sess1.Reset()

	done := make(chan struct{})
	go func() {
		sess1.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event consumer did not let go of the provider on reset")
	}

	src2 := mocksrc.New(mocksrc.Config{})
	sess2 := New(src2, prov, Config{
		SessionID:    "sess-next",
		StreamID:     "stream-shared",
		Clock:        clk.Now,
		DrainTimeout: 500 * time.Millisecond,
	})
	if err := sess2.Start(context.Background()); err != nil {
		t.Fatalf("start second session: %v", err)
	}

	want := ""
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("w%d ", i)
		if !prov.Emit(frames.NewTranscriptFrame("stream-shared", prov.NextSeq(), text, true, nil)) {
			t.Fatalf("emit final %d rejected", i)
		}
		want += text
	}

	waitFor(t, 2*time.Second, func() bool { return sess2.Final() == want })
	if got := sess1.Final(); got != "" {
		t.Fatalf("reset session folded in %q", got)
	}
	if err := sess2.Stop(); err != nil {
		t.Fatalf("stop second session: %v", err)
	}
}

func TestStopDetachesConsumerWhenProviderNeverAcknowledges(t *testing.T) {
	inner := mockstt.New(mockstt.Config{StreamID: "stream-hung"})
	prov := silentStopProvider{inner}
	clk := newFakeClock()

	src := mocksrc.New(mocksrc.Config{})
	if err := inner.Initialize(stt.Options{SessionID: "sess-hung", StreamID: "stream-hung", SampleRate: 16000}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sess := New(src, prov, Config{
		SessionID:    "sess-hung",
		StreamID:     "stream-hung",
		Clock:        clk.Now,
		DrainTimeout: 100 * time.Millisecond,
	})
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event consumer leaked past stop on an unacknowledging provider")
	}
}
