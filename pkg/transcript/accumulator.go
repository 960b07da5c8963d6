package transcript

import (
	"strings"
	"sync"

	"github.com/voxnote/voxnote/pkg/frames"
)

// UpdateFunc receives the current transcript views after each change.
type UpdateFunc func(finalText, interimText string)

// Accumulator folds a provider's ordered event stream into the two views
// the rest of the application relies on: an append-only final transcript
// and a volatile interim transcript replaced by each non-final event.
//
// An Accumulator is bound to exactly one session lifetime; events applied
// after Close are discarded.
type Accumulator struct {
	mu       sync.Mutex
	cfg      Config
	final    strings.Builder
	interim  string
	lastSeq  uint64
	closed   bool
	onUpdate UpdateFunc
	segments []string
}

type Config struct {
	// MaxSegments caps the retained final-segment history. Zero keeps the
	// default.
	MaxSegments int
}

func NewAccumulator(cfg Config) *Accumulator {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 64
	}
	return &Accumulator{cfg: cfg}
}

// OnUpdate registers the subscription callback. The callback runs outside
// the accumulator lock.
func (a *Accumulator) OnUpdate(fn UpdateFunc) {
	a.mu.Lock()
	a.onUpdate = fn
	a.mu.Unlock()
}

// Apply folds one frame into the transcript state. Non-transcript frames
// are ignored. Frames with a sequence index below the last applied one are
// dropped rather than reordered.
func (a *Accumulator) Apply(f frames.Frame) {
	tf, ok := f.(frames.TranscriptFrame)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.closed || tf.Seq() < a.lastSeq {
		a.mu.Unlock()
		return
	}
	a.lastSeq = tf.Seq()

	if tf.IsFinal() {
		a.final.WriteString(tf.Text())
		a.interim = ""
		a.appendSegment(tf.Text())
	} else {
		a.interim = tf.Text()
	}
	finalText := a.final.String()
	interimText := a.interim
	fn := a.onUpdate
	a.mu.Unlock()

	if fn != nil {
		fn(finalText, interimText)
	}
}

// ClearInterim drops any pending provisional text. Called on pause, since a
// backend may never deliver a trailing interim result after muting.
func (a *Accumulator) ClearInterim() {
	a.mu.Lock()
	if a.closed || a.interim == "" {
		a.mu.Unlock()
		return
	}
	a.interim = ""
	finalText := a.final.String()
	fn := a.onUpdate
	a.mu.Unlock()

	if fn != nil {
		fn(finalText, "")
	}
}

// Close seals the accumulator; later events are discarded. The final
// transcript stays readable.
func (a *Accumulator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.interim = ""
	finalText := a.final.String()
	fn := a.onUpdate
	a.mu.Unlock()

	if fn != nil {
		fn(finalText, "")
	}
}

// Final returns the append-only final transcript.
func (a *Accumulator) Final() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final.String()
}

// Interim returns the text of the most recent non-final event since the
// last final event, pause, or stop.
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Snapshot returns both views atomically.
func (a *Accumulator) Snapshot() (finalText, interimText string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final.String(), a.interim
}

// Segments returns the retained final segments, oldest first.
func (a *Accumulator) Segments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.segments))
	copy(out, a.segments)
	return out
}

func (a *Accumulator) appendSegment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.segments = append(a.segments, text)
	if len(a.segments) > a.cfg.MaxSegments {
		a.segments = a.segments[len(a.segments)-a.cfg.MaxSegments:]
	}
}
