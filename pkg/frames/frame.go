package frames

import (
	"sync"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindControl    Kind = "control"
	KindError      Kind = "error"
)

type ControlCode string

const (
	// ControlFlush signals that the backend considers the current utterance done.
	ControlFlush ControlCode = "flush"
	// ControlReconnected is emitted by a provider after an internal reconnect.
	ControlReconnected ControlCode = "reconnected"
	// ControlDegraded marks the stream as running with a degraded backend.
	ControlDegraded ControlCode = "degraded"
	// ControlStopped is the last frame a provider emits for a session.
	ControlStopped ControlCode = "stopped"
)

const (
	MetaSessionID = "session_id"
	MetaStreamID  = "stream_id"
	MetaSource    = "source"
	MetaProvider  = "provider"
	MetaReason    = "reason"
)

type Frame interface {
	Kind() Kind
	Seq() uint64
	Meta() map[string]string
}

type AudioFrame struct {
	seq    uint64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:  seq,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func NewAudioFrameFromPool(streamID string, seq uint64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:    seq,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Seq() uint64             { return a.seq }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// TranscriptFrame carries one transcription result. A final frame is never
// revised; a non-final frame may be superseded by any later frame with the
// same or a higher sequence index.
type TranscriptFrame struct {
	seq   uint64
	text  string
	final bool
	meta  map[string]string
}

func NewTranscriptFrame(streamID string, seq uint64, text string, final bool, meta map[string]string) TranscriptFrame {
	return TranscriptFrame{
		seq:   seq,
		text:  text,
		final: final,
		meta:  mergeMeta(streamID, meta),
	}
}

func (t TranscriptFrame) Kind() Kind              { return KindTranscript }
func (t TranscriptFrame) Seq() uint64             { return t.seq }
func (t TranscriptFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptFrame) Text() string            { return t.text }
func (t TranscriptFrame) IsFinal() bool           { return t.final }

type ControlFrame struct {
	seq  uint64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, seq uint64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		seq:  seq,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Seq() uint64             { return c.seq }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// ErrorFrame delivers a mid-stream backend failure on the same channel as
// transcript frames, since no caller is synchronously waiting on the stream.
type ErrorFrame struct {
	seq  uint64
	err  error
	meta map[string]string
}

func NewErrorFrame(streamID string, seq uint64, err error, meta map[string]string) ErrorFrame {
	return ErrorFrame{
		seq:  seq,
		err:  err,
		meta: mergeMeta(streamID, meta),
	}
}

func (e ErrorFrame) Kind() Kind              { return KindError }
func (e ErrorFrame) Seq() uint64             { return e.seq }
func (e ErrorFrame) Meta() map[string]string { return cloneMeta(e.meta) }
func (e ErrorFrame) Err() error              { return e.err }

func (e ErrorFrame) Error() string {
	if e.err == nil {
		return "stream error"
	}
	return e.err.Error()
}

// SeqGen hands out monotonically increasing sequence indexes per stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]uint64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]uint64)}
}

func (g *SeqGen) Next(streamID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + 1
	g.value[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
