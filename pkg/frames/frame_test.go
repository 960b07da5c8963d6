package frames

import (
	"errors"
	"testing"
)

func TestSeqGenMonotonicPerStream(t *testing.T) {
	g := NewSeqGen()
	a1 := g.Next("a")
	a2 := g.Next("a")
	b1 := g.Next("b")
	if a2 <= a1 {
		t.Fatalf("sequence not increasing: %d then %d", a1, a2)
	}
	if b1 != a1 {
		t.Fatalf("streams must count independently: a started at %d, b at %d", a1, b1)
	}
}

func TestAudioFrameDataIsCopied(t *testing.T) {
	buf := []byte{1, 2, 3}
	f := NewAudioFrame("s1", 1, buf, 16000, 1, nil)
	got := f.Data()
	got[0] = 99
	if f.Data()[0] != 1 {
		t.Fatal("Data must return a copy")
	}
}

func TestMetaCarriesStreamID(t *testing.T) {
	f := NewTranscriptFrame("s1", 1, "hi", true, map[string]string{MetaProvider: "x"})
	meta := f.Meta()
	if meta[MetaStreamID] != "s1" {
		t.Fatalf("meta = %v", meta)
	}
	if meta[MetaProvider] != "x" {
		t.Fatalf("meta = %v", meta)
	}
	// Mutating the returned map must not affect the frame.
	meta[MetaProvider] = "y"
	if f.Meta()[MetaProvider] != "x" {
		t.Fatal("Meta must return a copy")
	}
}

func TestPooledAudioFrameRoundTrip(t *testing.T) {
	payload := []byte{9, 8, 7, 6}
	f := NewAudioFrameFromPool("s1", 1, payload, 8000, 1, nil)
	if f.Rate() != 8000 || f.Channels() != 1 {
		t.Fatalf("rate=%d channels=%d", f.Rate(), f.Channels())
	}
	if len(f.RawPayload()) != len(payload) {
		t.Fatalf("payload length = %d", len(f.RawPayload()))
	}
	if !ReleaseAudioFrame(f) {
		t.Fatal("pooled frame must be releasable")
	}
	if ReleaseAudioFrame(NewControlFrame("s1", 2, ControlFlush, nil)) {
		t.Fatal("non-audio frames are not releasable")
	}
}

func TestErrorFrameImplementsError(t *testing.T) {
	cause := errors.New("socket reset")
	f := NewErrorFrame("s1", 3, cause, nil)
	var err error = f
	if !errors.Is(f.Err(), cause) {
		t.Fatal("cause lost")
	}
	if err.Error() == "" {
		t.Fatal("empty error string")
	}
}
