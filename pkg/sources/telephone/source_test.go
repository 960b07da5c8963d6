package telephone

import (
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStopDoesNotRaceInFlightMedia(t *testing.T) {
	s := New("stream-race", Config{})
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.handleMedia(payload)
		}
	}()

	time.Sleep(time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	// The frames channel must be closed, with no sends after Stop.
	for range s.Frames() {
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestMutedMediaIsDropped(t *testing.T) {
	s := New("stream-muted", Config{})
	s.SetMuted(true)
	s.handleMedia(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))

	select {
	case f := <-s.Frames():
		t.Fatalf("muted source emitted frame seq %d", f.Seq())
	default:
	}
}

func TestVoiceWebhookURL(t *testing.T) {
	cfg := Config{PublicURL: "https://dictate.example.com/"}
	if got := cfg.VoiceWebhookURL(); got != "https://dictate.example.com/voice" {
		t.Fatalf("public url webhook = %q", got)
	}
	local := Config{ServerAddr: ":8080"}
	if got := local.VoiceWebhookURL(); !strings.HasPrefix(got, "http://localhost:8080") {
		t.Fatalf("local webhook = %q", got)
	}
}
