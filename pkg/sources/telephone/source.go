package telephone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/sources"
)

// Config configures the dial-in dictation endpoint.
type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	PublicURL  string `mapstructure:"public_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	VoicePath  string `mapstructure:"voice_path"`
	StreamPath string `mapstructure:"stream_path"`
	Greeting   string `mapstructure:"greeting"`
	// AcquireTimeout bounds how long Start waits for a caller's media
	// stream before reporting the device unavailable.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/stream"
	}
	if c.Greeting == "" {
		c.Greeting = "Start dictating your note after the tone."
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 60 * time.Second
	}
	return c
}

// Source captures dictation audio from a phone call via Twilio media
// streams. The voice webhook answers with TwiML that connects the call's
// audio to the stream websocket; media events carry base64 mulaw at 8 kHz.
// One source serves one call.
type Source struct {
	cfg      Config
	streamID string
	upgrader websocket.Upgrader
	server   *http.Server
	out      chan frames.AudioFrame
	seq      *frames.SeqGen
	logger   *slog.Logger

	attached chan error

	mu      sync.Mutex
	conn    *websocket.Conn
	callSID string
	from    string
	muted   bool
	started bool
	stopped bool
}

func New(streamID string, cfg Config) *Source {
	return &Source{
		cfg:      cfg.withDefaults(),
		streamID: streamID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		out:      make(chan frames.AudioFrame, 512),
		seq:      frames.NewSeqGen(),
		logger:   logging.NewComponentLogger(slog.Default(), "telephone_source"),
		attached: make(chan error, 1),
	}
}

func (s *Source) Name() string { return "telephone" }

// Start serves the voice webhook and media websocket, then blocks until a
// caller's stream starts or the acquire timeout elapses.
func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("telephone: source already used")
	}
	s.started = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.StreamPath, s)
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("telephone_server_error", slog.String("error", err.Error()))
		}
	}()

	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case err := <-s.attached:
		if err != nil {
			_ = s.shutdown()
			return err
		}
		return nil
	case <-timer.C:
		_ = s.shutdown()
		return fmt.Errorf("telephone: no caller within %s: %w", s.cfg.AcquireTimeout, sources.ErrDeviceUnavailable)
	case <-ctx.Done():
		_ = s.shutdown()
		return ctx.Err()
	}
}

func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.conn = nil
	// Senders hold the mutex across the stopped check and the channel
	// send, so closing under the same lock cannot race an in-flight
	// media event.
	close(s.out)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return s.shutdown()
}

func (s *Source) Frames() <-chan frames.AudioFrame { return s.out }

func (s *Source) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// CallSID returns the SID of the connected call, empty before attach.
func (s *Source) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

func (s *Source) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateRequest(r) {
		s.logger.Warn("telephone_invalid_signature")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	greeting := xmlEscape(strings.TrimSpace(s.cfg.Greeting))
	twiml := `<Response><Say>` + greeting + `</Say><Connect><Stream url="` + s.streamURL(r) + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.stopped || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			s.mu.Lock()
			s.callSID = evt.Start.CallSID
			s.from = evt.Start.From
			s.mu.Unlock()
			s.logger.Info("telephone_call_attached",
				slog.String("stream_id", s.streamID),
				slog.String("call_sid", evt.Start.CallSID))
			s.signalAttach(nil)
		case "media":
			if evt.Media == nil {
				continue
			}
			s.handleMedia(evt.Media.Payload)
		case "stop":
			s.logger.Info("telephone_call_ended", slog.String("stream_id", s.streamID))
			return
		}
	}
}

func (s *Source) handleMedia(payload string) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "telephone",
		"encoding":        "mulaw",
	}
	f := frames.NewAudioFrameFromPool(s.streamID, s.seq.Next(s.streamID), data, 8000, 1, meta)
	s.mu.Lock()
	if s.muted || s.stopped {
		s.mu.Unlock()
		frames.ReleaseAudioFrame(f)
		return
	}
	select {
	case s.out <- f:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		frames.ReleaseAudioFrame(f)
		s.logger.Warn("telephone_frames_channel_full", slog.String("stream_id", s.streamID))
	}
}

func (s *Source) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Source) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Source) streamURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.StreamPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.StreamPath
}

func (s *Source) VoiceWebhookURL() string { return s.cfg.VoiceWebhookURL() }

// VoiceWebhookURL returns the URL Twilio should post call webhooks to.
func (c Config) VoiceWebhookURL() string {
	c = c.withDefaults()
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL) + c.VoicePath
	}
	addr := c.ServerAddr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + c.VoicePath
}

func (s *Source) signalAttach(err error) {
	select {
	case s.attached <- err:
	default:
	}
}

func (s *Source) shutdown() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

type streamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type streamMedia struct {
	Payload string `json:"payload"`
}

type streamEvent struct {
	Event string       `json:"event"`
	Start *streamStart `json:"start,omitempty"`
	Media *streamMedia `json:"media,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

var _ sources.AudioSource = (*Source)(nil)
var _ sources.Muter = (*Source)(nil)
