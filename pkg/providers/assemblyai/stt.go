package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/configutil"
	"github.com/voxnote/voxnote/pkg/errorsx"
	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/resilience"
)

const defaultEndpoint = "wss://api.assemblyai.com/v2/realtime/ws"

// Settings are the backend-specific options for AssemblyAI realtime.
type Settings struct {
	Endpoint           string   `mapstructure:"endpoint"`
	WordBoost          []string `mapstructure:"word_boost"`
	MaxReconnects      int      `mapstructure:"max_reconnects"`
	ReconnectBackoffMS int      `mapstructure:"reconnect_backoff_ms"`
}

type realtimeMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error,omitempty"`
}

type audioMessage struct {
	AudioData string `json:"audio_data"`
}

// Provider streams audio to AssemblyAI's realtime transcription websocket.
// PartialTranscript messages map to interim events, FinalTranscript to
// finals.
type Provider struct {
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
	conn        *websocket.Conn
	initialized bool
	started     bool
	cleaned     bool
	readDone    chan struct{}
}

func New() *Provider {
	return &Provider{
		out:    make(chan frames.Frame, 256),
		seq:    frames.NewSeqGen(),
		logger: logging.NewComponentLogger(slog.Default(), "assemblyai_stt"),
	}
}

func (p *Provider) Name() string { return "assemblyai_stt" }

func (p *Provider) Initialize(opts stt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if opts.Credential == "" {
		return stt.ConfigurationError{Provider: p.Name(), Field: "credential"}
	}
	schema := configutil.Schema{
		Optional: []string{"endpoint", "word_boost", "max_reconnects", "reconnect_backoff_ms"},
	}
	if err := configutil.ValidateSettings(opts.Settings, schema); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	var s Settings
	if err := configutil.DecodeSettings(opts.Settings, &s); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	if s.Endpoint == "" {
		s.Endpoint = defaultEndpoint
	}
	if s.MaxReconnects <= 0 {
		s.MaxReconnects = 3
	}
	if s.ReconnectBackoffMS <= 0 {
		s.ReconnectBackoffMS = 500
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	p.settings = s
	p.opts = opts
	p.retry = resilience.NewRetryPolicy(s.MaxReconnects, time.Duration(s.ReconnectBackoffMS)*time.Millisecond)
	p.breaker = resilience.NewCircuitBreaker(s.MaxReconnects, 30*time.Second)
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
		return stt.ConfigurationError{Provider: p.Name(), Field: "credential", Msg: "not initialized"}
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("assemblyai: connect: %w", err), errorsx.ReasonBackendConnect)
	}

	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.conn = conn
	p.started = true
	p.readDone = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("assemblyai_connected",
		slog.String("stream_id", p.opts.StreamID),
		slog.Int("sample_rate", p.opts.SampleRate))

	go p.readLoop()
	return nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	conn := p.conn
	done := p.readDone
	cancel := p.cancel
	p.mu.Unlock()

	// A terminate message makes the backend flush its last final before
	// closing the session.
	if conn != nil {
		p.mu.Lock()
		_ = conn.WriteJSON(map[string]bool{"terminate_session": true})
		p.mu.Unlock()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
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
	conn := p.conn
	started := p.started
	p.mu.Unlock()
	if !started || conn == nil {
		return errorsx.Wrap(fmt.Errorf("assemblyai: not started"), errorsx.ReasonBackendSend)
	}
	msg := audioMessage{AudioData: base64.StdEncoding.EncodeToString(frame.RawPayload())}
	p.mu.Lock()
	err := conn.WriteJSON(msg)
	p.mu.Unlock()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBackendSend)
	}
	return nil
}

func (p *Provider) Events() <-chan frames.Frame { return p.out }

func (p *Provider) dial() (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?sample_rate=%d", p.settings.Endpoint, p.opts.SampleRate)
	if len(p.settings.WordBoost) > 0 {
		if boost, err := json.Marshal(p.settings.WordBoost); err == nil {
			url += "&word_boost=" + neturl.QueryEscape(string(boost))
		}
	}
	header := http.Header{}
	header.Set("Authorization", p.opts.Credential)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.RateLimitError{Provider: p.Name(), Message: "realtime session limit reached"}
		}
		return nil, err
	}
	return conn, nil
}

func (p *Provider) readLoop() {
	defer func() {
		p.mu.Lock()
		done := p.readDone
		p.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			p.emitControl(frames.ControlStopped, "closed")
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if p.stopping() {
				p.emitControl(frames.ControlStopped, "closed")
				return
			}
			if !p.reconnect(err) {
				return
			}
			continue
		}

		var res realtimeMessage
		if err := json.Unmarshal(msg, &res); err != nil {
			p.logger.Warn("assemblyai_bad_message", slog.String("error", err.Error()))
			continue
		}
		switch res.MessageType {
		case "PartialTranscript", "FinalTranscript":
			if res.Text == "" {
				continue
			}
			final := res.MessageType == "FinalTranscript"
			p.emit(frames.NewTranscriptFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), res.Text, final, map[string]string{
				frames.MetaProvider: p.Name(),
			}))
			if final {
				p.emitControl(frames.ControlFlush, "final_transcript")
			}
		case "SessionTerminated":
			p.emitControl(frames.ControlStopped, "session_terminated")
			return
		case "SessionBegins":
			// Session metadata only.
		default:
			if res.Error != "" {
				p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID),
					errorsx.Wrap(fmt.Errorf("assemblyai: %s", res.Error), errorsx.ReasonBackendSend),
					map[string]string{frames.MetaProvider: p.Name()}))
			}
		}
	}
}

func (p *Provider) reconnect(cause error) bool {
	if !p.breaker.Allow() {
		p.degrade(cause)
		return false
	}
	p.logger.Warn("assemblyai_stream_lost",
		slog.String("error", cause.Error()),
		slog.String("stream_id", p.opts.StreamID))

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	err := p.retry.DoCtx(ctx, func() error {
		if p.stopping() {
			return context.Canceled
		}
		conn, err := p.dial()
		if err != nil {
			return err
		}
		p.mu.Lock()
		old := p.conn
		p.conn = conn
		p.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		return nil
	})
	if err != nil {
		if p.stopping() {
			p.emitControl(frames.ControlStopped, "closed")
			return false
		}
		p.breaker.OnError(err)
		p.degrade(err)
		return false
	}
	p.breaker.OnSuccess()
	p.emitControl(frames.ControlReconnected, "backend_reconnect")
	return true
}

func (p *Provider) degrade(cause error) {
	reason := errorsx.ReasonBackendReconnect
	if resilience.IsRateLimit(cause) {
		reason = errorsx.ReasonBackendRateLimit
	}
	err := errorsx.Wrap(fmt.Errorf("assemblyai: reconnect failed: %w", cause), reason)
	p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), err, map[string]string{
		frames.MetaProvider: p.Name(),
	}))
	p.emitControl(frames.ControlDegraded, string(reason))
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
		p.logger.Warn("assemblyai_events_channel_full", slog.String("stream_id", p.opts.StreamID))
	}
}

func (p *Provider) emitControl(code frames.ControlCode, reason string) {
	p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), code, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   reason,
	}))
}

var _ stt.TranscriptionProvider = (*Provider)(nil)
