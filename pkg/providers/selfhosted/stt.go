package selfhosted

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
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

// Settings are the backend-specific options for the self-hosted bridge.
type Settings struct {
	Endpoint           string `mapstructure:"endpoint"`
	MaxReconnects      int    `mapstructure:"max_reconnects"`
	ReconnectBackoffMS int    `mapstructure:"reconnect_backoff_ms"`
}

// serverResult is one message from the bridge. "realtime" results are
// provisional; "fullSentence" results are never revised.
type serverResult struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Provider streams audio to a local RealtimeSTT bridge server over a
// websocket. Each outgoing binary message carries a little-endian uint32
// metadata length, a JSON header with the sample rate, then PCM16 samples.
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
		logger: logging.NewComponentLogger(slog.Default(), "selfhosted_stt"),
	}
}

func (p *Provider) Name() string { return "selfhosted_stt" }

func (p *Provider) Initialize(opts stt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	schema := configutil.Schema{
		Optional: []string{"endpoint", "max_reconnects", "reconnect_backoff_ms"},
	}
	if err := configutil.ValidateSettings(opts.Settings, schema); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	var s Settings
	if err := configutil.DecodeSettings(opts.Settings, &s); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	if s.Endpoint == "" {
		s.Endpoint = "ws://localhost:8012"
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
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: "not initialized"}
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("selfhosted: connect %s: %w", p.settings.Endpoint, err), errorsx.ReasonBackendConnect)
	}

	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.conn = conn
	p.started = true
	p.readDone = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("selfhosted_connected",
		slog.String("endpoint", p.settings.Endpoint),
		slog.String("stream_id", p.opts.StreamID))

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

	// Give the bridge a moment to flush a trailing fullSentence before the
	// socket goes away.
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
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
		return errorsx.Wrap(fmt.Errorf("selfhosted: not started"), errorsx.ReasonBackendSend)
	}
	msg, err := EncodeChunk(frame.RawPayload(), frame.Rate())
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBackendSend)
	}
	p.mu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, msg)
	p.mu.Unlock()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBackendSend)
	}
	return nil
}

func (p *Provider) Events() <-chan frames.Frame { return p.out }

func (p *Provider) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(p.settings.Endpoint, nil)
	return conn, err
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

		var res serverResult
		if err := json.Unmarshal(msg, &res); err != nil {
			p.logger.Warn("selfhosted_bad_message", slog.String("error", err.Error()))
			continue
		}
		if res.Text == "" {
			continue
		}
		final := res.Type == "fullSentence"
		p.emit(frames.NewTranscriptFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), res.Text, final, map[string]string{
			frames.MetaProvider: p.Name(),
		}))
	}
}

// reconnect re-establishes the bridge connection after a mid-stream drop.
// Attempts are bounded; exhaustion degrades the stream instead of looping.
func (p *Provider) reconnect(cause error) bool {
	if !p.breaker.Allow() {
		p.degrade(cause)
		return false
	}
	p.logger.Warn("selfhosted_stream_lost",
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
	err := errorsx.Wrap(fmt.Errorf("selfhosted: reconnect failed: %w", cause), errorsx.ReasonBackendReconnect)
	p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), err, map[string]string{
		frames.MetaProvider: p.Name(),
	}))
	p.emitControl(frames.ControlDegraded, "backend_reconnect")
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
		p.logger.Warn("selfhosted_events_channel_full", slog.String("stream_id", p.opts.StreamID))
	}
}

func (p *Provider) emitControl(code frames.ControlCode, reason string) {
	p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), code, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   reason,
	}))
}

// EncodeChunk frames one PCM16 payload for the bridge: uint32 little-endian
// metadata length, JSON {"sampleRate": N}, then the samples.
func EncodeChunk(pcm []byte, sampleRate int) ([]byte, error) {
	meta, err := json.Marshal(map[string]int{"sampleRate": sampleRate})
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 4+len(meta)+len(pcm))
	binary.LittleEndian.PutUint32(msg[:4], uint32(len(meta)))
	copy(msg[4:], meta)
	copy(msg[4+len(meta):], pcm)
	return msg, nil
}

var _ stt.TranscriptionProvider = (*Provider)(nil)
