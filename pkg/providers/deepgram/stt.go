package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
	"github.com/voxnote/voxnote/pkg/configutil"
	"github.com/voxnote/voxnote/pkg/errorsx"
	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Settings are the backend-specific options for Deepgram live streaming.
type Settings struct {
	Model          string `mapstructure:"model"`
	Encoding       string `mapstructure:"encoding"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

// Provider streams audio to Deepgram's live transcription websocket via the
// official SDK. Audio flows through an io.Pipe into the SDK's streaming
// client; results arrive on the SDK callback and are re-emitted as ordered
// transcript frames.
type Provider struct {
	settings Settings
	opts     stt.Options
	out      chan frames.Frame
	seq      *frames.SeqGen
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	dgClient    *client.WSCallback
	pipeReader  *io.PipeReader
	pipeWriter  *io.PipeWriter
	initialized bool
	started     bool
	cleaned     bool
	metaLogged  bool
}

func New() *Provider {
	return &Provider{
		out:    make(chan frames.Frame, 256),
		seq:    frames.NewSeqGen(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (p *Provider) Name() string { return "deepgram_stt" }

func (p *Provider) Initialize(opts stt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if opts.Credential == "" {
		return stt.ConfigurationError{Provider: p.Name(), Field: "credential"}
	}
	var s Settings
	if err := configutil.DecodeSettings(opts.Settings, &s); err != nil {
		return stt.ConfigurationError{Provider: p.Name(), Field: "settings", Msg: err.Error()}
	}
	if s.Model == "" {
		s.Model = "nova-2"
	}
	if s.Encoding == "" {
		s.Encoding = "linear16"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	p.settings = s
	p.opts = opts
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
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.pipeReader, p.pipeWriter = io.Pipe()
	p.mu.Unlock()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          p.settings.Model,
		Language:       p.opts.Language,
		Encoding:       p.settings.Encoding,
		SampleRate:     p.opts.SampleRate,
		InterimResults: p.opts.Interim,
		SmartFormat:    configutil.BoolValue(p.settings.SmartFormat, true),
	}
	if p.settings.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", p.settings.UtteranceEndMS)
	}

	p.logger.Info("initializing deepgram connection",
		slog.String("stream_id", p.opts.StreamID),
		slog.String("model", p.settings.Model),
		slog.Int("sample_rate", p.opts.SampleRate))

	cb := &callback{parent: p}
	dgClient, err := client.NewWSUsingCallback(p.ctx, p.opts.Credential, clientOptions, transcriptOptions, cb)
	if err != nil {
		p.teardownPipe()
		return errorsx.Wrap(err, errorsx.ReasonBackendConnect)
	}

	if connected := dgClient.Connect(); !connected {
		p.teardownPipe()
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonBackendConnect)
	}

	p.mu.Lock()
	p.dgClient = dgClient
	p.started = true
	p.mu.Unlock()

	p.logger.Info("deepgram_connected",
		slog.String("stream_id", p.opts.StreamID),
		slog.String("model", p.settings.Model))

	go func() {
		if err := dgClient.Stream(p.pipeReader); err != nil && p.ctx.Err() == nil {
			p.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", p.opts.StreamID))
		}
	}()
	return nil
}

func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	dgClient := p.dgClient
	p.dgClient = nil
	p.mu.Unlock()

	p.logger.Info("closing deepgram connection",
		slog.String("stream_id", p.opts.StreamID))

	p.teardownPipe()
	if dgClient != nil {
		// Stop flushes the backend's pending finals before closing.
		dgClient.Stop()
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
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
	w := p.pipeWriter
	started := p.started
	p.mu.Unlock()
	if !started || w == nil {
		return errorsx.Wrap(fmt.Errorf("deepgram: not started"), errorsx.ReasonBackendSend)
	}
	if _, err := w.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBackendSend)
	}
	return nil
}

func (p *Provider) Events() <-chan frames.Frame { return p.out }

func (p *Provider) teardownPipe() {
	p.mu.Lock()
	w := p.pipeWriter
	p.pipeWriter = nil
	p.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
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
		p.logger.Warn("deepgram_events_channel_full",
			slog.String("stream_id", p.opts.StreamID))
	}
}

// --- SDK callback ---

type callback struct {
	parent *Provider
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.opts.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	p := c.parent
	isFinal := mr.IsFinal || mr.SpeechFinal
	p.emit(frames.NewTranscriptFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), transcript, isFinal, map[string]string{
		frames.MetaProvider: p.Name(),
	}))
	if mr.SpeechFinal {
		p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), frames.ControlFlush, map[string]string{
			frames.MetaProvider: p.Name(),
			frames.MetaReason:   "speech_final",
		}))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	p := c.parent
	p.mu.Lock()
	logged := p.metaLogged
	p.metaLogged = true
	p.mu.Unlock()
	if !logged {
		p.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", p.opts.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	p := c.parent
	p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), frames.ControlFlush, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   "utterance_end",
	}))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	p := c.parent
	p.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", p.opts.StreamID))
	p.emit(frames.NewControlFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), frames.ControlStopped, map[string]string{
		frames.MetaProvider: p.Name(),
		frames.MetaReason:   "closed",
	}))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	p := c.parent
	p.logger.Error("deepgram_error",
		slog.String("stream_id", p.opts.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	err := errorsx.Wrap(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonBackendSend)
	p.emit(frames.NewErrorFrame(p.opts.StreamID, p.seq.Next(p.opts.StreamID), err, map[string]string{
		frames.MetaProvider: p.Name(),
	}))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.opts.StreamID))
	return nil
}

var _ stt.TranscriptionProvider = (*Provider)(nil)
