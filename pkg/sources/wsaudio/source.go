package wsaudio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote/voxnote/pkg/frames"
	"github.com/voxnote/voxnote/pkg/logging"
	"github.com/voxnote/voxnote/pkg/sources"
)

// Config configures the browser-audio websocket endpoint.
type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	Path       string `mapstructure:"path"`
	// AcquireTimeout bounds how long Start waits for a recorder widget to
	// attach before reporting the device unavailable.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	SampleRate     int           `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8013"
	}
	if c.Path == "" {
		c.Path = "/audio"
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	return c
}

// attachResult is the widget's first text message on the socket.
type attachResult struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// chunkMeta is the JSON header inside each binary audio chunk.
type chunkMeta struct {
	SampleRate int `json:"sampleRate"`
}

// Source receives microphone audio from a browser recorder widget over a
// websocket. Binary chunks carry a little-endian uint32 metadata length, a
// JSON metadata header, then raw PCM16 samples.
//
// The widget's first message is a text attach event; "permission_denied"
// maps to the permission sentinel so the UI failure surfaces through the
// normal session start path.
type Source struct {
	cfg      Config
	streamID string
	upgrader websocket.Upgrader
	server   *http.Server
	out      chan frames.AudioFrame
	seq      *frames.SeqGen
	logger   *slog.Logger

	attached chan error
	muted    atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
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
		logger:   logging.NewComponentLogger(slog.Default(), "wsaudio_source"),
		attached: make(chan error, 1),
	}
}

func (s *Source) Name() string { return "wsaudio" }

// Start brings up the endpoint and blocks until a recorder widget attaches
// or the acquire timeout elapses. On failure nothing stays listening.
func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errors.New("wsaudio: source already used")
	}
	s.started = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wsaudio_server_error", slog.String("error", err.Error()))
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
		return fmt.Errorf("wsaudio: no recorder attached within %s: %w", s.cfg.AcquireTimeout, sources.ErrDeviceUnavailable)
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
	// send, so closing under the same lock cannot race an in-flight chunk.
	close(s.out)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return s.shutdown()
}

func (s *Source) Frames() <-chan frames.AudioFrame { return s.out }

func (s *Source) SetMuted(muted bool) { s.muted.Store(muted) }

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.stopped || s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
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
		_ = conn.Close()
	}()

	if !s.awaitAttach(conn) {
		return
	}
	s.readLoop(conn)
}

func (s *Source) awaitAttach(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AcquireTimeout))
	msgType, msg, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.signalAttach(fmt.Errorf("wsaudio: attach read: %w", sources.ErrDeviceUnavailable))
		return false
	}
	if msgType != websocket.TextMessage {
		// Widget skipped the attach handshake; treat the connection as
		// attached and decode this message as audio.
		s.signalAttach(nil)
		s.decodeChunk(msg)
		return true
	}
	var evt attachResult
	if err := json.Unmarshal(msg, &evt); err != nil {
		s.signalAttach(fmt.Errorf("wsaudio: bad attach event: %w", sources.ErrDeviceUnavailable))
		return false
	}
	switch evt.Event {
	case "attach":
		s.signalAttach(nil)
		return true
	case "permission_denied":
		s.signalAttach(fmt.Errorf("wsaudio: %s: %w", evt.Reason, sources.ErrPermissionDenied))
		return false
	default:
		s.signalAttach(fmt.Errorf("wsaudio: unexpected attach event %q: %w", evt.Event, sources.ErrDeviceUnavailable))
		return false
	}
}

func (s *Source) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.decodeChunk(msg)
	}
}

func (s *Source) decodeChunk(msg []byte) {
	if s.muted.Load() {
		return
	}
	pcm, rate, err := DecodeChunk(msg)
	if err != nil {
		s.logger.Warn("wsaudio_bad_chunk", slog.String("error", err.Error()))
		return
	}
	if len(pcm) == 0 {
		return
	}
	if rate == 0 {
		rate = s.cfg.SampleRate
	}
	f := frames.NewAudioFrameFromPool(s.streamID, s.seq.Next(s.streamID), pcm, rate, 1, map[string]string{
		frames.MetaSource: "wsaudio",
	})
	s.mu.Lock()
	if s.stopped {
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
		s.logger.Warn("wsaudio_frames_channel_full", slog.String("stream_id", s.streamID))
	}
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

// DecodeChunk splits one binary websocket message into PCM16 audio and its
// declared sample rate. Layout: uint32 little-endian metadata length, JSON
// metadata, raw samples.
func DecodeChunk(msg []byte) (pcm []byte, sampleRate int, err error) {
	if len(msg) < 4 {
		return nil, 0, errors.New("chunk shorter than length prefix")
	}
	metaLen := binary.LittleEndian.Uint32(msg[:4])
	if int(metaLen) > len(msg)-4 {
		return nil, 0, fmt.Errorf("metadata length %d exceeds message size %d", metaLen, len(msg))
	}
	var meta chunkMeta
	if metaLen > 0 {
		if err := json.Unmarshal(msg[4:4+metaLen], &meta); err != nil {
			return nil, 0, fmt.Errorf("decode chunk metadata: %w", err)
		}
	}
	return msg[4+metaLen:], meta.SampleRate, nil
}

var _ sources.AudioSource = (*Source)(nil)
var _ sources.Muter = (*Source)(nil)
