package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxnote/voxnote/pkg/frames"
)

// ProviderType identifies which backend implementation to instantiate.
type ProviderType string

const (
	// ProviderDevice drives an open-ended low-latency on-device recognizer.
	ProviderDevice ProviderType = "device"
	// ProviderDeepgram streams audio to Deepgram's live transcription API.
	ProviderDeepgram ProviderType = "deepgram"
	// ProviderAssemblyAI streams audio to AssemblyAI's realtime API.
	ProviderAssemblyAI ProviderType = "assemblyai"
	// ProviderSelfHosted talks to a local RealtimeSTT bridge server.
	ProviderSelfHosted ProviderType = "selfhosted"
)

func (t ProviderType) String() string { return string(t) }

// Options contains vendor-agnostic provider options plus a free-form
// settings map for backend-specific knobs. Options are fixed once a
// provider has been initialized; changing them requires a new instance.
type Options struct {
	SessionID  string
	StreamID   string
	Credential string
	Language   string
	SampleRate int
	Channels   int
	// Continuous keeps recognition running across utterances without the
	// caller restarting it per phrase.
	Continuous bool
	// Interim enables provisional (revisable) results.
	Interim bool
	// Settings carries backend-specific keys, decoded by each provider.
	Settings map[string]any
}

// TranscriptionProvider defines the contract every speech-to-text backend
// must implement so the capture session stays backend-agnostic.
//
// Lifecycle: Initialize once, Start, SendAudio any number of times, Stop,
// Cleanup. Stop flushes any buffered final result before returning or
// before the terminal control frame is emitted. Cleanup releases every
// backend-held resource and is safe to call repeatedly and after Stop.
// No implementation may buffer audio across a Cleanup call.
type TranscriptionProvider interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Initialize configures the provider. It returns ConfigurationError
	// when a required option (e.g. a credential) is missing.
	Initialize(opts Options) error
	// Start begins accepting audio and emitting frames. No-op if already
	// started.
	Start(ctx context.Context) error
	// Stop ends the current backend session cleanly.
	Stop() error
	// Cleanup releases all backend-held resources (sockets, handles).
	Cleanup() error
	// SendAudio forwards one captured audio frame to the backend. It must
	// not block the capture path.
	SendAudio(frame frames.AudioFrame) error
	// Events returns the ordered stream of transcript, control, and error
	// frames for this provider instance.
	Events() <-chan frames.Frame
}

// ConfigurationError reports a missing or invalid provider option. It is
// surfaced to the settings layer and never retried automatically.
type ConfigurationError struct {
	Provider string
	Field    string
	Msg      string
}

func (e ConfigurationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s is required", e.Provider, e.Field)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce ConfigurationError
	return errors.As(err, &ce)
}
