package sources

import (
	"context"
	"errors"

	"github.com/voxnote/voxnote/pkg/frames"
)

// ErrPermissionDenied means the user refused audio capture. Surfaced
// immediately, never retried.
var ErrPermissionDenied = errors.New("audio capture permission denied")

// ErrDeviceUnavailable means no usable input device or stream exists.
var ErrDeviceUnavailable = errors.New("no audio input available")

// AudioSource is the capture side of a recording session. Exactly one
// session owns a source at a time.
//
// Start acquires the underlying stream; Stop releases it fully (all tracks
// stopped, not merely muted) and closes the Frames channel. Implementations
// own their network/driver lifecycle.
type AudioSource interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Frames() <-chan frames.AudioFrame
}

// Muter is an optional capability: sources that can disable their outgoing
// frames without releasing the stream implement it, so pausing a session
// never forces a re-acquisition or re-authentication.
type Muter interface {
	SetMuted(muted bool)
}

// Mute mutes src when it supports the capability. Returns false otherwise;
// the session then relies on dropping frames while paused.
func Mute(src AudioSource, muted bool) bool {
	m, ok := src.(Muter)
	if !ok {
		return false
	}
	m.SetMuted(muted)
	return true
}
