// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (the built-in energy
// detector, or a model such as Silero) and surfaces it as a stateful,
// per-stream session. Each session keeps its own state so concurrent audio
// streams are processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a per-frame
// speech probability. Turn-level decisions (minimum speech duration,
// hangover, barge-in) are made by the caller on top of that probability.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the PCM passed to
	// ProcessFrame.
	SampleRate int

	// FrameSizeMs is the fixed frame duration an engine requires. Zero
	// accepts frames of any length.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an ongoing speech
	// segment counts as ended. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must not be negative, got %d", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream. It is
// not safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian 16-bit PCM at the
	// configured sample rate.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears the accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
