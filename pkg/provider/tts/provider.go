// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, an
// OpenAI-compatible speech endpoint such as Kokoro) and presents a uniform
// streaming interface. SynthesizeStream accepts a channel of text fragments
// and returns a [Stream] of raw 16-bit PCM as it becomes available, so the
// synthesis stage can start playback before the full response is known.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns a Stream emitting PCM chunks as they are synthesised.
	//
	// The stream's Audio channel is closed when all text has been spoken, when
	// ctx is cancelled or when synthesis fails. A failure is reported by
	// Stream.Err after the channel closes. A non-nil error return means the
	// stream could not be started at all.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Stream is the output of one SynthesizeStream call.
type Stream struct {
	// Audio carries raw little-endian 16-bit PCM in Format.
	Audio <-chan []byte

	// Format describes the PCM on Audio.
	Format audio.Format

	mu  sync.Mutex
	err error
}

// NewStream wraps ch. Providers call SetErr before closing ch on failure.
func NewStream(ch <-chan []byte, format audio.Format) *Stream {
	return &Stream{Audio: ch, Format: format}
}

// SetErr records the first synthesis failure. Later calls are ignored.
func (s *Stream) SetErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the synthesis failure, if any. It is only meaningful once
// Audio has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
