// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (Deepgram, the OpenAI audio
// API, or a local whisper.cpp server) behind a uniform streaming interface.
// The central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio and emits two streams of [types.Transcript] values, low-latency
// partials and authoritative finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/conversify/pkg/types"
)

// ErrSessionClosed is returned by SendAudio and Flush after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords are vocabulary hints. Providers without keyword support ignore them.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM matching the
	// StreamConfig. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits authoritative transcripts. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, transcribes any pending audio, and
	// releases all resources. After Close returns both channels are closed.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Flusher is implemented by sessions that can be told the speaker stopped.
// The session then finalises the current utterance without waiting for its
// own endpointing. Batch backends use it to trigger inference.
type Flusher interface {
	Flush() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns it
	// and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
