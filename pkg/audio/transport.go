// Package audio defines the transport abstraction that connects one remote
// user to a conversify session, together with PCM helpers shared by the
// providers and pipeline stages.
//
// A transport adapter (see audio/wsconn) accepts a client, wraps it in a
// [Connection] and hands it to a [Handler]. The handler owns the connection
// until it returns.
//
// This package lives under pkg/ because external code is expected to
// implement [Connection] for other transports.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by Connection methods after the connection ended.
var ErrClosed = errors.New("audio: connection closed")

// NoticeType classifies a control message sent to the client.
type NoticeType string

const (
	// NoticeTranscript carries a user transcript segment.
	NoticeTranscript NoticeType = "transcript"

	// NoticeResponse carries agent response text as it is produced.
	NoticeResponse NoticeType = "response"

	// NoticeTurn reports a turn status change.
	NoticeTurn NoticeType = "turn"

	// NoticeInterrupt tells the client to drop any buffered agent audio.
	NoticeInterrupt NoticeType = "interrupt"
)

// Notice is a JSON control message delivered to the client alongside audio.
type Notice struct {
	Type       NoticeType `json:"type"`
	TurnID     uint64     `json:"turn_id,omitempty"`
	Generation uint64     `json:"generation,omitempty"`
	Status     string     `json:"status,omitempty"`
	Text       string     `json:"text,omitempty"`
	Final      bool       `json:"final,omitempty"`
}

// Connection is one connected user's media session.
//
// Input channels are closed when the remote side disconnects. Implementations
// must be safe for concurrent use.
type Connection interface {
	// Participant returns the stable identity of the remote user. Memory is
	// scoped by this value.
	Participant() string

	// Audio delivers the user's microphone frames in capture order.
	Audio() <-chan AudioFrame

	// Video delivers the user's camera frames. Returns nil when the client
	// does not send video.
	Video() <-chan VideoFrame

	// Play writes one frame of agent audio to the client. It blocks while the
	// client's send buffer is full and returns ErrClosed after disconnect.
	Play(ctx context.Context, frame AudioFrame) error

	// Notify sends a control message to the client.
	Notify(ctx context.Context, n Notice) error

	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Handler serves one accepted connection. The transport closes the
// connection after the handler returns.
type Handler func(ctx context.Context, conn Connection)
