// Package mock provides an in-memory [audio.Connection] for unit tests.
//
// The test feeds microphone frames through AudioIn (and optionally VideoIn)
// and inspects what the session played back and notified. All methods are
// safe for concurrent use.
//
// Typical usage:
//
//	conn := mock.NewConnection("alice")
//	conn.AudioIn <- frame
//	...
//	played := conn.PlayedFrames()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/conversify/pkg/audio"
)

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	// AudioIn is the channel returned by Audio. The test owns it and closes
	// it to simulate the microphone stream ending.
	AudioIn chan audio.AudioFrame

	// VideoIn is returned by Video. Leave nil for an audio-only client.
	VideoIn chan audio.VideoFrame

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// PlayDelay, if positive, is slept inside every Play call to simulate a
	// slow client.
	PlayDelay time.Duration

	participant string

	mu       sync.Mutex
	played   []audio.AudioFrame
	notices  []audio.Notice
	closeCnt int
	notify   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection returns a Connection for participant with buffered input.
func NewConnection(participant string) *Connection {
	return &Connection{
		AudioIn:     make(chan audio.AudioFrame, 256),
		participant: participant,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Participant implements [audio.Connection].
func (c *Connection) Participant() string { return c.participant }

// Audio implements [audio.Connection].
func (c *Connection) Audio() <-chan audio.AudioFrame { return c.AudioIn }

// Video implements [audio.Connection]. Returns nil when VideoIn is nil.
func (c *Connection) Video() <-chan audio.VideoFrame {
	if c.VideoIn == nil {
		return nil
	}
	return c.VideoIn
}

// Play implements [audio.Connection] and records the frame.
func (c *Connection) Play(ctx context.Context, frame audio.AudioFrame) error {
	if c.PlayDelay > 0 {
		select {
		case <-time.After(c.PlayDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}
	if c.PlayErr != nil {
		return c.PlayErr
	}
	c.mu.Lock()
	c.played = append(c.played, frame)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Notify implements [audio.Connection] and records the notice.
func (c *Connection) Notify(_ context.Context, n audio.Notice) error {
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close implements [audio.Connection].
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closeCnt++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Changed is signalled (coalesced) whenever a frame is played or a notice
// is sent. Tests use it to wait without sleeping.
func (c *Connection) Changed() <-chan struct{} { return c.notify }

// PlayedFrames returns a copy of every frame passed to Play.
func (c *Connection) PlayedFrames() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.played))
	copy(out, c.played)
	return out
}

// Notices returns a copy of every notice passed to Notify.
func (c *Connection) Notices() []audio.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Notice, len(c.notices))
	copy(out, c.notices)
	return out
}

// CloseCount returns how many times Close was called.
func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCnt
}

func (c *Connection) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

var _ audio.Connection = (*Connection)(nil)
