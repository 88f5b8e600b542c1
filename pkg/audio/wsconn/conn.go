package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/conversify/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Conn)(nil)

// Conn is one client socket as an [audio.Connection].
type Conn struct {
	ws    *websocket.Conn
	hello Hello
	log   *slog.Logger

	audio chan audio.AudioFrame
	video chan audio.VideoFrame

	done      chan struct{}
	closeOnce sync.Once

	// written by readLoop only
	seq      uint64
	captured time.Duration
	decoder  *opusDecoder

	// guards the outbound path
	writeMu   sync.Mutex
	converter audio.FormatConverter
	encoder   *opusEncoder
}

func newConn(ws *websocket.Conn, h Hello, inputBuffer int, log *slog.Logger) (*Conn, error) {
	c := &Conn{
		ws:        ws,
		hello:     h,
		log:       log,
		audio:     make(chan audio.AudioFrame, inputBuffer),
		done:      make(chan struct{}),
		converter: audio.FormatConverter{Target: audio.Format{SampleRate: h.SampleRate, Channels: h.Channels}},
	}
	if h.Video {
		c.video = make(chan audio.VideoFrame, 4)
	}
	if h.Codec == CodecOpus {
		var err error
		if c.decoder, err = newOpusDecoder(h.Channels); err != nil {
			return nil, err
		}
		if c.encoder, err = newOpusEncoder(h.Channels); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Participant returns the identity from the client's hello.
func (c *Conn) Participant() string { return c.hello.Participant }

// Audio delivers microphone frames in the client's format.
func (c *Conn) Audio() <-chan audio.AudioFrame { return c.audio }

// Video returns nil unless the client announced video.
func (c *Conn) Video() <-chan audio.VideoFrame {
	if c.video == nil {
		return nil
	}
	return c.video
}

// Done is closed when the socket ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Play converts frame to the client's format and writes it.
func (c *Conn) Play(ctx context.Context, frame audio.AudioFrame) error {
	if c.closed() {
		return audio.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out := c.converter.Convert(frame)
	if len(out.Data) == 0 {
		return nil
	}
	if c.encoder == nil {
		return c.writeBinary(ctx, kindAudio, out.Data)
	}
	packets, err := c.encoder.encode(out.Data)
	for _, p := range packets {
		if werr := c.writeBinary(ctx, kindAudio, p); werr != nil {
			return werr
		}
	}
	return err
}

// Notify sends n as a JSON text message. With Opus, an interrupt drops the
// buffered partial packet and a turn notice pads and sends it.
func (c *Conn) Notify(ctx context.Context, n audio.Notice) error {
	if c.closed() {
		return audio.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if n.Type == audio.NoticeInterrupt && c.encoder != nil {
		c.encoder.pending = nil
	}
	if n.Type == audio.NoticeTurn && c.encoder != nil {
		if p, err := c.encoder.flush(); err != nil {
			c.log.Debug("wsconn: flush opus tail", "err", err)
		} else if p != nil {
			if err := c.writeBinary(ctx, kindAudio, p); err != nil {
				return err
			}
		}
	}
	if err := wsjson.Write(ctx, c.ws, n); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// Close ends the socket with a normal closure. Safe to call more than once.
// Errors from the closing handshake are not reported; the peer may already
// be gone.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			c.log.Debug("wsconn: close handshake", "err", err)
		}
	})
	return nil
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeBinary(ctx context.Context, kind byte, payload []byte) error {
	msg := make([]byte, 1+len(payload))
	msg[0] = kind
	copy(msg[1:], payload)
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// writeErr maps socket errors after disconnect to audio.ErrClosed.
func (c *Conn) writeErr(err error) error {
	if c.closed() || websocket.CloseStatus(err) != -1 {
		return audio.ErrClosed
	}
	return err
}

// readLoop pumps client messages into the input channels until the socket
// closes, then closes them and ends the connection.
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		close(c.audio)
		if c.video != nil {
			close(c.video)
		}
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.ws.CloseNow()
		})
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != -1 && st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway {
				c.log.Info("wsconn: client closed", "status", st.String())
			} else if st == -1 && !c.closed() && ctx.Err() == nil {
				c.log.Debug("wsconn: read failed", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			var m control
			if err := json.Unmarshal(data, &m); err != nil {
				c.log.Debug("wsconn: ignoring malformed control message", "err", err)
				continue
			}
			if m.Type == msgBye {
				return
			}
		case websocket.MessageBinary:
			if len(data) < 2 {
				continue
			}
			if !c.dispatch(ctx, data[0], data[1:]) {
				return
			}
		}
	}
}

// dispatch routes one binary payload. It returns false once the
// connection is shutting down.
func (c *Conn) dispatch(ctx context.Context, kind byte, payload []byte) bool {
	switch kind {
	case kindAudio:
		pcm := payload
		if c.decoder != nil {
			var err error
			if pcm, err = c.decoder.decode(payload); err != nil {
				c.log.Debug("wsconn: dropping audio packet", "err", err)
				return true
			}
		} else {
			pcm = append([]byte(nil), payload...)
		}
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: c.hello.SampleRate,
			Channels:   c.hello.Channels,
			Seq:        c.seq,
			Timestamp:  c.captured,
		}
		c.seq++
		c.captured += frame.Duration()
		select {
		case c.audio <- frame:
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		}
	case kindVideo:
		if c.video == nil {
			return true
		}
		frame := audio.VideoFrame{
			Data:      append([]byte(nil), payload...),
			MIMEType:  c.hello.VideoMIME,
			Timestamp: c.captured,
		}
		// Only the freshest frame matters: replace a stale one when full.
		select {
		case c.video <- frame:
		default:
			select {
			case <-c.video:
			default:
			}
			select {
			case c.video <- frame:
			default:
			}
		}
	default:
		c.log.Debug("wsconn: unknown message kind", "kind", kind)
	}
	return true
}
