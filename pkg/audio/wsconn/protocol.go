// Package wsconn is the websocket transport: one browser or native client
// per websocket, carrying microphone audio and optional camera frames in and
// agent audio plus JSON notices out.
//
// # Wire protocol
//
// The client opens the socket and sends a text "hello" message:
//
//	{"type":"hello","participant":"alice","codec":"pcm16","sample_rate":16000,"channels":1,"video":true}
//
// The server answers with "ready", echoing the negotiated formats. From then
// on every binary message starts with a one-byte kind followed by its
// payload:
//
//	'A'  audio: raw little-endian PCM16 in the hello format, or one Opus packet
//	'V'  video: one encoded image (JPEG unless "video_mime" says otherwise)
//
// Agent audio flows back as 'A' messages in the same codec and format. Text
// messages from the server are [audio.Notice] values. The client ends the
// session with {"type":"bye"} or by closing the socket.
//
// Opus always runs at 48 kHz with 20 ms packets; sample_rate is ignored for
// it.
package wsconn

import (
	"errors"
	"fmt"
)

// Codec names the audio encoding on the socket.
type Codec string

const (
	// CodecPCM16 is raw little-endian signed 16-bit PCM.
	CodecPCM16 Codec = "pcm16"
	// CodecOpus is one Opus packet per message.
	CodecOpus Codec = "opus"
)

// Binary message kinds.
const (
	kindAudio byte = 'A'
	kindVideo byte = 'V'
)

// Control message types.
const (
	msgHello = "hello"
	msgReady = "ready"
	msgBye   = "bye"
)

// Hello is the client's opening message.
type Hello struct {
	Type        string `json:"type"`
	Participant string `json:"participant"`
	Codec       Codec  `json:"codec,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Video       bool   `json:"video,omitempty"`
	VideoMIME   string `json:"video_mime,omitempty"`
}

// Ready is the server's reply to [Hello].
type Ready struct {
	Type       string `json:"type"`
	Codec      Codec  `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Video      bool   `json:"video"`
}

// control is any text message from the client after hello.
type control struct {
	Type string `json:"type"`
}

var errBadHello = errors.New("wsconn: invalid hello")

// normalize fills defaults and checks the requested formats.
func (h *Hello) normalize() error {
	if h.Type != msgHello {
		return fmt.Errorf("%w: type %q", errBadHello, h.Type)
	}
	if h.Participant == "" {
		return fmt.Errorf("%w: participant is required", errBadHello)
	}
	if h.Codec == "" {
		h.Codec = CodecPCM16
	}
	switch h.Codec {
	case CodecOpus:
		h.SampleRate = opusSampleRate
		if h.Channels == 0 {
			h.Channels = 1
		}
	case CodecPCM16:
		if h.SampleRate == 0 {
			h.SampleRate = 16000
		}
		if h.Channels == 0 {
			h.Channels = 1
		}
	default:
		return fmt.Errorf("%w: codec %q", errBadHello, h.Codec)
	}
	if h.SampleRate < 8000 || h.SampleRate > 48000 {
		return fmt.Errorf("%w: sample_rate %d", errBadHello, h.SampleRate)
	}
	if h.Channels != 1 && h.Channels != 2 {
		return fmt.Errorf("%w: channels %d", errBadHello, h.Channels)
	}
	if h.VideoMIME == "" {
		h.VideoMIME = "image/jpeg"
	}
	return nil
}
