package wsconn

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/conversify/pkg/audio"
)

// Opus on the socket is 48 kHz with 20 ms packets.
const (
	opusSampleRate = 48000
	opusFrameMs    = 20
	// opusFrameSize is samples per channel in one packet.
	opusFrameSize = opusSampleRate * opusFrameMs / 1000
	// maxOpusPacket bounds one encoded packet.
	maxOpusPacket = 4000
)

// opusDecoder keeps decoder state across a client's packets.
type opusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

func newOpusDecoder(channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("wsconn: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, channels: channels}, nil
}

// decode returns one packet as PCM16 bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("wsconn: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// opusEncoder buffers agent PCM in the socket format and cuts it into
// 20 ms packets.
type opusEncoder struct {
	enc      *gopus.Encoder
	channels int
	pending  []byte
}

func newOpusEncoder(channels int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("wsconn: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, channels: channels}, nil
}

func (e *opusEncoder) frameBytes() int { return opusFrameSize * e.channels * 2 }

// encode appends pcm to the buffer and returns every complete packet.
func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)
	n := e.frameBytes()
	var out [][]byte
	for len(e.pending) >= n {
		packet, err := e.enc.Encode(audio.BytesToInt16s(e.pending[:n]), opusFrameSize, maxOpusPacket)
		if err != nil {
			return out, fmt.Errorf("wsconn: opus encode: %w", err)
		}
		out = append(out, packet)
		e.pending = e.pending[n:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return out, nil
}

// flush pads the remainder with silence and encodes it.
func (e *opusEncoder) flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, e.frameBytes())
	copy(frame, e.pending)
	e.pending = nil
	packet, err := e.enc.Encode(audio.BytesToInt16s(frame), opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("wsconn: opus encode: %w", err)
	}
	return packet, nil
}
