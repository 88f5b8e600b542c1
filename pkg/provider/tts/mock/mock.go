// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to the synthesis stage and to verify
// which text fragments and VoiceProfile reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    AudioFunc: mock.PCMPerWord(16000, 100*time.Millisecond),
//	}
//	stream, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
//
// SynthesizeStream reads the whole text channel before it emits audio, so
// each call corresponds to one synthesis chunk in tests.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Format is reported on every stream. Zero means 16 kHz mono.
	Format audio.Format

	// SynthesizeChunks is emitted on every stream when AudioFunc is nil.
	SynthesizeChunks [][]byte

	// AudioFunc, if set, produces the audio for the received text.
	AudioFunc func(text string) [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// StreamErr, if non-nil, is set on the stream after its audio is emitted.
	StreamErr error

	// ChunkDelay is waited before each emitted chunk.
	ChunkDelay time.Duration

	// Gate, if non-nil, must be closed (or receive) before any audio is
	// emitted. Use it to hold a generation in flight.
	Gate chan struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	texts []string
}

// SynthesizeStream records the call and returns a stream that emits audio
// once text has been closed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	format := p.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	canned := make([][]byte, len(p.SynthesizeChunks))
	copy(canned, p.SynthesizeChunks)
	fn, streamErr, delay, gate := p.AudioFunc, p.StreamErr, p.ChunkDelay, p.Gate
	p.mu.Unlock()

	ch := make(chan []byte, 16)
	stream := tts.NewStream(ch, format)
	go func() {
		defer close(ch)
		var sb strings.Builder
	collect:
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					break collect
				}
				sb.WriteString(frag)
			case <-ctx.Done():
				return
			}
		}
		full := sb.String()
		p.mu.Lock()
		p.texts = append(p.texts, full)
		p.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		chunks := canned
		if fn != nil {
			chunks = fn(full)
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		stream.SetErr(streamErr)
	}()
	return stream, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Texts returns the full text received by each completed SynthesizeStream
// call, in completion order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

// CallCount returns the number of SynthesizeStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// PCMPerWord returns an AudioFunc emitting one silent 16-bit mono chunk of
// perWord duration for every whitespace-separated word.
func PCMPerWord(sampleRate int, perWord time.Duration) func(string) [][]byte {
	return func(text string) [][]byte {
		words := strings.Fields(text)
		out := make([][]byte, 0, len(words))
		for range words {
			out = append(out, make([]byte, audio.PCMBytes(perWord, sampleRate, 1)))
		}
		return out
	}
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
