// Package openai provides a TTS provider for the OpenAI speech endpoint and
// OpenAI-compatible servers such as Kokoro-FastAPI, selected with
// [WithBaseURL]. Audio is requested as raw PCM (24 kHz, 16-bit mono) and
// streamed to the caller as the response body arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/types"
)

const (
	defaultModel = oai.SpeechModelTTS1
	defaultVoice = "alloy"

	// pcmSampleRate is fixed by the endpoint for response_format=pcm.
	pcmSampleRate = 24000

	// readChunk is 100 ms of 24 kHz mono PCM.
	readChunk = 4800
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL points the provider at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the speech model ("tts-1", "gpt-4o-mini-tts", "kokoro").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithInstructions sets the delivery instructions for models that accept them.
func WithInstructions(s string) Option {
	return func(p *Provider) { p.instructions = s }
}

// WithVoices sets the catalogue returned by ListVoices. The endpoint has no
// listing route.
func WithVoices(ids ...string) Option {
	return func(p *Provider) { p.voices = ids }
}

// Provider implements tts.Provider using the speech endpoint.
type Provider struct {
	client       oai.Client
	baseURL      string
	model        string
	instructions string
	voices       []string
}

// New creates a Provider. apiKey may be empty only with a base URL.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		model:  defaultModel,
		voices: []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"},
	}
	for _, o := range opts {
		o(p)
	}
	if apiKey == "" && p.baseURL == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if apiKey == "" {
		apiKey = "unused"
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// SynthesizeStream issues one speech request per received fragment, in
// order, and streams the PCM of each response body.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	out := make(chan []byte, 64)
	stream := tts.NewStream(out, audio.Format{SampleRate: pcmSampleRate, Channels: 1})

	go func() {
		defer close(out)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if err := p.speak(ctx, fragment, voice, out); err != nil {
					if ctx.Err() == nil {
						stream.SetErr(err)
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (p *Provider) speak(ctx context.Context, input string, voice types.VoiceProfile, out chan<- []byte) error {
	resp, err := p.client.Audio.Speech.New(ctx, p.params(input, voice))
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	// Carry an odd trailing byte into the next read so every chunk holds
	// whole samples.
	var carry []byte
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) &^ 1
			chunk := make([]byte, whole)
			copy(chunk, data[:whole])
			carry = append([]byte(nil), data[whole:]...)
			if len(chunk) > 0 {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("openai tts: read body: %w", rerr)
		}
	}
}

func (p *Provider) params(input string, voice types.VoiceProfile) oai.AudioSpeechNewParams {
	id := voice.ID
	if id == "" {
		id = defaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Input:          input,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}
	return params
}

// ListVoices returns the configured voice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, 0, len(p.voices))
	for _, id := range p.voices {
		out = append(out, types.VoiceProfile{ID: id, Name: id, Provider: "openai"})
	}
	return out, nil
}

var _ tts.Provider = (*Provider)(nil)
