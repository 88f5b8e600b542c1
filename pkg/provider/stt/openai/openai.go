// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint or any server implementing it (speaches,
// faster-whisper-server, LocalAI) selected with [WithBaseURL].
//
// The endpoint is batch-only. A session buffers PCM until Flush is called
// (the session implements [stt.Flusher]) or the buffer reaches its maximum
// duration, then uploads the utterance as a WAV file and emits one final.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	"github.com/MrWong99/conversify/pkg/types"
)

const (
	defaultModel      = oai.AudioModelWhisper1
	defaultSampleRate = 16000
	defaultMaxBuffer  = 15 * time.Second
	requestTimeout    = 30 * time.Second
)

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Flusher  = (*session)(nil)
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL points the provider at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the ISO-639-1 language hint. Empty lets the server detect it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMaxBuffer bounds how much audio accumulates before a forced upload.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) { p.maxBuffer = d }
}

// Provider implements stt.Provider using the audio transcription endpoint.
type Provider struct {
	client    oai.Client
	baseURL   string
	model     string
	language  string
	maxBuffer time.Duration
}

// New creates a Provider. apiKey may be empty only with a base URL.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel, maxBuffer: defaultMaxBuffer}
	for _, o := range opts {
		o(p)
	}
	if apiKey == "" && p.baseURL == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
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

// StartStream opens a buffering session. No request is made until the first
// utterance is flushed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// The endpoint expects ISO-639-1; drop a BCP-47 region suffix.
	lang, _, _ = strings.Cut(lang, "-")

	s := &session{
		p:          p,
		language:   lang,
		sampleRate: orDefault(cfg.SampleRate, defaultSampleRate),
		channels:   orDefault(cfg.Channels, 1),
		inputs:     make(chan []byte, 256),
		partials:   make(chan types.Transcript),
		finals:     make(chan types.Transcript, 16),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// flushMarker is queued in-band so a flush applies to exactly the audio sent
// before it.
var flushMarker = []byte(nil)

type session struct {
	p          *Provider
	language   string
	sampleRate int
	channels   int

	inputs   chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.enqueue(chunk)
}

func (s *session) Flush() error { return s.enqueue(flushMarker) }

func (s *session) enqueue(b []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.inputs <- b:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials is never written to; the endpoint produces finals only.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

func (s *session) Finals() <-chan types.Transcript { return s.finals }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buf    []byte
		start  time.Duration
		offset time.Duration
	)
	maxBytes := audio.PCMBytes(s.p.maxBuffer, s.sampleRate, s.channels)

	upload := func(ctx context.Context) {
		pcm, at := buf, start
		buf = nil
		if len(pcm) == 0 {
			return
		}
		text, err := s.transcribe(ctx, pcm)
		if err != nil {
			slog.Warn("openai stt: transcription failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		select {
		case s.finals <- types.Transcript{
			Text:      text,
			IsFinal:   true,
			Timestamp: at,
			Duration:  audio.PCMDuration(len(pcm), s.sampleRate, s.channels),
		}:
		default:
			slog.Warn("openai stt: finals buffer full, transcript dropped")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			fc, cancel := context.WithTimeout(context.Background(), requestTimeout)
			upload(fc)
			cancel()
			return
		case chunk := <-s.inputs:
			if chunk == nil {
				upload(ctx)
				continue
			}
			if len(buf) == 0 {
				start = offset
			}
			offset += audio.PCMDuration(len(chunk), s.sampleRate, s.channels)
			buf = append(buf, chunk...)
			if maxBytes > 0 && len(buf) >= maxBytes {
				upload(ctx)
			}
		}
	}
}

func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(pcm, s.sampleRate, s.channels)), "speech.wav", "audio/wav"),
		Model: s.p.model,
	}
	if s.language != "" {
		params.Language = oai.String(s.language)
	}
	res, err := s.p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
