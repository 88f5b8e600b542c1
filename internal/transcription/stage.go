// Package transcription turns gated user audio into ordered transcript
// segments using an [stt.Provider].
//
// Segment ids increase strictly within a session. A provider that numbers
// its own segments (Transcript.Seq) keeps that numbering, offset so ids
// stay unique across stream reconnects; otherwise the stage assigns ids
// itself. Anything arriving for an id that was already finalized is a
// [fault.ProtocolViolation] and is dropped.
package transcription

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/resilience"
	"github.com/MrWong99/conversify/internal/turn"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/stt"
	"github.com/MrWong99/conversify/pkg/types"
)

const stageName = "transcription"

// Config configures a [Stage].
type Config struct {
	// Format is the audio format sent to the provider. Default 16 kHz mono.
	Format audio.Format

	// Language is a BCP-47 hint passed to the provider.
	Language string

	// Keywords are passed to providers that support boosting.
	Keywords []stt.KeywordBoost

	// Vocabulary lists terms whose misheard spellings are corrected in
	// final segments. Empty disables correction.
	Vocabulary []string

	// Reopen limits how often a failed STT stream is reopened.
	Reopen resilience.CircuitBreakerConfig

	// Metrics records latency and violations. Optional.
	Metrics *observe.Metrics
}

// Stage owns one STT stream per session.
type Stage struct {
	provider stt.Provider
	cfg      Config
	conv     audio.FormatConverter
	breaker  *resilience.CircuitBreaker
	vocab    *Vocabulary

	handle   stt.SessionHandle
	partials <-chan types.Transcript
	finals   <-chan types.Transcript

	// streamBase offsets provider sequence numbers for the current stream.
	streamBase uint64
	// streamStart is the capture time of the first frame sent on the stream.
	streamStart time.Duration
	streamFresh bool

	lastIssued uint64
	lastFinal  uint64
	openID     uint64

	uttStart time.Duration
	uttEnd   time.Duration
	uttOpen  bool
	endedAt  time.Time
}

// New returns a stage that will open streams on provider.
func New(provider stt.Provider, cfg Config) *Stage {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	if cfg.Reopen.Name == "" {
		cfg.Reopen.Name = "stt-stream"
	}
	return &Stage{
		provider: provider,
		cfg:      cfg,
		conv:     audio.FormatConverter{Target: cfg.Format},
		breaker:  resilience.NewCircuitBreaker(cfg.Reopen),
		vocab:    NewVocabulary(cfg.Vocabulary),
	}
}

// Run feeds gated audio to the provider and emits segments on out until in
// is closed or ctx ends. out is closed on return.
func (s *Stage) Run(ctx context.Context, in <-chan turn.Gated, out *bus.Pipe[types.TranscriptSegment]) error {
	defer out.Close()
	defer s.closeStream()

	if err := s.open(ctx); err != nil {
		slog.Warn("transcription: initial stream unavailable", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case g, ok := <-in:
			if !ok {
				return nil
			}
			if g.End {
				s.endOfSpeech()
				continue
			}
			s.feed(ctx, g.Frame)

		case t, ok := <-s.partials:
			if !ok {
				s.streamLost()
				continue
			}
			if err := s.emit(ctx, t, false, out); err != nil {
				return err
			}

		case t, ok := <-s.finals:
			if !ok {
				s.streamLost()
				continue
			}
			if err := s.emit(ctx, t, true, out); err != nil {
				return err
			}
		}
	}
}

// open starts a new provider stream through the breaker.
func (s *Stage) open(ctx context.Context) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		h, err := s.provider.StartStream(ctx, stt.StreamConfig{
			SampleRate: s.cfg.Format.SampleRate,
			Channels:   s.cfg.Format.Channels,
			Language:   s.cfg.Language,
			Keywords:   s.cfg.Keywords,
		})
		if err != nil {
			return err
		}
		s.handle = h
		s.partials = h.Partials()
		s.finals = h.Finals()
		return nil
	})
	if err != nil {
		return fault.Transient("stt", "start_stream", err)
	}
	s.streamBase = s.lastIssued
	s.streamFresh = true
	return nil
}

func (s *Stage) closeStream() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		slog.Debug("transcription: close stream", "err", err)
	}
	s.handle = nil
	s.partials = nil
	s.finals = nil
}

// streamLost handles a provider closing its channels on its own.
func (s *Stage) streamLost() {
	slog.Warn("transcription: stt stream ended unexpectedly, reopening on next audio")
	s.closeStream()
}

func (s *Stage) feed(ctx context.Context, frame types.AudioFrame) {
	if !s.uttOpen {
		s.uttOpen = true
		s.uttStart = frame.Timestamp
	}
	s.uttEnd = frame.Timestamp + frame.Duration()

	conv := s.conv.Convert(frame)
	if conv.Data == nil {
		return
	}
	if s.handle == nil {
		if err := s.open(ctx); err != nil {
			slog.Debug("transcription: dropping frame, no stream", "seq", frame.Seq, "err", err)
			return
		}
	}
	if s.streamFresh {
		s.streamFresh = false
		s.streamStart = frame.Timestamp
	}

	if err := s.handle.SendAudio(conv.Data); err != nil {
		terr := fault.Transient("stt", "send_audio", err)
		slog.Warn("transcription: send failed, reopening stream", "err", terr)
		s.recordError()
		s.closeStream()
		if err := s.open(ctx); err != nil {
			slog.Warn("transcription: reopen failed", "err", err)
			return
		}
		s.streamFresh = false
		s.streamStart = frame.Timestamp
		if err := s.handle.SendAudio(conv.Data); err != nil {
			slog.Warn("transcription: send after reopen failed", "err", fault.Transient("stt", "send_audio", err))
			s.recordError()
			s.closeStream()
		}
	}
}

// endOfSpeech flushes buffered providers and starts the latency clock.
func (s *Stage) endOfSpeech() {
	s.uttOpen = false
	s.endedAt = time.Now()
	if s.handle == nil {
		return
	}
	if f, ok := s.handle.(stt.Flusher); ok {
		if err := f.Flush(); err != nil {
			slog.Warn("transcription: flush failed", "err", fault.Transient("stt", "flush", err))
			s.recordError()
		}
	}
}

func (s *Stage) emit(ctx context.Context, t types.Transcript, final bool, out *bus.Pipe[types.TranscriptSegment]) error {
	text := strings.TrimSpace(t.Text)
	if !final && text == "" {
		return nil
	}

	id := s.segmentID(t)
	if id <= s.lastFinal {
		err := fault.Violation(stageName, "segment %d at or below last final %d", id, s.lastFinal)
		slog.Warn("transcription: dropping segment", "err", err, "final", final)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordProtocolViolation(ctx, stageName)
		}
		return nil
	}
	if final && s.openID != 0 && s.openID < id {
		if err := s.closeOpen(ctx, out); err != nil {
			return err
		}
	}
	if final && text == "" && s.openID != id {
		// Nothing was said and nothing is pending to supersede.
		return nil
	}

	if final && text != "" && s.vocab != nil {
		var fixes []Correction
		if text, fixes = s.vocab.Correct(text); len(fixes) > 0 {
			slog.Debug("transcription: vocabulary corrections", "segment", id, "corrections", fixes)
		}
	}

	seg := types.TranscriptSegment{
		ID:         id,
		Text:       text,
		Speaker:    types.SpeakerUser,
		IsFinal:    final,
		Confidence: t.Confidence,
	}
	if t.Duration > 0 {
		seg.Start = s.streamStart + t.Timestamp
		seg.End = seg.Start + t.Duration
	} else {
		seg.Start, seg.End = s.uttStart, s.uttEnd
	}

	s.lastIssued = max(s.lastIssued, id)
	if final {
		s.lastFinal = id
		s.openID = 0
		if !s.endedAt.IsZero() && s.cfg.Metrics != nil {
			s.cfg.Metrics.STTDuration.Record(ctx, time.Since(s.endedAt).Seconds())
		}
		s.endedAt = time.Time{}
	} else {
		s.openID = id
	}
	return out.Send(ctx, seg)
}

// closeOpen supersedes the open partial with an empty final. Providers that
// number their own segments can finalize a later id first, which would
// otherwise leave the partial pending forever.
func (s *Stage) closeOpen(ctx context.Context, out *bus.Pipe[types.TranscriptSegment]) error {
	id := s.openID
	s.openID = 0
	s.lastFinal = id
	slog.Debug("transcription: closing partial skipped by a later final", "segment", id)
	return out.Send(ctx, types.TranscriptSegment{
		ID:      id,
		Speaker: types.SpeakerUser,
		IsFinal: true,
		Start:   s.uttStart,
		End:     s.uttEnd,
	})
}

// segmentID maps a provider transcript to a session segment id.
func (s *Stage) segmentID(t types.Transcript) uint64 {
	if t.Seq > 0 {
		return s.streamBase + t.Seq
	}
	if s.openID != 0 {
		return s.openID
	}
	return s.lastIssued + 1
}

func (s *Stage) recordError() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordProviderError(context.Background(), "stt", "stream")
	}
}
