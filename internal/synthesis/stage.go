package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/tts"
	"github.com/MrWong99/conversify/pkg/types"
)

const stageName = "synthesis"

// Chunk is one ordered piece of response text.
type Chunk struct {
	Generation uint64
	Index      int
	Text       string

	// Final marks the last chunk of the generation. Its Text may be empty.
	Final bool
}

// Frame is one element of the stage output: either agent audio or a marker.
// Markers carry no audio.
type Frame struct {
	Generation uint64
	Index      int
	Audio      types.AudioFrame

	// EndOfChunk marks that all audio of chunk Index was emitted.
	EndOfChunk bool

	// Final is set on the end-of-chunk marker of the last chunk.
	Final bool

	// Err reports that synthesis of chunk Index failed. No further frames
	// follow for the generation.
	Err error
}

// IsMarker reports whether f carries no audio.
func (f Frame) IsMarker() bool { return f.EndOfChunk || f.Err != nil }

// Config configures a [Stage].
type Config struct {
	// Voice is passed to the provider on every request.
	Voice types.VoiceProfile

	// Format is the playback format. Default 24 kHz mono.
	Format audio.Format

	// FrameDuration is the length of emitted frames. Default 20ms.
	FrameDuration time.Duration

	// ChunkTimeout bounds synthesis of a single chunk. Default 15s.
	ChunkTimeout time.Duration

	// QueueSize is the per-generation chunk buffer. Default 32.
	QueueSize int

	// ProviderName labels metrics. Default "tts".
	ProviderName string

	// Metrics is optional.
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate == 0 {
		c.Format = audio.Format{SampleRate: 24000, Channels: 1}
	}
	if c.Format.Channels == 0 {
		c.Format.Channels = 1
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.ProviderName == "" {
		c.ProviderName = "tts"
	}
	return c
}

// Stage synthesizes chunks with one worker per generation. A new generation
// starts on its own worker immediately and never waits behind a cancelled
// one.
type Stage struct {
	provider tts.Provider
	gens     *Generations
	cfg      Config
	seq      atomic.Uint64
}

// New returns a stage that synthesizes with provider and cancels by gens.
func New(provider tts.Provider, gens *Generations, cfg Config) *Stage {
	return &Stage{provider: provider, gens: gens, cfg: cfg.withDefaults()}
}

// Format returns the playback format of emitted frames.
func (s *Stage) Format() audio.Format { return s.cfg.Format }

type worker struct {
	chunks chan Chunk
	done   chan struct{}
}

// Run consumes in until it is closed or ctx ends. Frames of live generations
// go to out, which is closed once every worker has stopped.
func (s *Stage) Run(ctx context.Context, in <-chan Chunk, out *bus.Pipe[Frame]) error {
	var wg sync.WaitGroup
	workers := make(map[uint64]*worker)
	defer func() {
		for _, w := range workers {
			close(w.chunks)
		}
		wg.Wait()
		out.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				return nil
			}
			s.dispatch(ctx, c, workers, &wg, out)
		}
	}
}

func (s *Stage) dispatch(ctx context.Context, c Chunk, workers map[uint64]*worker, wg *sync.WaitGroup, out *bus.Pipe[Frame]) {
	if !s.gens.IsLive(c.Generation) {
		slog.Debug("synthesis: skipping chunk of cancelled generation", "generation", c.Generation, "chunk", c.Index)
		return
	}
	w, ok := workers[c.Generation]
	if !ok {
		// Only the live generation may own a worker.
		for gen, old := range workers {
			close(old.chunks)
			delete(workers, gen)
		}
		w = &worker{chunks: make(chan Chunk, s.cfg.QueueSize), done: make(chan struct{})}
		workers[c.Generation] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(w.done)
			s.work(ctx, c.Generation, w.chunks, out)
		}()
	}

	select {
	case w.chunks <- c:
	case <-w.done:
		// The worker gave up after a synthesis failure.
	case <-s.gens.Done(c.Generation):
	case <-ctx.Done():
	}
	if c.Final {
		close(w.chunks)
		delete(workers, c.Generation)
	}
}

// work synthesizes the chunks of one generation in order.
func (s *Stage) work(parent context.Context, gen uint64, chunks <-chan Chunk, out *bus.Pipe[Frame]) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.gens.Done(gen):
			cancel()
		case <-ctx.Done():
		}
	}()

	var offset time.Duration
	for {
		var c Chunk
		select {
		case <-ctx.Done():
			return
		case next, ok := <-chunks:
			if !ok {
				return
			}
			c = next
		}

		if err := s.synthesize(ctx, c, &offset, out); err != nil {
			if ctx.Err() != nil || !s.gens.IsLive(gen) {
				return
			}
			slog.Warn("synthesis: chunk failed, generation stopped",
				"generation", gen, "chunk", c.Index, "err", err)
			_ = s.send(ctx, out, Frame{Generation: gen, Index: c.Index, Err: err})
			return
		}
		if err := s.send(ctx, out, Frame{Generation: gen, Index: c.Index, EndOfChunk: true, Final: c.Final}); err != nil {
			return
		}
		if c.Final {
			return
		}
	}
}

// synthesize runs one TTS request and emits its audio as fixed-size frames.
func (s *Stage) synthesize(ctx context.Context, c Chunk, offset *time.Duration, out *bus.Pipe[Frame]) error {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return nil
	}
	ctx, span := observe.StartStageSpan(ctx, stageName, "chunk",
		attribute.Int64("generation", int64(c.Generation)),
		attribute.Int("chunk", c.Index),
	)
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ChunkTimeout)
	defer cancel()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	start := time.Now()
	stream, err := s.provider.SynthesizeStream(cctx, textCh, s.cfg.Voice)
	if err != nil {
		s.recordRequest(ctx, "error")
		return fault.Transient("tts", "synthesize", err)
	}

	cf := audio.FormatConverter{Target: s.cfg.Format}
	src := stream.Format
	if src.SampleRate == 0 {
		src = s.cfg.Format
	}
	align := 2 * max(src.Channels, 1)
	frameBytes := max(audio.PCMBytes(s.cfg.FrameDuration, s.cfg.Format.SampleRate, s.cfg.Format.Channels), 2)

	var pending, buf []byte
	first := true
	for {
		var pcm []byte
		select {
		case <-cctx.Done():
			go audio.Drain(stream.Audio)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.recordRequest(ctx, "timeout")
			return fault.Timeout("tts", "synthesize")
		case chunk, ok := <-stream.Audio:
			if !ok {
				return s.finish(ctx, cctx, c, stream, buf, offset, out)
			}
			pcm = chunk
		}
		if first {
			first = false
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			}
		}
		if !s.gens.IsLive(c.Generation) {
			// Late audio of a cancelled generation.
			go audio.Drain(stream.Audio)
			return context.Canceled
		}

		pending = append(pending, pcm...)
		n := len(pending) - len(pending)%align
		if n == 0 {
			continue
		}
		conv := cf.Convert(types.AudioFrame{Data: pending[:n], SampleRate: src.SampleRate, Channels: src.Channels})
		buf = append(buf, conv.Data...)
		pending = append(pending[:0], pending[n:]...)

		for len(buf) >= frameBytes {
			if err := s.emit(ctx, c, buf[:frameBytes], offset, out); err != nil {
				go audio.Drain(stream.Audio)
				return err
			}
			buf = buf[frameBytes:]
		}
	}
}

// finish checks how the provider stream ended and flushes the tail.
func (s *Stage) finish(ctx, cctx context.Context, c Chunk, stream *tts.Stream, tail []byte, offset *time.Duration, out *bus.Pipe[Frame]) error {
	if err := stream.Err(); err != nil {
		s.recordRequest(ctx, "error")
		return fault.Transient("tts", "synthesize", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		s.recordRequest(ctx, "timeout")
		return fault.Timeout("tts", "synthesize")
	}
	if len(tail) > 0 {
		if err := s.emit(ctx, c, tail, offset, out); err != nil {
			return err
		}
	}
	s.recordRequest(ctx, "ok")
	return nil
}

func (s *Stage) emit(ctx context.Context, c Chunk, pcm []byte, offset *time.Duration, out *bus.Pipe[Frame]) error {
	data := make([]byte, len(pcm))
	copy(data, pcm)
	f := types.AudioFrame{
		Data:       data,
		SampleRate: s.cfg.Format.SampleRate,
		Channels:   s.cfg.Format.Channels,
		Seq:        s.seq.Add(1),
		Timestamp:  *offset,
	}
	*offset += f.Duration()
	return s.send(ctx, out, Frame{Generation: c.Generation, Index: c.Index, Audio: f})
}

// send forwards f while its generation is live.
func (s *Stage) send(ctx context.Context, out *bus.Pipe[Frame], f Frame) error {
	if !s.gens.IsLive(f.Generation) {
		return context.Canceled
	}
	return out.Send(ctx, f)
}

func (s *Stage) recordRequest(ctx context.Context, status string) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "tts", status)
	if status != "ok" {
		s.cfg.Metrics.RecordProviderError(ctx, s.cfg.ProviderName, "tts")
	}
}
