package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/types"
)

// Sink receives agent audio. [audio.Connection] satisfies it.
type Sink interface {
	Play(ctx context.Context, frame types.AudioFrame) error
}

// EventType classifies a playout [Event].
type EventType int

const (
	// Started fires after the first frame of a generation was written.
	Started EventType = iota + 1

	// ChunkDone fires after the last frame of a chunk was written.
	ChunkDone

	// GenerationDone fires after the last frame of a generation was written.
	GenerationDone

	// Error reports a synthesis failure. The generation produces no more
	// audio.
	Error
)

func (t EventType) String() string {
	switch t {
	case Started:
		return "started"
	case ChunkDone:
		return "chunk_done"
	case GenerationDone:
		return "generation_done"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports playback progress of the live generation.
type Event struct {
	Type       EventType
	Generation uint64
	Index      int

	// Played is the generation audio written so far.
	Played time.Duration

	// Chunk is the audio length of chunk Index (ChunkDone only).
	Chunk time.Duration

	Err error
}

// PlayoutConfig configures a [Playout].
type PlayoutConfig struct {
	// Pace writes frames in real time instead of as fast as the sink
	// accepts them. Played durations then track what the user heard.
	Pace bool

	// Lead is how far playback may run ahead of real time when pacing.
	// Default 100ms.
	Lead time.Duration

	// OnSpeaking is called from the playout goroutine whenever agent audio
	// starts or stops. The session wires it to the turn detector.
	OnSpeaking func(bool)
}

// Playout writes live frames to a [Sink] and reports progress.
type Playout struct {
	sink Sink
	gens *Generations
	cfg  PlayoutConfig

	mu     sync.Mutex
	played map[uint64]time.Duration

	// Run-loop state.
	current  uint64
	started  bool
	chunkDur time.Duration
	speaking bool
	clock    time.Time
}

// NewPlayout returns a playout writing to sink.
func NewPlayout(sink Sink, gens *Generations, cfg PlayoutConfig) *Playout {
	if cfg.Lead <= 0 {
		cfg.Lead = 100 * time.Millisecond
	}
	return &Playout{
		sink:   sink,
		gens:   gens,
		cfg:    cfg,
		played: make(map[uint64]time.Duration),
	}
}

// Played returns how much audio of gen has been written to the sink. The
// value stays readable for the previous generation after a cancellation.
func (p *Playout) Played(gen uint64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played[gen]
}

// Run consumes in until it is closed or ctx ends. events is closed on
// return. A closed sink ends the run with a [fault.SessionFatalError].
func (p *Playout) Run(ctx context.Context, in <-chan Frame, events *bus.Pipe[Event]) error {
	defer events.Close()
	defer p.setSpeaking(false)

	var cancelled <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cancelled:
			cancelled = nil
			p.stop()

		case f, ok := <-in:
			if !ok {
				return nil
			}
			if !p.gens.IsLive(f.Generation) {
				continue
			}
			if f.Generation != p.current {
				p.begin(f.Generation)
				cancelled = p.gens.Done(f.Generation)
			}
			if err := p.handle(ctx, f, events); err != nil {
				return err
			}
		}
	}
}

func (p *Playout) begin(gen uint64) {
	p.current = gen
	p.started = false
	p.chunkDur = 0

	p.mu.Lock()
	for g := range p.played {
		if g+1 < gen {
			delete(p.played, g)
		}
	}
	p.played[gen] = 0
	p.mu.Unlock()
}

// stop ends playback after the live generation was cancelled.
func (p *Playout) stop() {
	p.clock = time.Time{}
	p.setSpeaking(false)
}

func (p *Playout) handle(ctx context.Context, f Frame, events *bus.Pipe[Event]) error {
	switch {
	case f.Err != nil:
		p.setSpeaking(false)
		return events.Send(ctx, Event{Type: Error, Generation: f.Generation, Index: f.Index, Played: p.Played(f.Generation), Err: f.Err})

	case f.EndOfChunk:
		ev := Event{Type: ChunkDone, Generation: f.Generation, Index: f.Index, Played: p.Played(f.Generation), Chunk: p.chunkDur}
		p.chunkDur = 0
		if err := events.Send(ctx, ev); err != nil {
			return err
		}
		if !f.Final {
			return nil
		}
		p.setSpeaking(false)
		ev.Type = GenerationDone
		ev.Chunk = 0
		return events.Send(ctx, ev)

	default:
		return p.write(ctx, f, events)
	}
}

func (p *Playout) write(ctx context.Context, f Frame, events *bus.Pipe[Event]) error {
	dur := f.Audio.Duration()
	if p.cfg.Pace {
		now := time.Now()
		if p.clock.Before(now) {
			p.clock = now
		}
		if wait := time.Until(p.clock) - p.cfg.Lead; wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-p.gens.Done(f.Generation):
				t.Stop()
				return nil
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	// The generation may have been cancelled while this frame was queued.
	if !p.gens.IsLive(f.Generation) {
		return nil
	}

	p.setSpeaking(true)
	if err := p.sink.Play(ctx, f.Audio); err != nil {
		if errors.Is(err, audio.ErrClosed) {
			return fault.Fatal("transport closed", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("synthesis: frame not played", "generation", f.Generation, "chunk", f.Index, "err", err)
		return nil
	}
	if p.cfg.Pace {
		p.clock = p.clock.Add(dur)
	}
	p.chunkDur += dur

	p.mu.Lock()
	p.played[f.Generation] += dur
	played := p.played[f.Generation]
	p.mu.Unlock()

	if !p.started {
		p.started = true
		return events.Send(ctx, Event{Type: Started, Generation: f.Generation, Index: f.Index, Played: played})
	}
	return nil
}

func (p *Playout) setSpeaking(v bool) {
	if p.speaking == v {
		return
	}
	p.speaking = v
	if p.cfg.OnSpeaking != nil {
		p.cfg.OnSpeaking(v)
	}
}
