// Package turn implements voice activity and utterance boundary detection.
//
// A [Detector] consumes the user's microphone frames, scores each one with a
// [vad.Engine], smooths the score over a short window and emits [Event]s at
// utterance boundaries. While the user speaks it forwards the audio (plus a
// short prefix of what came before the detected start) as [Gated] frames
// for transcription.
//
// The agent's own playback may leak into the microphone. The session reports
// it through [Detector.SetAgentSpeaking], which raises both the probability
// threshold and the minimum voiced duration so the agent does not interrupt
// itself.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/provider/vad"
	"github.com/MrWong99/conversify/pkg/types"
)

// EventType classifies a detector [Event].
type EventType int

const (
	// SpeechStart fires once voiced audio persisted for the minimum duration.
	SpeechStart EventType = iota + 1

	// SpeechSustained fires once per utterance when its voiced duration
	// reaches the barge-in minimum after SpeechStart already fired.
	SpeechSustained

	// SpeechEnd fires after the hangover period of silence.
	SpeechEnd

	// SilenceTimeout fires once after the idle timeout without speech.
	SilenceTimeout
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechSustained:
		return "speech_sustained"
	case SpeechEnd:
		return "speech_end"
	case SilenceTimeout:
		return "silence_timeout"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is an utterance boundary.
type Event struct {
	Type EventType

	// At is the capture time of the audio that triggered the event.
	At time.Duration

	// Voiced is the voiced audio accumulated in the current utterance.
	Voiced time.Duration
}

// Gated is one element of the transcription feed. End marks the end of an
// utterance and carries no audio.
type Gated struct {
	Frame types.AudioFrame
	End   bool
}

// Detector turns raw frames into utterance events. Create one per session.
type Detector struct {
	cfg     Config
	session vad.SessionHandle
	conv    audio.FormatConverter

	agentSpeaking atomic.Bool
	userSpeaking  atomic.Bool

	// Run-loop state.
	window    []float64
	windowPos int
	windowN   int

	speaking  bool
	voiced    time.Duration
	silence   time.Duration
	sustained bool
	idle      time.Duration
	idleFired bool

	pre    []types.AudioFrame
	preDur time.Duration
}

// New opens a VAD session on engine and returns a detector.
func New(engine vad.Engine, cfg Config) (*Detector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:       cfg.SampleRate,
		SpeechThreshold:  cfg.Threshold,
		SilenceThreshold: cfg.ReleaseThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("turn: open vad session: %w", err)
	}
	return &Detector{
		cfg:     cfg,
		session: sess,
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}},
		window:  make([]float64, cfg.SmoothingWindow),
	}, nil
}

// SetAgentSpeaking reports whether agent audio is currently being played.
func (d *Detector) SetAgentSpeaking(v bool) { d.agentSpeaking.Store(v) }

// AgentSpeaking returns the flag set by [Detector.SetAgentSpeaking].
func (d *Detector) AgentSpeaking() bool { return d.agentSpeaking.Load() }

// UserSpeaking reports whether the user is inside an utterance.
func (d *Detector) UserSpeaking() bool { return d.userSpeaking.Load() }

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Run consumes in until it is closed or ctx ends. Events go to events and
// utterance audio to gated. Both pipes are closed when Run returns.
func (d *Detector) Run(ctx context.Context, in <-chan types.AudioFrame, events *bus.Pipe[Event], gated *bus.Pipe[Gated]) error {
	defer events.Close()
	defer gated.Close()
	defer func() {
		if err := d.session.Close(); err != nil {
			slog.Warn("turn: close vad session", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return d.finish(ctx, events, gated)
			}
			if err := d.process(ctx, frame, events, gated); err != nil {
				return err
			}
		}
	}
}

// finish closes an open utterance when the input ends.
func (d *Detector) finish(ctx context.Context, events *bus.Pipe[Event], gated *bus.Pipe[Gated]) error {
	if !d.speaking {
		return nil
	}
	return d.endSpeech(ctx, 0, events, gated)
}

func (d *Detector) process(ctx context.Context, frame types.AudioFrame, events *bus.Pipe[Event], gated *bus.Pipe[Gated]) error {
	dur := frame.Duration()
	if dur <= 0 {
		return nil
	}
	prob, ok := d.score(frame)
	if !ok {
		return nil
	}

	threshold, minSpeech := d.cfg.Threshold, d.cfg.MinSpeech
	if d.agentSpeaking.Load() {
		threshold = d.cfg.AgentSpeakingThreshold
		minSpeech = max(d.cfg.MinSpeech, d.cfg.BargeInMin)
	}

	if d.speaking {
		if err := gated.Send(ctx, Gated{Frame: frame}); err != nil {
			return err
		}
		if prob < d.cfg.ReleaseThreshold {
			d.silence += dur
			if d.silence >= d.cfg.Hangover {
				return d.endSpeech(ctx, frame.Timestamp+dur, events, gated)
			}
			return nil
		}
		d.silence = 0
		d.voiced += dur
		if !d.sustained && d.voiced >= d.cfg.BargeInMin {
			d.sustained = true
			return events.Send(ctx, Event{Type: SpeechSustained, At: frame.Timestamp + dur, Voiced: d.voiced})
		}
		return nil
	}

	d.pushPrefix(frame)
	if prob >= threshold {
		d.voiced += dur
		if d.voiced >= minSpeech {
			return d.startSpeech(ctx, frame.Timestamp+dur, events, gated)
		}
		return nil
	}

	d.voiced = 0
	d.trimPrefix()
	if d.cfg.IdleTimeout > 0 && !d.idleFired {
		d.idle += dur
		if d.idle >= d.cfg.IdleTimeout {
			d.idleFired = true
			return events.Send(ctx, Event{Type: SilenceTimeout, At: frame.Timestamp + dur})
		}
	}
	return nil
}

// score runs the VAD and returns the smoothed probability.
func (d *Detector) score(frame types.AudioFrame) (float64, bool) {
	conv := d.conv.Convert(frame)
	if conv.Data == nil {
		return 0, false
	}
	ev, err := d.session.ProcessFrame(conv.Data)
	if err != nil {
		slog.Debug("turn: vad frame rejected", "seq", frame.Seq, "err", err)
		return 0, false
	}
	d.window[d.windowPos] = ev.Probability
	d.windowPos = (d.windowPos + 1) % len(d.window)
	d.windowN = min(d.windowN+1, len(d.window))

	var sum float64
	for i := range d.windowN {
		sum += d.window[i]
	}
	return sum / float64(d.windowN), true
}

func (d *Detector) startSpeech(ctx context.Context, at time.Duration, events *bus.Pipe[Event], gated *bus.Pipe[Gated]) error {
	d.speaking = true
	d.userSpeaking.Store(true)
	d.silence = 0
	d.idle = 0
	d.idleFired = false
	d.sustained = d.voiced >= d.cfg.BargeInMin

	if err := events.Send(ctx, Event{Type: SpeechStart, At: at, Voiced: d.voiced}); err != nil {
		return err
	}
	for _, f := range d.pre {
		if err := gated.Send(ctx, Gated{Frame: f}); err != nil {
			return err
		}
	}
	d.pre = d.pre[:0]
	d.preDur = 0
	return nil
}

func (d *Detector) endSpeech(ctx context.Context, at time.Duration, events *bus.Pipe[Event], gated *bus.Pipe[Gated]) error {
	voiced := d.voiced
	d.speaking = false
	d.userSpeaking.Store(false)
	d.voiced = 0
	d.silence = 0
	d.sustained = false
	d.idle = 0

	if err := gated.Send(ctx, Gated{End: true}); err != nil {
		return err
	}
	return events.Send(ctx, Event{Type: SpeechEnd, At: at, Voiced: voiced})
}

// pushPrefix appends frame to the pre-speech buffer. While a start candidate
// accumulates, the buffer grows past the padding so no voiced audio is lost.
func (d *Detector) pushPrefix(frame types.AudioFrame) {
	d.pre = append(d.pre, frame)
	d.preDur += frame.Duration()
}

// trimPrefix drops the oldest frames beyond the prefix padding.
func (d *Detector) trimPrefix() {
	drop := 0
	for drop < len(d.pre) && d.preDur-d.pre[drop].Duration() >= d.cfg.PrefixPadding {
		d.preDur -= d.pre[drop].Duration()
		drop++
	}
	if drop > 0 {
		d.pre = append(d.pre[:0], d.pre[drop:]...)
	}
}
