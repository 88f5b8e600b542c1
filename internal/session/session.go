package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/orchestrator"
	"github.com/MrWong99/conversify/internal/recall"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/internal/transcription"
	"github.com/MrWong99/conversify/internal/turn"
	"github.com/MrWong99/conversify/internal/vision"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/types"
)

// errDisconnected ends the stage group when the transport goes away.
var errDisconnected = errors.New("session: transport disconnected")

// Info describes a running session.
type Info struct {
	ID          string
	Participant string
	StartedAt   time.Time
	Turn        orchestrator.TurnInfo
}

// Session is the pipeline of one connected user.
type Session struct {
	id          string
	participant string
	startedAt   time.Time
	cfg         Config

	conn      audio.Connection
	gens      *synthesis.Generations
	detector  *turn.Detector
	stt       *transcription.Stage
	sampler   *vision.Sampler
	orch      *orchestrator.Orchestrator
	tts       *synthesis.Stage
	playout   *synthesis.Playout
	committer *recall.Committer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newSession(ctx context.Context, p Providers, memory *recall.Manager, cfg Config, conn audio.Connection) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		participant: conn.Participant(),
		startedAt:   time.Now(),
		cfg:         cfg,
		conn:        conn,
		gens:        synthesis.NewGenerations(),
		done:        make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(observe.WithSession(ctx, s.id))

	det, err := turn.New(p.VAD, cfg.Turn)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.detector = det
	s.stt = transcription.New(p.STT, cfg.Transcription)
	if cfg.VisionEnabled {
		s.sampler = vision.New(cfg.Vision)
	}
	s.tts = synthesis.New(p.TTS, s.gens, cfg.Synthesis)

	pcfg := cfg.Playout
	onSpeaking := pcfg.OnSpeaking
	pcfg.OnSpeaking = func(speaking bool) {
		det.SetAgentSpeaking(speaking)
		if onSpeaking != nil {
			onSpeaking(speaking)
		}
	}
	s.playout = synthesis.NewPlayout(conn, s.gens, pcfg)
	s.committer = memory.NewCommitter(cfg.CommitQueue)

	ocfg := cfg.Orchestrator
	ocfg.SessionID = s.id
	ocfg.Participant = s.participant
	deps := orchestrator.Deps{
		LLM:         p.LLM,
		Generations: s.gens,
		Memory:      memory,
		Commits:     s.committer,
		Playback:    s.playout,
		Notifier:    conn,
	}
	if s.sampler != nil {
		deps.Frames = s.sampler
	}
	s.orch, err = orchestrator.New(deps, ocfg)
	if err != nil {
		s.abort()
		return nil, err
	}
	if cfg.LoadLastN > 0 {
		s.orch.History().Seed(memory.History(s.ctx, s.participant, cfg.LoadLastN))
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Participant returns the identity of the connected user.
func (s *Session) Participant() string { return s.participant }

// Orchestrator returns the session's orchestrator.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Generations returns the session's generation counter.
func (s *Session) Generations() *synthesis.Generations { return s.gens }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{ID: s.id, Participant: s.participant, StartedAt: s.startedAt, Turn: s.orch.Current()}
}

// Stop ends the session. It does not wait; use Wait or Done.
func (s *Session) Stop() { s.cancel() }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns the fatal error that
// ended it, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// abort releases a session that never started.
func (s *Session) abort() {
	s.cancel()
	s.committer.Close()
	close(s.done)
}

func (s *Session) start(onExit func()) {
	m := s.cfg.Metrics
	m.ActiveSessions.Add(s.ctx, 1)
	log := observe.Logger(s.ctx)
	log.Info("session: started", "participant", s.participant, "vision", s.sampler != nil)

	go func() {
		err := s.run()
		s.teardown()
		if errors.Is(err, errDisconnected) {
			err = nil
		}
		s.err = err
		m.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)
		onExit()
		log.Info("session: ended", "participant", s.participant, "duration", time.Since(s.startedAt), "err", err)
		close(s.done)
	}()
}

// run wires the stages and blocks until the group ends.
func (s *Session) run() error {
	pc := s.cfg.Pipes
	opt := bus.WithMetrics(s.cfg.Metrics)
	events := bus.NewPipe[turn.Event]("turn-events", pc.Events, opt)
	gated := bus.NewPipe[turn.Gated]("gated-audio", pc.Gated, opt)
	segments := bus.NewPipe[types.TranscriptSegment]("transcript", pc.Segments, opt)
	chunks := bus.NewPipe[synthesis.Chunk]("response-chunks", pc.Chunks, opt)
	frames := bus.NewPipe[synthesis.Frame]("agent-audio", pc.Frames, opt)
	playback := bus.NewPipe[synthesis.Event]("playback-events", pc.Playback, opt)

	g, ctx := errgroup.WithContext(s.ctx)
	stage := func(name string, fn func(context.Context) error) {
		g.Go(func() error { return supervise(ctx, name, fn) })
	}

	stage("turn", func(ctx context.Context) error {
		return s.detector.Run(ctx, s.conn.Audio(), events, gated)
	})
	stage("transcription", func(ctx context.Context) error {
		return s.stt.Run(ctx, gated.C(), segments)
	})
	if s.sampler != nil {
		stage("vision", func(ctx context.Context) error {
			return s.sampler.Run(ctx, s.conn.Video())
		})
	}
	stage("orchestrator", func(ctx context.Context) error {
		in := orchestrator.Inputs{Events: events.C(), Segments: segments.C(), Playback: playback.C()}
		if err := s.orch.Run(ctx, in, chunks); err != nil {
			return err
		}
		// The user's audio ended; nothing more to respond to.
		return errDisconnected
	})
	stage("synthesis", func(ctx context.Context) error {
		return s.tts.Run(ctx, chunks.C(), frames)
	})
	stage("playout", func(ctx context.Context) error {
		return s.playout.Run(ctx, frames.C(), playback)
	})
	g.Go(func() error {
		select {
		case <-s.conn.Done():
			return errDisconnected
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// teardown cancels in-flight generations and flushes pending memory writes
// before the connection is released.
func (s *Session) teardown() {
	s.cancel()
	s.gens.Advance()
	s.committer.Close()
	if err := s.conn.Close(); err != nil {
		observe.Logger(s.ctx).Debug("session: close connection", "err", err)
	}
}

// supervise runs one stage. Fatal errors and disconnects end the session;
// any other failure is logged and only stops that stage.
func supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errDisconnected), fault.IsFatal(err):
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil
	default:
		observe.Logger(ctx).Error("session: stage stopped", "stage", name, "err", err)
		return nil
	}
}
