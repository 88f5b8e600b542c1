// Package orchestrator decides when the agent speaks.
//
// An [Orchestrator] owns the turn state machine of one session. It buffers
// transcript segments while the user talks, starts a model response once
// speech has ended and the transcript is final, streams the response into
// the synthesis pipe as sentence-sized chunks, and interrupts it when the
// user barges in. Finished and interrupted turns are handed to the memory
// committer.
//
// Turn detector events take precedence over every other input that is ready
// at the same time, so a speech boundary is never reordered behind model or
// playback events.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/recall"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/internal/turn"
	"github.com/MrWong99/conversify/pkg/audio"
	"github.com/MrWong99/conversify/pkg/types"
)

const (
	reportBuffer = 64
	noticeBuffer = 64
)

// Inputs are the streams the orchestrator consumes. Playback may be nil.
type Inputs struct {
	Events   <-chan turn.Event
	Segments <-chan types.TranscriptSegment
	Playback <-chan synthesis.Event
}

// Orchestrator runs the turn state machine of one session.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	history *History
	echo    *EchoGuard

	mu      sync.Mutex
	current TurnInfo
}

// New returns an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		history: NewHistory(cfg.HistoryTurns, cfg.MaxHistoryTokens),
	}
	if !cfg.DisableEchoGuard {
		o.echo = NewEchoGuard(cfg.EchoThreshold, cfg.EchoWindow)
	}
	return o, nil
}

// History returns the conversation history sent with each request.
func (o *Orchestrator) History() *History { return o.history }

// Current returns a snapshot of the turn in progress.
func (o *Orchestrator) Current() TurnInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Run drives the state machine until ctx is cancelled or both Events and
// Segments are closed. It closes out before returning.
func (o *Orchestrator) Run(ctx context.Context, in Inputs, out *bus.Pipe[synthesis.Chunk]) error {
	l := &loop{
		o:       o,
		out:     out,
		reports: make(chan report, reportBuffer),
		notices: make(chan audio.Notice, noticeBuffer),
		log:     observe.Logger(ctx).With("participant", o.cfg.Participant),
	}

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		l.deliver(ctx)
	}()
	defer func() {
		l.stopResponder()
		l.wg.Wait()
		l.stopFinality()
		out.Close()
		close(l.notices)
		<-delivered
	}()

	l.open(nil)
	events, segments, playback := in.Events, in.Segments, in.Playback
	for {
		l.publish()

		// Speech boundaries first.
		if events != nil {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
				} else {
					l.onTurnEvent(ctx, ev)
				}
				continue
			default:
			}
		}
		if events == nil && segments == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.onTurnEvent(ctx, ev)
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			l.onSegment(ctx, seg)
		case rep := <-l.reports:
			l.onReport(ctx, rep)
		case ev, ok := <-playback:
			if !ok {
				playback = nil
				continue
			}
			l.onPlayback(ctx, ev)
		case <-l.finalityC:
			l.onFinalityTimeout(ctx)
		}
	}
}

// loop is the state owned by one Run call.
type loop struct {
	o       *Orchestrator
	out     *bus.Pipe[synthesis.Chunk]
	reports chan report
	notices chan audio.Notice
	log     *slog.Logger

	turn   *Turn
	nextID uint64

	userSpeaking bool

	// answered is the highest segment id frozen into a response. Later
	// arrivals at or below it revise that turn and never start a new one.
	answered uint64

	// overheard holds segments received while a response is in flight,
	// since the user last started speaking.
	overheard []types.TranscriptSegment

	cancel context.CancelFunc
	wg     sync.WaitGroup

	finality  *time.Timer
	finalityC <-chan time.Time
}

func (l *loop) onTurnEvent(ctx context.Context, ev turn.Event) {
	t := l.turn
	switch ev.Type {
	case turn.SpeechStart:
		l.userSpeaking = true
		if t.Status.Busy() {
			l.overheard = nil
			if ev.Voiced >= l.o.cfg.BargeInMin {
				l.bargeIn(ctx, ev)
			}
			return
		}
		t.speechEnded = false
		l.stopFinality()

	case turn.SpeechSustained:
		if t.Status.Busy() {
			l.bargeIn(ctx, ev)
		}

	case turn.SpeechEnd:
		l.userSpeaking = false
		if t.Status != StatusCollecting {
			return
		}
		t.speechEnded = true
		t.speechEndAt = time.Now()
		if t.ready() {
			l.respond(ctx)
			return
		}
		l.startFinality()

	case turn.SilenceTimeout:
		l.log.Debug("orchestrator: user silent", "turn_id", t.ID)
	}
}

func (l *loop) onSegment(ctx context.Context, seg types.TranscriptSegment) {
	t := l.turn
	if seg.ID <= l.answered {
		l.onLateSegment(seg)
		return
	}
	if seg.IsFinal && l.o.echo != nil && l.o.echo.IsEcho(seg.Text, time.Now()) {
		l.log.Debug("orchestrator: dropping self-echo", "turn_id", t.ID, "segment", seg.ID)
		if t.Status == StatusCollecting {
			t.drop(seg.ID)
		} else {
			l.overheard = dropSegment(l.overheard, seg.ID)
		}
		return
	}

	l.notify(audio.Notice{Type: audio.NoticeTranscript, TurnID: t.ID, Text: seg.Text, Final: seg.IsFinal})
	if t.Status != StatusCollecting {
		l.overheard = upsertSegment(l.overheard, seg)
		return
	}
	t.upsert(seg)
	if t.ready() {
		l.respond(ctx)
	}
}

// onLateSegment applies a segment of an utterance that was already answered.
// While that turn is in flight its transcript is rebuilt so the commit and
// history carry the latest text. Once it has ended the segment is dropped.
func (l *loop) onLateSegment(seg types.TranscriptSegment) {
	t := l.turn
	if !t.Status.Busy() || !t.has(seg.ID) {
		l.log.Debug("orchestrator: dropping segment of an ended turn", "turn_id", t.ID, "segment", seg.ID)
		return
	}
	if seg.IsFinal && l.o.echo != nil && l.o.echo.IsEcho(seg.Text, time.Now()) {
		seg.Text = ""
	}
	t.revise(seg)
	l.log.Debug("orchestrator: revised answered transcript", "turn_id", t.ID, "segment", seg.ID, "final", seg.IsFinal)
	l.notify(audio.Notice{Type: audio.NoticeTranscript, TurnID: t.ID, Text: seg.Text, Final: seg.IsFinal})
}

func (l *loop) onFinalityTimeout(ctx context.Context) {
	l.finality, l.finalityC = nil, nil
	t := l.turn
	if t.Status != StatusCollecting {
		return
	}
	t.promote()
	if t.text() == "" {
		l.log.Debug("orchestrator: no transcript after speech end", "turn_id", t.ID)
		t.segments = nil
		return
	}
	l.log.Debug("orchestrator: promoting partial transcript", "turn_id", t.ID)
	l.respond(ctx)
}

// respond freezes the transcript and starts a response under a new
// generation.
func (l *loop) respond(ctx context.Context) {
	l.stopFinality()
	t := l.turn
	t.transcript = t.text()
	if t.transcript == "" {
		t.segments = nil
		return
	}

	l.answered = max(l.answered, t.segments[len(t.segments)-1].ID)

	t.Status = StatusAwaitingResponse
	t.Generation = l.o.deps.Generations.Advance()
	t.requestAt = time.Now()
	if t.speechEndAt.IsZero() {
		t.speechEndAt = t.requestAt
	}
	l.overheard = nil

	rctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	r := &responder{
		o:       l.o,
		out:     l.out,
		reports: l.reports,
		j: job{
			turnID:     t.ID,
			gen:        t.Generation,
			transcript: t.transcript,
			history:    l.o.history.Messages(),
		},
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		r.run(rctx)
	}()

	l.log.Info("orchestrator: responding", "turn_id", t.ID, "generation", t.Generation, "transcript_chars", len(t.transcript))
	l.notifyStatus()
}

func (l *loop) onReport(ctx context.Context, rep report) {
	t := l.turn
	if rep.turnID != t.ID || rep.gen != t.Generation || !t.Status.Busy() {
		return
	}
	switch rep.kind {
	case reportStarted:
		t.firstChunkAt = rep.at
		if t.Status == StatusAwaitingResponse {
			t.Status = StatusResponding
			l.notifyStatus()
		}

	case reportChunk:
		t.chunks = append(t.chunks, spokenChunk{index: rep.index, text: rep.text})
		if l.o.echo != nil {
			l.o.echo.Spoke(rep.text, rep.at)
		}
		l.notify(audio.Notice{Type: audio.NoticeResponse, TurnID: t.ID, Generation: t.Generation, Text: rep.text})

	case reportDone:
		t.llmDone = true
		t.response = rep.text
		t.fallback = rep.fallback
		l.notify(audio.Notice{Type: audio.NoticeResponse, TurnID: t.ID, Generation: t.Generation, Final: true})
		l.maybeComplete(ctx)
	}
}

func (l *loop) onPlayback(ctx context.Context, ev synthesis.Event) {
	t := l.turn
	if ev.Generation != t.Generation || !t.Status.Busy() {
		return
	}
	switch ev.Type {
	case synthesis.Started:
		t.firstAudioAt = time.Now()
		l.o.cfg.Metrics.TurnLatency.Record(ctx, t.firstAudioAt.Sub(t.speechEndAt).Seconds())

	case synthesis.ChunkDone:
		for i := range t.chunks {
			if t.chunks[i].index == ev.Index {
				t.chunks[i].dur = ev.Chunk
				t.chunks[i].done = true
			}
		}

	case synthesis.GenerationDone:
		t.audioDone = true
		l.maybeComplete(ctx)

	case synthesis.Error:
		l.log.Warn("orchestrator: synthesis failed, audio gap", "turn_id", t.ID, "generation", t.Generation, "chunk", ev.Index, "err", ev.Err)
		l.stopResponder()
		l.o.deps.Generations.Advance()
		if !t.llmDone {
			t.response = t.produced()
		}
		l.complete(ctx)
	}
}

func (l *loop) maybeComplete(ctx context.Context) {
	if l.turn.llmDone && l.turn.audioDone {
		l.complete(ctx)
	}
}

// complete ends the turn after its response was played.
func (l *loop) complete(ctx context.Context) {
	t := l.turn
	l.stopResponder()
	t.Status = StatusComplete

	l.log.Info("orchestrator: turn complete",
		"turn_id", t.ID,
		"generation", t.Generation,
		"fallback", t.fallback,
		"finality_wait", since(t.speechEndAt, t.requestAt),
		"llm_first_chunk", since(t.requestAt, t.firstChunkAt),
		"first_audio", since(t.speechEndAt, t.firstAudioAt),
		"total", time.Since(t.speechEndAt),
	)
	l.finish(ctx, t.response)

	seed := l.overheard
	if !l.userSpeaking && len(seed) > 0 {
		l.log.Debug("orchestrator: dropping speech overheard during response", "turn_id", t.ID, "segments", len(seed))
		seed = nil
	}
	l.open(seed)
}

// bargeIn interrupts the response in flight and opens a new turn.
func (l *loop) bargeIn(ctx context.Context, ev turn.Event) {
	t := l.turn
	l.stopResponder()
	l.o.deps.Generations.Advance()

	var played time.Duration
	if p := l.o.deps.Playback; p != nil {
		played = p.Played(t.Generation)
	}
	spoken := spokenPrefix(t.chunks, played)
	t.Status = StatusInterrupted

	l.notify(audio.Notice{Type: audio.NoticeInterrupt, TurnID: t.ID, Generation: t.Generation})
	l.o.cfg.Metrics.BargeIns.Add(ctx, 1)
	l.log.Info("orchestrator: barge-in",
		"turn_id", t.ID,
		"generation", t.Generation,
		"voiced", ev.Voiced,
		"played", played,
		"spoken_chars", len(spoken),
	)
	l.finish(ctx, spoken)
	l.open(l.overheard)
}

// finish commits the ended turn and appends it to the history.
func (l *loop) finish(ctx context.Context, agentText string) {
	t := l.turn
	status := recall.StatusComplete
	if t.Status == StatusInterrupted {
		status = recall.StatusInterrupted
	}
	if c := l.o.deps.Commits; c != nil {
		rec := recall.TurnRecord{
			SessionID:   l.o.cfg.SessionID,
			Participant: l.o.cfg.Participant,
			TurnID:      t.ID,
			Status:      status,
			UserText:    t.transcript,
			AgentText:   agentText,
			EndedAt:     time.Now(),
		}
		if err := c.CommitAsync(rec); err != nil {
			l.log.Warn("orchestrator: turn not committed", "turn_id", t.ID, "err", err)
		}
	}
	l.o.history.Add(t.transcript, agentText)
	l.o.cfg.Metrics.RecordTurn(ctx, t.Status.String())
	l.notifyStatus()
}

// open starts the next collecting turn.
func (l *loop) open(seed []types.TranscriptSegment) {
	l.nextID++
	l.turn = newTurn(l.nextID, seed)
	l.overheard = nil
	l.notifyStatus()
}

func (l *loop) stopResponder() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *loop) startFinality() {
	l.stopFinality()
	l.finality = time.NewTimer(l.o.cfg.FinalityTimeout)
	l.finalityC = l.finality.C
}

func (l *loop) stopFinality() {
	if l.finality != nil {
		l.finality.Stop()
		l.finality, l.finalityC = nil, nil
	}
}

func (l *loop) publish() {
	info := l.turn.info()
	l.o.mu.Lock()
	l.o.current = info
	l.o.mu.Unlock()
}

func (l *loop) notifyStatus() {
	t := l.turn
	l.notify(audio.Notice{Type: audio.NoticeTurn, TurnID: t.ID, Generation: t.Generation, Status: t.Status.String()})
}

// notify queues a notice without blocking the state machine.
func (l *loop) notify(n audio.Notice) {
	if l.o.deps.Notifier == nil {
		return
	}
	select {
	case l.notices <- n:
	default:
		l.log.Debug("orchestrator: notice queue full, dropping", "type", n.Type)
	}
}

func (l *loop) deliver(ctx context.Context) {
	for n := range l.notices {
		if err := l.o.deps.Notifier.Notify(ctx, n); err != nil {
			l.log.Debug("orchestrator: notice not delivered", "type", n.Type, "err", err)
		}
	}
}

// since returns b-a, or zero when either is unset.
func since(a, b time.Time) time.Duration {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	return b.Sub(a)
}
