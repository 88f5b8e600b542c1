package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/conversify/internal/bus"
	"github.com/MrWong99/conversify/internal/fault"
	"github.com/MrWong99/conversify/internal/observe"
	"github.com/MrWong99/conversify/internal/synthesis"
	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/types"
)

var errEmptyResponse = errors.New("model returned no text")

type reportKind int

const (
	reportStarted reportKind = iota + 1
	reportChunk
	reportDone
)

// report is sent from a responder to the orchestrator loop.
type report struct {
	kind   reportKind
	turnID uint64
	gen    uint64
	at     time.Time

	// index and text describe a chunk; for reportDone text is the full
	// response.
	index int
	text  string

	// fallback names why a fallback phrase was spoken.
	fallback string
	err      error
}

// job is the input of one responder run.
type job struct {
	turnID     uint64
	gen        uint64
	transcript string
	history    []llm.Message
}

// responder streams one model response into synthesis chunks.
type responder struct {
	o       *Orchestrator
	j       job
	out     *bus.Pipe[synthesis.Chunk]
	reports chan<- report

	index   int
	started bool
}

func (r *responder) run(ctx context.Context) {
	ctx, span := observe.StartStageSpan(ctx, "orchestrator", "respond")
	defer span.End()
	log := observe.Logger(ctx).With("turn_id", r.j.turnID, "generation", r.j.gen)

	var memories []types.MemoryRecord
	if m := r.o.deps.Memory; m != nil {
		memories = m.FetchContext(ctx, r.o.cfg.Participant, r.j.transcript)
	}
	req := r.o.buildRequest(r.j, memories)

	text, err := r.stream(ctx, req)
	if ctx.Err() != nil {
		// Interrupted; the loop already moved on.
		return
	}

	done := report{kind: reportDone, text: text}
	if err != nil {
		reason := "error"
		if errors.Is(err, fault.ErrTimeout) {
			reason = "timeout"
		}
		done.err = err
		r.o.cfg.Metrics.RecordProviderError(context.WithoutCancel(ctx), "llm", "stream")
		if strings.TrimSpace(text) == "" {
			phrase := r.o.cfg.fallbackPhrase(r.j.turnID)
			log.Warn("orchestrator: model failed, speaking fallback", "reason", reason, "err", err)
			r.o.cfg.Metrics.RecordFallback(ctx, reason)
			done.text = phrase
			done.fallback = reason
			if !r.emit(ctx, phrase) {
				return
			}
		} else {
			log.Warn("orchestrator: model failed mid-response, keeping partial text", "err", err)
		}
	}

	if !r.send(ctx, done) {
		return
	}
	// An empty final chunk closes the generation in synthesis.
	_ = r.out.Send(ctx, synthesis.Chunk{Generation: r.j.gen, Index: r.index, Final: true})
}

// stream runs the model and forwards completed pieces. It returns the text
// produced so far and the failure, if any.
func (r *responder) stream(ctx context.Context, req llm.CompletionRequest) (string, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := r.o.deps.LLM.StreamCompletion(sctx, req)
	if err != nil {
		return "", fault.Transient("llm", "stream", err)
	}

	timeout := time.NewTimer(r.o.cfg.LLMTimeout)
	defer timeout.Stop()

	var full strings.Builder
	chunker := NewChunker(r.o.cfg.MaxChunkChars)
	for {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		case <-timeout.C:
			return r.flush(ctx, &full, chunker), fault.Timeout("llm", "stream")
		case c, ok := <-ch:
			if !ok {
				r.o.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
				text := r.flush(ctx, &full, chunker)
				if text == "" {
					return "", fault.Transient("llm", "stream", errEmptyResponse)
				}
				return text, nil
			}
			if c.FinishReason == llm.FinishReasonError {
				return r.flush(ctx, &full, chunker), fault.Transient("llm", "stream", fmt.Errorf("stream finished with error: %s", c.Text))
			}
			timeout.Reset(r.o.cfg.LLMTimeout)
			if c.Text == "" {
				continue
			}
			if !r.started {
				r.started = true
				r.o.cfg.Metrics.LLMFirstChunk.Record(ctx, time.Since(start).Seconds())
				if !r.send(ctx, report{kind: reportStarted}) {
					return full.String(), ctx.Err()
				}
			}
			full.WriteString(c.Text)
			for _, piece := range chunker.Push(c.Text) {
				if !r.emit(ctx, piece) {
					return full.String(), ctx.Err()
				}
			}
		}
	}
}

// flush speaks whatever the chunker still holds and returns the trimmed
// response text.
func (r *responder) flush(ctx context.Context, full *strings.Builder, chunker *Chunker) string {
	if rest := chunker.Flush(); rest != "" {
		r.emit(ctx, rest)
	}
	return strings.TrimSpace(full.String())
}

// emit reports a piece to the loop and hands it to synthesis.
func (r *responder) emit(ctx context.Context, text string) bool {
	if !r.started {
		r.started = true
		if !r.send(ctx, report{kind: reportStarted}) {
			return false
		}
	}
	c := synthesis.Chunk{Generation: r.j.gen, Index: r.index, Text: text}
	r.index++
	if !r.send(ctx, report{kind: reportChunk, index: c.Index, text: text}) {
		return false
	}
	return r.out.Send(ctx, c) == nil
}

func (r *responder) send(ctx context.Context, rep report) bool {
	rep.turnID, rep.gen, rep.at = r.j.turnID, r.j.gen, time.Now()
	select {
	case r.reports <- rep:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildRequest assembles the system prompt, memory, history and the user
// message with the latest video frames.
func (o *Orchestrator) buildRequest(j job, memories []types.MemoryRecord) llm.CompletionRequest {
	prompt := o.cfg.Instructions
	if block := memoryBlock(memories); block != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += block
	}

	user := llm.Message{Role: llm.RoleUser, Content: j.transcript}
	if o.cfg.VisionFrames > 0 && o.deps.Frames != nil {
		for _, f := range o.deps.Frames.Latest(o.cfg.VisionFrames) {
			if len(f.Data) == 0 {
				continue
			}
			user.Images = append(user.Images, llm.Image{MIMEType: f.MIMEType, Data: f.Data})
		}
	}

	msgs := make([]llm.Message, 0, len(j.history)+1)
	msgs = append(msgs, j.history...)
	msgs = append(msgs, user)
	return llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     msgs,
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
}

// memoryBlock renders retrieved memory for the system prompt.
func memoryBlock(records []types.MemoryRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memory of earlier conversations and known facts:")
	for _, r := range records {
		v := strings.TrimSpace(r.Value)
		if v == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(strings.ReplaceAll(v, "\n", " "))
	}
	return b.String()
}
