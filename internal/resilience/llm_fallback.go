package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/conversify/pkg/provider/llm"
)

// errNoOutput marks a stream that ended before producing anything.
var errNoOutput = errors.New("stream ended without output")

// LLMFallback is an [llm.Provider] that fails over across several backends.
//
// A streamed completion fails over until a backend produces its first chunk.
// Once text has been forwarded the stream is committed to that backend and
// later failures reach the caller as a [llm.FinishReasonError] chunk.
type LLMFallback struct {
	group *Group[llm.Provider]

	// FirstChunkTimeout bounds the wait for a backend's first chunk before
	// the next one is tried. Zero waits for as long as the caller does.
	FirstChunkTimeout time.Duration
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewGroup("llm", primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.Add(name, p) }

// Group returns the underlying backend group.
func (f *LLMFallback) Group() *Group[llm.Provider] { return f.group }

// StreamCompletion returns at once. Backends are tried from a goroutine that
// forwards the first stream producing output; if none does, the channel
// carries a single error chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		var (
			src    <-chan llm.Chunk
			first  llm.Chunk
			cancel context.CancelFunc
		)
		_, err := Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (struct{}, error) {
			actx, acancel := context.WithCancel(ctx)
			ch, c, err := f.open(actx, p, req)
			if err != nil {
				acancel()
				return struct{}{}, err
			}
			src, first, cancel = ch, c, acancel
			return struct{}{}, nil
		})
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, out, llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
			}
			return
		}
		defer cancel()
		if !send(ctx, out, first) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-src:
				if !ok {
					return
				}
				if !send(ctx, out, c) {
					return
				}
			}
		}
	}()
	return out, nil
}

// open starts a stream on p and waits for its first chunk. A stream that
// fails or closes before producing text or a normal finish is an error.
func (f *LLMFallback) open(ctx context.Context, p llm.Provider, req llm.CompletionRequest) (<-chan llm.Chunk, llm.Chunk, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, llm.Chunk{}, err
	}
	var timeout <-chan time.Time
	if f.FirstChunkTimeout > 0 {
		t := time.NewTimer(f.FirstChunkTimeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil, llm.Chunk{}, ctx.Err()
		case <-timeout:
			go drain(ch)
			return nil, llm.Chunk{}, fmt.Errorf("no output after %s", f.FirstChunkTimeout)
		case c, ok := <-ch:
			switch {
			case !ok:
				return nil, llm.Chunk{}, errNoOutput
			case c.FinishReason == llm.FinishReasonError:
				go drain(ch)
				return nil, llm.Chunk{}, errors.New(strings.TrimSpace(c.Text))
			case c.Text == "" && c.FinishReason == "":
				continue
			}
			return ch, c, nil
		}
	}
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the first backend that can count.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return Call(context.Background(), f.group, func(_ context.Context, p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain consumes an abandoned stream so its producer can exit.
func drain[T any](ch <-chan T) {
	for range ch {
	}
}
