package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/conversify/pkg/provider/llm"
	llmmock "github.com/MrWong99/conversify/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func text(chunks []llm.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// ─── StreamCompletion ─────────────────────────────────────────────────────────

func TestLLMFallback_StreamPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi "}, {Text: "there."}, {FinishReason: "stop"}}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "fallback"}}}
	fb := newLLMFallback(primary, secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(t, ch)
	if text(got) != "Hi there." || got[len(got)-1].FinishReason != "stop" {
		t.Errorf("chunks = %+v, want the primary's stream", got)
	}
	if n := secondary.StreamCallCount(); n != 0 {
		t.Errorf("secondary calls = %d, want 0", n)
	}
}

func TestLLMFallback_StreamFailover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		primary *llmmock.Provider
	}{
		{"open error", &llmmock.Provider{StreamErr: errors.New("unauthorized")}},
		{"error chunk first", &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "rate limited", FinishReason: llm.FinishReasonError}}}},
		{"closed without output", &llmmock.Provider{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "From the backup."}, {FinishReason: "stop"}}}
			fb := newLLMFallback(tc.primary, secondary)

			ch, _ := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
			if got := text(collect(t, ch)); got != "From the backup." {
				t.Errorf("text = %q, want the secondary's answer", got)
			}
		})
	}
}

func TestLLMFallback_StalledPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{HoldOpen: true}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Quick."}, {FinishReason: "stop"}}}
	fb := newLLMFallback(primary, secondary)
	fb.FirstChunkTimeout = 20 * time.Millisecond

	ch, _ := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if got := text(collect(t, ch)); got != "Quick." {
		t.Errorf("text = %q, want the secondary's answer", got)
	}
	call := primary.StreamCalls[0]
	select {
	case <-call.Ctx.Done():
	case <-time.After(time.Second):
		t.Error("abandoned primary stream was not cancelled")
	}
}

func TestLLMFallback_MidStreamErrorIsForwarded(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Half an "}, {Text: "boom", FinishReason: llm.FinishReasonError}}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "unused"}}}
	fb := newLLMFallback(primary, secondary)

	ch, _ := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	got := collect(t, ch)
	if len(got) != 2 || got[1].FinishReason != llm.FinishReasonError {
		t.Errorf("chunks = %+v, want the primary's text then its error", got)
	}
	if n := secondary.StreamCallCount(); n != 0 {
		t.Errorf("secondary calls = %d, want 0 once text was forwarded", n)
	}
}

func TestLLMFallback_AllFailEmitsErrorChunk(t *testing.T) {
	t.Parallel()

	fb := newLLMFallback(&llmmock.Provider{StreamErr: errors.New("a")}, &llmmock.Provider{StreamErr: errors.New("b")})
	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(t, ch)
	if len(got) != 1 || got[0].FinishReason != llm.FinishReasonError {
		t.Errorf("chunks = %+v, want one error chunk", got)
	}
}

// ─── Complete / metadata ──────────────────────────────────────────────────────

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("Content = %q, want %q", resp.Content, "from secondary")
	}

	fb = newLLMFallback(&llmmock.Provider{CompleteErr: errors.New("a")}, &llmmock.Provider{CompleteErr: errors.New("b")})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Metadata(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		TokenCount:        42,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsVision: true},
	}
	fb := newLLMFallback(primary, &llmmock.Provider{})

	if n, err := fb.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "test"}}); err != nil || n != 42 {
		t.Errorf("CountTokens = %d, %v; want 42", n, err)
	}
	if caps := fb.Capabilities(); caps.ContextWindow != 128000 || !caps.SupportsVision {
		t.Errorf("Capabilities = %+v, want the primary's", caps)
	}
}
