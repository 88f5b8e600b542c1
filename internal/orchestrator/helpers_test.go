package orchestrator

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/types"
)

// ─── Chunker ──────────────────────────────────────────────────────────────────

func TestChunker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		max       int
		pushes    []string
		wantPush  []string
		wantFlush string
	}{
		{
			name:      "sentences across pushes",
			pushes:    []string{"Hi", " there. How", " are you? I'm", " fine."},
			wantPush:  []string{"Hi there.", "How are you?"},
			wantFlush: "I'm fine.",
		},
		{
			name:      "decimal is not a boundary",
			pushes:    []string{"It costs 3.50 dollars. Okay"},
			wantPush:  []string{"It costs 3.50 dollars."},
			wantFlush: "Okay",
		},
		{
			name:      "long sentence split at a word",
			max:       12,
			pushes:    []string{"one two three four five"},
			wantPush:  []string{"one two", "three four"},
			wantFlush: "five",
		},
		{
			name:      "unbreakable word waits",
			max:       4,
			pushes:    []string{"abcdefgh"},
			wantFlush: "abcdefgh",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := NewChunker(tc.max)
			var got []string
			for _, p := range tc.pushes {
				got = append(got, c.Push(p)...)
			}
			if !slices.Equal(got, tc.wantPush) {
				t.Errorf("pieces = %q, want %q", got, tc.wantPush)
			}
			if f := c.Flush(); f != tc.wantFlush {
				t.Errorf("Flush = %q, want %q", f, tc.wantFlush)
			}
			if f := c.Flush(); f != "" {
				t.Errorf("second Flush = %q, want empty", f)
			}
		})
	}
}

// ─── Truncation ───────────────────────────────────────────────────────────────

func TestSpokenPrefix(t *testing.T) {
	t.Parallel()

	// "Hello there." is 12 chars over 1.2s: 100ms per char.
	first := spokenChunk{index: 0, text: "Hello there.", dur: 1200 * time.Millisecond, done: true}
	second := spokenChunk{index: 1, text: "How are you today?"}

	tests := []struct {
		name   string
		chunks []spokenChunk
		played time.Duration
		want   string
	}{
		{"nothing played", []spokenChunk{first, second}, 0, ""},
		{"no chunks", nil, time.Second, ""},
		{"mid first word", []spokenChunk{first}, 300 * time.Millisecond, ""},
		{"first word", []spokenChunk{first}, 700 * time.Millisecond, "Hello"},
		{"first chunk complete", []spokenChunk{first, second}, 1200 * time.Millisecond, "Hello there."},
		{"into second chunk at measured rate", []spokenChunk{first, second}, 2000 * time.Millisecond, "Hello there. How are"},
		{"beyond estimate", []spokenChunk{first, second}, 10 * time.Second, "Hello there. How are you today?"},
		{"default rate", []spokenChunk{{text: "Let me tell you a long story."}}, time.Second, "Let me tell you"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := spokenPrefix(tc.chunks, tc.played); got != tc.want {
				t.Errorf("spokenPrefix = %q, want %q", got, tc.want)
			}
		})
	}
}

// ─── Echo guard ───────────────────────────────────────────────────────────────

func TestEchoGuard(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := NewEchoGuard(0, 0)
	g.Spoke("The weather today is sunny and warm.", now)

	tests := []struct {
		in   string
		want bool
	}{
		{"the weather today is sunny and warm", true},
		{"The weather today is sunny and warm!", true},
		{"sunny and warm", true},
		{"what about tomorrow", false},
		{"warm", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := g.IsEcho(tc.in, now.Add(time.Second)); got != tc.want {
			t.Errorf("IsEcho(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if g.IsEcho("the weather today is sunny and warm", now.Add(time.Minute)) {
		t.Error("IsEcho after the window: want false")
	}
}

func TestEchoGuard_KeepsRecentEntries(t *testing.T) {
	t.Parallel()

	now := time.Now()
	g := NewEchoGuard(0.9, time.Hour)
	g.Spoke("first sentence nobody repeats", now)
	for i := range defaultEchoEntries {
		g.Spoke("filler", now.Add(time.Duration(i+1)*time.Millisecond))
	}
	if g.IsEcho("first sentence nobody repeats", now.Add(time.Second)) {
		t.Error("oldest entry survived the size cap")
	}
}

// ─── History ──────────────────────────────────────────────────────────────────

func TestHistory_TurnLimit(t *testing.T) {
	t.Parallel()

	h := NewHistory(2, 0)
	h.Add("one", "1")
	h.Add("two", "2")
	h.Add("three", "")

	got := h.Messages()
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "two"},
		{Role: llm.RoleAssistant, Content: "2"},
		{Role: llm.RoleUser, Content: "three"},
	}
	if len(got) != len(want) {
		t.Fatalf("messages = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestHistory_TokenBudget(t *testing.T) {
	t.Parallel()

	long := string(make([]byte, 400))
	h := NewHistory(0, 150)
	h.Add(long, "")
	h.Add(long, "")
	if n := h.Len(); n != 1 {
		t.Errorf("exchanges = %d, want 1 within the budget", n)
	}
	if tok := h.TokenEstimate(); tok > 150 {
		t.Errorf("token estimate = %d, want <= 150", tok)
	}

	// The newest exchange is kept even when it alone exceeds the budget.
	h.Add(long+long, "")
	if n := h.Len(); n != 1 {
		t.Errorf("exchanges = %d, want 1", n)
	}
}

func TestHistory_Seed(t *testing.T) {
	t.Parallel()

	h := NewHistory(10, 0)
	h.Seed([]types.MemoryRecord{
		{Kind: types.MemoryInteraction, UserText: "my dog is Rex", AgentText: "Nice name."},
		{Kind: types.MemoryKnowledge, Value: "not a conversation"},
	})
	msgs := h.Messages()
	if len(msgs) != 2 || msgs[0].Content != "my dog is Rex" || msgs[1].Content != "Nice name." {
		t.Errorf("messages = %+v, want the seeded interaction only", msgs)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	if got := estimateTokens(llm.Message{Role: "user", Content: "abcdefgh"}); got != 3 {
		t.Errorf("estimateTokens = %d, want 3", got)
	}
	if got := estimateTokens(llm.Message{Content: "a"}); got != 1 {
		t.Errorf("estimateTokens of one char = %d, want 1", got)
	}
}

// ─── Turn ─────────────────────────────────────────────────────────────────────

func TestTurn_SegmentsReplaceByID(t *testing.T) {
	t.Parallel()

	tr := newTurn(1, nil)
	tr.upsert(types.TranscriptSegment{ID: 2, Text: "world"})
	tr.upsert(types.TranscriptSegment{ID: 1, Text: "helo"})
	tr.upsert(types.TranscriptSegment{ID: 1, Text: "hello", IsFinal: true})
	if got := tr.text(); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}

	tr.speechEnded = true
	if tr.ready() {
		t.Error("ready with a partial latest segment")
	}
	tr.upsert(types.TranscriptSegment{ID: 2, Text: "world", IsFinal: true})
	if !tr.ready() {
		t.Error("not ready with final latest segment after speech end")
	}

	tr.drop(1)
	if got := tr.text(); got != "world" {
		t.Errorf("text after drop = %q, want %q", got, "world")
	}
}

func TestTurn_ReviseRebuildsFrozenTranscript(t *testing.T) {
	t.Parallel()

	tr := newTurn(1, []types.TranscriptSegment{{ID: 3, Text: "turn the", IsFinal: true}})
	tr.upsert(types.TranscriptSegment{ID: 4, Text: "lights"})
	tr.promote()
	tr.transcript = tr.text()

	if !tr.has(3) || tr.has(5) {
		t.Errorf("has(3), has(5) = %v, %v, want true, false", tr.has(3), tr.has(5))
	}
	tr.revise(types.TranscriptSegment{ID: 4, Text: "lights on", IsFinal: true})
	if got := tr.text(); got != "turn the lights on" {
		t.Errorf("text = %q, want %q", got, "turn the lights on")
	}
	tr.revise(types.TranscriptSegment{ID: 4, IsFinal: true})
	if got := tr.text(); got != "turn the" {
		t.Errorf("text after empty final = %q, want %q", got, "turn the")
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	want := map[Status]string{
		StatusCollecting:       "collecting",
		StatusAwaitingResponse: "awaiting_response",
		StatusResponding:       "responding",
		StatusComplete:         "complete",
		StatusInterrupted:      "interrupted",
		Status(0):              "unknown",
	}
	for s, w := range want {
		if got := s.String(); got != w {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, w)
		}
	}
}
