package recall

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/conversify/pkg/provider/llm"
	llmmock "github.com/MrWong99/conversify/pkg/provider/llm/mock"
)

func TestParseConcepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain lines", "lights\nliving room\n", []string{"lights", "living room"}},
		{"bullets and numbers", "- Rex\n* golden retriever\n3. park", []string{"Rex", "golden retriever", "park"}},
		{"dedupe case-insensitive", "Jazz\njazz\n\"JAZZ\"", []string{"Jazz"}},
		{"cap", "a\nb\nc\nd\ne\nf\ng", []string{"a", "b", "c", "d", "e"}},
		{"empty", "\n  \n", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := parseConcepts(tc.in); !slices.Equal(got, tc.want) {
				t.Errorf("parseConcepts(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLLMExtractor(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "- coffee\n- mornings"}}
	got, err := NewLLMExtractor(p).Extract(context.Background(), "User: I drink coffee every morning")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !slices.Equal(got, []string{"coffee", "mornings"}) {
		t.Errorf("Extract = %q", got)
	}
	if len(p.CompleteCalls) != 1 || p.CompleteCalls[0].Req.SystemPrompt != conceptPrompt {
		t.Errorf("Complete not called with the concept prompt: %+v", p.CompleteCalls)
	}

	p = &llmmock.Provider{CompleteErr: errors.New("boom")}
	if _, err := NewLLMExtractor(p).Extract(context.Background(), "x"); err == nil {
		t.Error("Extract with failing model: want error")
	}
}

func TestStripListMarker(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"- coffee":    "coffee",
		"12) tea":     "tea",
		"3D printing": "3D printing",
		"• 2. Paris":  "Paris",
		"1984":        "1984",
	}
	for in, want := range tests {
		if got := stripListMarker(in); got != want {
			t.Errorf("stripListMarker(%q) = %q, want %q", in, got, want)
		}
	}
}
