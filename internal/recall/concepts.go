package recall

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/conversify/pkg/provider/llm"
)

// maxConcepts caps the topics kept per record.
const maxConcepts = 5

const conceptPrompt = `Extract the key concepts of the following exchange between a user and an assistant.
Return at most 5 short noun phrases, one per line, without numbering or commentary.
Prefer names, places, preferences and facts the user stated about themselves.`

// ConceptExtractor lists the key concepts of a text.
type ConceptExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// LLMExtractor extracts concepts with a language model.
type LLMExtractor struct {
	llm llm.Provider
}

// NewLLMExtractor returns an extractor backed by provider.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{llm: provider}
}

// Extract asks the model for concepts and parses one per line.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: conceptPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  0,
		MaxTokens:    64,
	})
	if err != nil {
		return nil, fmt.Errorf("recall: extract concepts: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return parseConcepts(resp.Content), nil
}

// parseConcepts splits a model answer into unique, trimmed concepts.
func parseConcepts(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		c := stripListMarker(strings.TrimSpace(line))
		c = strings.TrimSpace(strings.Trim(c, `"'`))
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		out = append(out, c)
		if len(out) == maxConcepts {
			break
		}
	}
	return out
}

// stripListMarker removes a leading bullet or "1." / "1)" numbering.
func stripListMarker(s string) string {
	s = strings.TrimLeft(s, "-*• ")
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
