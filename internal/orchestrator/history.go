package orchestrator

import (
	"sync"

	"github.com/MrWong99/conversify/pkg/provider/llm"
	"github.com/MrWong99/conversify/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers.
const charsPerToken = 4

// History keeps the most recent user/assistant exchanges of a session within
// a turn count and an estimated token budget. The oldest exchanges are
// dropped first.
//
// All methods are safe for concurrent use.
type History struct {
	maxTurns  int
	maxTokens int

	mu        sync.Mutex
	exchanges []exchange
	tokens    int
}

type exchange struct {
	user, assistant string
	tokens          int
}

// NewHistory returns a history holding at most maxTurns exchanges and
// maxTokens estimated tokens. Zero disables the respective limit.
func NewHistory(maxTurns, maxTokens int) *History {
	return &History{maxTurns: maxTurns, maxTokens: maxTokens}
}

// Add appends one exchange. assistant may be empty when the agent was
// interrupted before saying anything.
func (h *History) Add(user, assistant string) {
	if user == "" && assistant == "" {
		return
	}
	e := exchange{user: user, assistant: assistant}
	e.tokens = estimateTokens(llm.Message{Role: llm.RoleUser, Content: user})
	if assistant != "" {
		e.tokens += estimateTokens(llm.Message{Role: llm.RoleAssistant, Content: assistant})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchanges = append(h.exchanges, e)
	h.tokens += e.tokens
	h.trim()
}

// Seed adds interactions loaded from memory, oldest first. Call it before
// the first turn.
func (h *History) Seed(records []types.MemoryRecord) {
	for _, r := range records {
		if r.Kind != "" && r.Kind != types.MemoryInteraction {
			continue
		}
		h.Add(r.UserText, r.AgentText)
	}
}

// Messages returns the exchanges as alternating user and assistant messages.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]llm.Message, 0, 2*len(h.exchanges))
	for _, e := range h.exchanges {
		if e.user != "" {
			out = append(out, llm.Message{Role: llm.RoleUser, Content: e.user})
		}
		if e.assistant != "" {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: e.assistant})
		}
	}
	return out
}

// Len returns the number of exchanges held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.exchanges)
}

// TokenEstimate returns the estimated token count of all exchanges.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

// trim drops the oldest exchanges beyond the limits, always keeping the
// newest one. Must be called with h.mu held.
func (h *History) trim() {
	drop := 0
	tokens := h.tokens
	for drop < len(h.exchanges)-1 {
		n := len(h.exchanges) - drop
		overTurns := h.maxTurns > 0 && n > h.maxTurns
		overTokens := h.maxTokens > 0 && tokens > h.maxTokens
		if !overTurns && !overTokens {
			break
		}
		tokens -= h.exchanges[drop].tokens
		drop++
	}
	if drop > 0 {
		h.exchanges = append([]exchange(nil), h.exchanges[drop:]...)
		h.tokens = tokens
	}
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
