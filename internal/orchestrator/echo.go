package orchestrator

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultEchoThreshold = 0.9
	defaultEchoWindow    = 10 * time.Second
	defaultEchoEntries   = 16

	// minEchoWords is the shortest transcript matched by word overlap.
	// Shorter ones ("yes", "stop") only match on the whole phrase.
	minEchoWords = 3
)

// EchoGuard recognises transcripts of the agent's own voice picked up by the
// user's microphone. It remembers what the agent said recently and compares
// new transcripts against it with Jaro-Winkler similarity.
//
// All methods are safe for concurrent use.
type EchoGuard struct {
	threshold float64
	maxAge    time.Duration
	maxSize   int

	mu      sync.Mutex
	entries []spokenEntry
}

type spokenEntry struct {
	text   string
	tokens []string
	at     time.Time
}

// NewEchoGuard returns a guard. Zero values select a 0.9 threshold and a ten
// second window.
func NewEchoGuard(threshold float64, window time.Duration) *EchoGuard {
	if threshold <= 0 {
		threshold = defaultEchoThreshold
	}
	if window <= 0 {
		window = defaultEchoWindow
	}
	return &EchoGuard{threshold: threshold, maxAge: window, maxSize: defaultEchoEntries}
}

// Spoke records text the agent is about to say.
func (g *EchoGuard) Spoke(text string, at time.Time) {
	tokens := echoTokens(text)
	if len(tokens) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, spokenEntry{text: strings.Join(tokens, " "), tokens: tokens, at: at})
	g.evict(at)
}

// IsEcho reports whether transcript repeats something the agent said within
// the window.
func (g *EchoGuard) IsEcho(transcript string, now time.Time) bool {
	tokens := echoTokens(transcript)
	if len(tokens) == 0 {
		return false
	}
	full := strings.Join(tokens, " ")

	g.mu.Lock()
	defer g.mu.Unlock()
	g.evict(now)

	spoken := make(map[string]struct{})
	for _, e := range g.entries {
		if matchr.JaroWinkler(full, e.text, false) >= g.threshold {
			return true
		}
		for _, t := range e.tokens {
			spoken[t] = struct{}{}
		}
	}
	if len(tokens) < minEchoWords {
		return false
	}
	hits := 0
	for _, t := range tokens {
		if _, ok := spoken[t]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(tokens)) >= g.threshold
}

// evict drops entries beyond the window or the size cap. Must be called
// with g.mu held.
func (g *EchoGuard) evict(now time.Time) {
	cutoff := now.Add(-g.maxAge)
	start := 0
	for start < len(g.entries) && g.entries[start].at.Before(cutoff) {
		start++
	}
	keep := g.entries[start:]
	if len(keep) > g.maxSize {
		keep = keep[len(keep)-g.maxSize:]
	}
	if len(keep) < len(g.entries) {
		g.entries = append([]spokenEntry(nil), keep...)
	}
}

// echoTokens lowercases s and splits it into words without punctuation.
func echoTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
