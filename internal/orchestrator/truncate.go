package orchestrator

import (
	"strings"
	"time"
	"unicode"
)

// defaultCharDuration approximates how long one character takes to speak
// until a fully played chunk gives a measured rate.
const defaultCharDuration = 65 * time.Millisecond

// spokenChunk tracks one response chunk handed to synthesis.
type spokenChunk struct {
	index int
	text  string

	// dur is the chunk's total audio, known once done.
	dur  time.Duration
	done bool
}

// spokenPrefix returns the part of the response the user actually heard,
// cut at the last word boundary inside the chunk that was playing when
// played ran out.
func spokenPrefix(chunks []spokenChunk, played time.Duration) string {
	if played <= 0 || len(chunks) == 0 {
		return ""
	}
	rate := charDuration(chunks)

	var parts []string
	for _, c := range chunks {
		if played <= 0 {
			break
		}
		runes := []rune(c.text)
		total := c.dur
		if !c.done || total <= 0 {
			total = time.Duration(len(runes)) * rate
		}
		if c.done && played >= total {
			parts = append(parts, c.text)
			played -= total
			continue
		}
		pos := len(runes)
		if total > 0 && played < total {
			pos = int(int64(len(runes)) * int64(played) / int64(total))
		}
		if p := wordPrefix(runes, pos); p != "" {
			parts = append(parts, p)
		}
		break
	}
	return strings.Join(parts, " ")
}

// charDuration measures the speaking rate from fully played chunks.
func charDuration(chunks []spokenChunk) time.Duration {
	var dur time.Duration
	var chars int
	for _, c := range chunks {
		if c.done && c.dur > 0 {
			dur += c.dur
			chars += len([]rune(c.text))
		}
	}
	if chars == 0 {
		return defaultCharDuration
	}
	return dur / time.Duration(chars)
}

// wordPrefix cuts runes at the last whitespace at or before pos.
func wordPrefix(runes []rune, pos int) string {
	if pos >= len(runes) {
		return strings.TrimSpace(string(runes))
	}
	for i := pos; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return strings.TrimSpace(string(runes[:i]))
		}
	}
	return ""
}
