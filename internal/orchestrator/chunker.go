package orchestrator

import (
	"strings"
	"unicode"
)

// Chunker splits streamed model output into speakable pieces. A piece ends
// at a sentence boundary, or at the last word boundary once the buffer grows
// beyond the configured maximum.
type Chunker struct {
	max int
	buf string
}

// NewChunker returns a chunker. maxChars <= 0 disables the length split.
func NewChunker(maxChars int) *Chunker {
	return &Chunker{max: maxChars}
}

// Push appends streamed text and returns the pieces it completed.
func (c *Chunker) Push(text string) []string {
	c.buf += text
	var out []string
	for {
		if i := firstSentenceBoundary(c.buf); i >= 0 {
			out = appendPiece(out, c.buf[:i+1])
			c.buf = strings.TrimLeftFunc(c.buf[i+1:], unicode.IsSpace)
			continue
		}
		if c.max > 0 && len(c.buf) > c.max {
			cut := strings.LastIndexFunc(c.buf[:c.max], unicode.IsSpace)
			if cut > 0 {
				out = appendPiece(out, c.buf[:cut])
				c.buf = strings.TrimLeftFunc(c.buf[cut:], unicode.IsSpace)
				continue
			}
		}
		return out
	}
}

// Flush returns whatever is buffered and empties the chunker.
func (c *Chunker) Flush() string {
	s := strings.TrimSpace(c.buf)
	c.buf = ""
	return s
}

// firstSentenceBoundary returns the index of the first '.', '!' or '?' that
// is followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

func appendPiece(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
