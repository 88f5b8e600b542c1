package transcription

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minCorrectableRunes keeps short function words out of matching.
	minCorrectableRunes = 3

	maxLengthRatio = 1.34
)

// Correction records one vocabulary substitution in a final transcript.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
	Phonetic  bool
}

// Vocabulary rewrites misheard spellings of known terms (names, products,
// jargon) in transcript text.
//
// Candidates are found by Double Metaphone code overlap and ranked by
// Jaro-Winkler similarity. Terms with no phonetic overlap are accepted only
// above the stricter fuzzy threshold. Multi-word terms are matched against
// n-gram windows of the input, longest window first.
//
// A Vocabulary is read-only after construction and safe for concurrent use.
type Vocabulary struct {
	terms    []vocabTerm
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

type vocabTerm struct {
	text   string
	lower  string
	tokens []string
	joined string
	codes  map[string]struct{}
}

// NewVocabulary prepares terms for matching. Blank terms are skipped; a nil
// *Vocabulary is returned when nothing is left.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		lower := strings.ToLower(t)
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, vocabTerm{
			text:   t,
			lower:  lower,
			tokens: tokens,
			joined: strings.Join(tokens, ""),
			codes:  metaphoneCodes(tokens),
		})
		// One extra word lets a term heard as two words ("elder nacks")
		// still be found.
		v.maxWords = max(v.maxWords, len(tokens)+1)
	}
	if len(v.terms) == 0 {
		return nil
	}
	return v
}

// Match returns the term most similar to phrase. When matched is false term
// is empty.
func (v *Vocabulary) Match(phrase string) (term string, score float64, phonetic, matched bool) {
	if v == nil {
		return "", 0, false, false
	}
	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	if len(tokens) == 0 || len([]rune(strings.Join(tokens, ""))) < minCorrectableRunes {
		return "", 0, false, false
	}
	codes := metaphoneCodes(tokens)
	joined := strings.Join(tokens, "")

	var best struct {
		term     string
		score    float64
		phonetic bool
	}
	for _, t := range v.terms {
		if len(tokens) > 1 && !comparableLength(joined, t.joined) {
			continue
		}
		s := similarity(tokens, lower, joined, t)
		if overlaps(codes, t.codes) {
			if s >= v.phoneticThreshold && (!best.phonetic || s > best.score) {
				best.term, best.score, best.phonetic = t.text, s, true
			}
			continue
		}
		if !best.phonetic && s >= v.fuzzyThreshold && s > best.score {
			best.term, best.score = t.text, s
		}
	}
	if best.term == "" {
		return "", 0, false, false
	}
	return best.term, best.score, best.phonetic, true
}

// Correct rewrites text, replacing each window that matches a term with the
// term's canonical spelling. Leading and trailing punctuation around a
// window is kept. Words already spelled like a term only have their casing
// normalised and are not reported.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	if v == nil {
		return text, nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(words); {
		n := min(v.maxWords, len(words)-i)
		consumed := 0
		for ; n >= 1; n-- {
			window := words[i : i+n]
			prefix, core, suffix := trimWindow(window)
			if core == "" {
				continue
			}
			term, score, phonetic, ok := v.Match(core)
			if !ok || v.trimmedMatches(core, term, score) {
				continue
			}
			out = append(out, prefix+term+suffix)
			if !strings.EqualFold(core, term) {
				corrections = append(corrections, Correction{
					Original:  core,
					Corrected: term,
					Score:     score,
					Phonetic:  phonetic,
				})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, words[i])
			consumed = 1
		}
		i += consumed
	}
	return strings.Join(out, " "), corrections
}

// trimmedMatches reports whether core without its first or last word still
// matches term at least as well, in which case the extra word belongs to
// the surrounding text.
func (v *Vocabulary) trimmedMatches(core, term string, score float64) bool {
	words := strings.Fields(core)
	if len(words) < 2 {
		return false
	}
	for _, sub := range [][]string{words[1:], words[:len(words)-1]} {
		t, s, _, ok := v.Match(strings.Join(sub, " "))
		if ok && t == term && s >= score {
			return true
		}
	}
	return false
}

// trimWindow splits punctuation off the outer edges of a word window.
// Windows with punctuation between words return an empty core so a
// sentence boundary is never merged into one term.
func trimWindow(window []string) (prefix, core, suffix string) {
	joined := strings.Join(window, " ")
	start := strings.IndexFunc(joined, isWordRune)
	if start < 0 {
		return "", "", ""
	}
	end := strings.LastIndexFunc(joined, isWordRune)
	_, size := utf8.DecodeRuneInString(joined[end:])
	end += size
	core = joined[start:end]
	if len(window) > 1 && strings.ContainsFunc(core, func(r rune) bool {
		return !isWordRune(r) && !unicode.IsSpace(r) && r != '-' && r != '\''
	}) {
		return "", "", ""
	}
	return joined[:start], core, joined[end:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// metaphoneCodes returns the union of Double Metaphone codes for tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// comparableLength reports whether a multi-word window is close enough in
// length to a term that it could be a mishearing of it rather than the term
// plus neighbouring words.
func comparableLength(window, term string) bool {
	w, t := float64(utf8.RuneCountInString(window)), float64(utf8.RuneCountInString(term))
	return w <= t*maxLengthRatio && t <= w*maxLengthRatio
}

// similarity is the better Jaro-Winkler score of the full strings and the
// space-stripped strings. Token pairs are not scored on their own, so a
// window sharing one word with a multi-word term does not match it.
func similarity(tokens []string, lower, joined string, t vocabTerm) float64 {
	score := matchr.JaroWinkler(lower, t.lower, false)
	if len(tokens) > 1 || len(t.tokens) > 1 {
		score = max(score, matchr.JaroWinkler(joined, t.joined, false))
	}
	return score
}
