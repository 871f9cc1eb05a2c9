package llm

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// terminalRunes end a sentence; clauseRunes additionally end one in clause
// mode.
const (
	terminalRunes = ".!?…"
	clauseRunes   = ",;:"
)

// Extractor assembles complete sentences from an LLM fragment stream. A
// sentence ends at terminal punctuation followed by whitespace (or by end of
// stream) and must be at least the configured minimum length; boundaries of
// too-short candidates are skipped so the text accrues into the next
// sentence. Not safe for concurrent use.
type Extractor struct {
	minLen int
	clause bool
	buf    strings.Builder
}

// NewExtractor returns an extractor. minLen below 1 is treated as 1.
func NewExtractor(minLen int, clauseSplitting bool) *Extractor {
	if minLen < 1 {
		minLen = 1
	}
	return &Extractor{minLen: minLen, clause: clauseSplitting}
}

// Feed appends one fragment and returns any sentences completed by it, in
// order. Whitespace separating a boundary from the next sentence is dropped.
func (e *Extractor) Feed(fragment string) []string {
	e.buf.WriteString(fragment)

	var sentences []string
	for {
		s := e.buf.String()
		idx := e.boundary(s)
		if idx < 0 {
			break
		}
		sentence := s[:idx]
		rest := strings.TrimLeft(s[idx:], " \t\n\r")
		e.buf.Reset()
		e.buf.WriteString(rest)
		sentences = append(sentences, sentence)
	}
	return sentences
}

// Flush returns the trailing unterminated text as a final sentence, or the
// empty string when the remainder is shorter than the minimum length. The
// extractor is reset either way.
func (e *Extractor) Flush() string {
	rest := strings.TrimSpace(e.buf.String())
	e.buf.Reset()
	if utf8.RuneCountInString(rest) < e.minLen {
		return ""
	}
	return rest
}

// boundary returns the byte offset just past the first usable sentence end
// in s, or -1. A usable end is a boundary rune followed by whitespace whose
// preceding segment meets the minimum length.
func (e *Extractor) boundary(s string) int {
	runes := 0
	for i, r := range s {
		runes++
		if !e.isBoundaryRune(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if end >= len(s) {
			// Might be mid-stream; wait for the next fragment to see
			// whether whitespace follows.
			return -1
		}
		next, _ := utf8.DecodeRuneInString(s[end:])
		if !unicode.IsSpace(next) {
			continue
		}
		if runes < e.minLen {
			continue
		}
		return end
	}
	return -1
}

func (e *Extractor) isBoundaryRune(r rune) bool {
	if strings.ContainsRune(terminalRunes, r) {
		return true
	}
	return e.clause && strings.ContainsRune(clauseRunes, r)
}
