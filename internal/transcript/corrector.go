// Package transcript corrects mis-heard custom vocabulary in final
// transcripts. Speech recognizers routinely mangle proper nouns the model has
// never seen; the corrector maps them back to their canonical spelling using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity.
//
// Matching proceeds in two stages per candidate window:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for each input
//     token and each vocabulary term. A code overlap makes the term a
//     phonetic candidate, accepted when its Jaro-Winkler score clears the
//     phonetic threshold (default 0.70).
//  2. Fuzzy fallback: when no phonetic candidate exists, pure Jaro-Winkler
//     similarity is tested against a stricter threshold (default 0.85).
//
// Multi-word terms are supported through n-gram windows up to the widest
// term in the vocabulary; the longest matching window wins.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// trailingPunct is stripped from window edges before matching and re-attached
// after, so "Selenka?" can still align with "Zelenka".
const trailingPunct = ".,!?;:…\"'"

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// matched term must reach. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the non-phonetic
// fallback. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Correction records one replacement the corrector made.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// term is a vocabulary entry with its matching data precomputed.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Corrector matches transcript text against a fixed vocabulary. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	terms    []term
	maxWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCorrector builds a corrector for the given vocabulary. Phonetic codes
// are computed once here; a session's vocabulary never changes while it is
// live. Blank entries are ignored.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		canonical := strings.TrimSpace(v)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Enabled reports whether the corrector has any vocabulary to match against.
// A disabled corrector passes text through untouched.
func (c *Corrector) Enabled() bool { return len(c.terms) > 0 }

// Correct scans text for windows that phonetically align with a vocabulary
// term and replaces them with the canonical spelling. Whitespace is
// normalized to single spaces. Windows that already spell a term correctly
// are canonicalized in case but not reported as corrections.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if !c.Enabled() {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		// Longest window first so multi-word terms beat partial matches.
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core, leading, trailing := trimPunct(window)
			if core == "" {
				continue
			}

			t, score, ok := c.match(core)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(leading+t.canonical+trailing)...)
			if !strings.EqualFold(core, t.canonical) {
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  t.canonical,
					Confidence: score,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// match finds the best vocabulary term for one window, if any.
func (c *Corrector) match(window string) (term, float64, bool) {
	lower := strings.ToLower(window)
	inputTokens := strings.Fields(lower)
	inputCodes := codesForTokens(inputTokens)

	var (
		best         term
		bestScore    float64
		bestPhonetic bool
		found        bool
	)

	for _, t := range c.terms {
		phonetic := codesOverlap(inputCodes, t.codes)
		score := bestJWScore(inputTokens, t.tokens, lower, t.lower)

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic, found = t, score, true, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				best, bestScore, found = t, score, true
			}
		}
	}

	return best, bestScore, found
}

// trimPunct splits off leading and trailing punctuation from a window.
func trimPunct(window string) (core, leading, trailing string) {
	core = strings.TrimLeft(window, trailingPunct)
	leading = window[:len(window)-len(core)]
	trimmed := strings.TrimRight(core, trailingPunct)
	trailing = core[len(trimmed):]
	return trimmed, leading, trailing
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
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

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between input and
// term using full strings, space-stripped strings, and the best pairwise
// token score. The last strategy covers the common case of one spoken word
// aligning with one word of a multi-word term.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concatIn := strings.Join(inputTokens, "")
		concatTerm := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concatIn, concatTerm, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}
