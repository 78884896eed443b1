// Package wakeword detects a configured wake phrase inside already
// transcribed text and extracts any trailing command.
package wakeword

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// defaultPrefixes are the natural-language prefixes combined with the
// assistant name to build the phrase set, e.g. "hey friday", "okay friday".
var defaultPrefixes = []string{"hey", "okay", "ok", "hello"}

// Matcher detects wake phrases built from an assistant name and a small set
// of prefixes, and extracts the command text following a matched phrase.
type Matcher struct {
	name     string
	phrases  []string // normalised, e.g. "hey friday"
	fuzzyMin float64  // Jaro-Winkler threshold for near-miss logging, 0 disables
}

// New builds a Matcher for the given assistant name using the default
// prefix set.
func New(name string) *Matcher {
	return NewWithPrefixes(name, defaultPrefixes)
}

// NewWithPrefixes builds a Matcher using a caller-supplied set of prefixes
// instead of the defaults.
func NewWithPrefixes(name string, prefixes []string) *Matcher {
	norm := normalise(name)
	phrases := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		phrases = append(phrases, normalise(p)+" "+norm)
	}
	return &Matcher{name: norm, phrases: phrases, fuzzyMin: 0.88}
}

// Result is the outcome of matching one transcript against the wake-phrase
// set.
type Result struct {
	Matched bool
	// Command is the text following the matched wake phrase, with leading
	// whitespace and punctuation stripped. Empty when the phrase matched but
	// no command followed ("wake-only").
	Command string
	// NearMiss holds the closest phrase when no exact match was found but a
	// fuzzy pass suggests the speaker likely meant to say it; it is
	// informational only and never causes a match.
	NearMiss string
}

// Match normalises text (lowercasing letters, dropping everything that is
// not a letter, digit or space) and searches for the earliest-starting wake
// phrase as a substring. On a match, the command is everything in the
// original text after the match, with the match boundary found by counting
// only characters that survive normalisation.
func (m *Matcher) Match(text string) Result {
	norm := normalise(text)

	bestStart, bestEnd := -1, -1
	for _, phrase := range m.phrases {
		idx := strings.Index(norm, phrase)
		if idx < 0 {
			continue
		}
		if bestStart < 0 || idx < bestStart {
			bestStart = idx
			bestEnd = idx + len(phrase)
		}
	}

	if bestStart < 0 {
		return Result{Matched: false, NearMiss: m.nearMiss(norm)}
	}

	origEnd := mapNormalisedIndexToOriginal(text, utf8.RuneCountInString(norm[:bestEnd]))
	command := strings.TrimLeftFunc(text[origEnd:], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return Result{Matched: true, Command: command}
}

// nearMiss reports the configured wake phrase closest to the normalised text
// by Jaro-Winkler similarity, for diagnostic logging only, when it clears
// fuzzyMin but did not exact-match.
func (m *Matcher) nearMiss(norm string) string {
	if m.fuzzyMin <= 0 || norm == "" {
		return ""
	}
	best := ""
	bestScore := 0.0
	for _, phrase := range m.phrases {
		score := matchr.JaroWinkler(norm, phrase, true)
		if score > bestScore {
			bestScore = score
			best = phrase
		}
	}
	if bestScore >= m.fuzzyMin {
		return best
	}
	return ""
}

// normalise lowercases letters and drops every rune that is not a letter,
// digit, or space.
func normalise(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsDigit(r), r == ' ':
			b.WriteRune(r)
		default:
			// dropped
		}
	}
	return b.String()
}

// mapNormalisedIndexToOriginal walks text and normalised(text) in lockstep
// to find the byte offset in the original string corresponding to having
// consumed normIdx runes of surviving (non-dropped) output. This lets a
// match found in normalised space be translated back to a cut point in the
// original text without re-deriving normalisation rules twice.
func mapNormalisedIndexToOriginal(text string, normIdx int) int {
	survived := 0
	for i, r := range text {
		if survived == normIdx {
			return i
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ':
			survived++
		}
	}
	return len(text)
}
