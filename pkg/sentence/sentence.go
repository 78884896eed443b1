// Package sentence splits a stream of incoming text fragments into
// sentence-sized chunks suitable for handing off to a text-to-speech engine
// one sentence at a time, so synthesis of sentence N+1 can overlap playback
// of sentence N.
package sentence

import (
	"strings"
	"unicode"
)

// Pipeliner accumulates fragments and emits completed sentences via a
// callback. It is not safe for concurrent use from multiple producer
// goroutines; the contract is single producer (Feed), single logical
// consumer (the callback), matching the network-delta dispatch pattern it's
// driven from.
type Pipeliner struct {
	buf strings.Builder
	on  func(sentence string)
}

// New constructs a Pipeliner that invokes onSentence once per completed
// sentence, in the order fragments were fed.
func New(onSentence func(sentence string)) *Pipeliner {
	return &Pipeliner{on: onSentence}
}

// Feed appends a fragment and emits any sentences it completes.
func (p *Pipeliner) Feed(fragment string) {
	p.buf.WriteString(stripEmoji(fragment))
	p.drain()
}

// Flush emits whatever remains in the buffer as one final sentence, even if
// it has no terminating punctuation. No-op if the buffer is empty.
func (p *Pipeliner) Flush() {
	rest := p.buf.String()
	p.buf.Reset()
	if rest == "" {
		return
	}
	p.emit(rest)
}

// drain repeatedly looks for the earliest sentence boundary in the current
// buffer and emits everything up to and including it, until no further
// boundary is found. A boundary at index 0 (the buffer starts with a list
// marker or a blank line) leaves nothing to emit, so draining stops there and
// the buffered text waits for Flush.
func (p *Pipeliner) drain() {
	for {
		text := p.buf.String()
		idx := findBoundary(text)
		if idx <= 0 {
			return
		}
		completed := text[:idx]
		remainder := text[idx:]
		p.buf.Reset()
		p.buf.WriteString(remainder)
		p.emit(completed)
	}
}

func (p *Pipeliner) emit(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if p.on != nil {
		p.on(s)
	}
}

// findBoundary returns the index just past the earliest completed-sentence
// boundary in text, or -1 if none is found yet. Boundaries recognised:
// terminal punctuation (. ! ?) followed by whitespace or end-of-string;
// bullet boundaries (\n- or \n*); a decimal-numbered list boundary
// (\n123. ); a paragraph break (\n\n); a colon followed by newline (:\n).
func findBoundary(text string) int {
	best := -1
	consider := func(idx int) {
		if idx < 0 {
			return
		}
		if best < 0 || idx < best {
			best = idx
		}
	}

	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '.', '!', '?':
			// Terminal punctuation: boundary is after any following
			// whitespace run (so "Hi. " -> emit "Hi. ") or at end-of-string.
			j := i + 1
			if j >= len(runes) {
				// End of stream reached without trailing whitespace yet;
				// not a confirmed boundary until Flush is called, unless a
				// newline or more text arrives. Treat bare EOS as pending.
				continue
			}
			if unicode.IsSpace(runes[j]) {
				k := j
				for k < len(runes) && unicode.IsSpace(runes[k]) && runes[k] != '\n' {
					k++
				}
				consider(byteIndex(text, runes, k))
			}
		case '\n':
			if i+1 < len(runes) {
				switch runes[i+1] {
				case '-', '*':
					// Bullet boundary: the sentence ends right before the
					// newline that introduces the bullet; the marker and
					// its item stay in the remainder.
					consider(byteIndex(text, runes, i))
				case '\n':
					// Paragraph break: same reasoning, boundary precedes
					// the blank line.
					consider(byteIndex(text, runes, i))
				default:
					if _, ok := matchNumberedList(runes, i+1); ok {
						consider(byteIndex(text, runes, i))
					}
				}
			}
		case ':':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				consider(byteIndex(text, runes, i+2))
			}
		}
	}
	return best
}

// matchNumberedList checks for a "123. " pattern starting at digit index i
// (the character right after a preceding newline) and returns the rune
// index just past the boundary (the space after the period) if matched.
func matchNumberedList(runes []rune, i int) (int, bool) {
	j := i
	for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
		j++
	}
	if j == i || j+1 >= len(runes) {
		return 0, false
	}
	if runes[j] != '.' || runes[j+1] != ' ' {
		return 0, false
	}
	return j + 2, true
}

// byteIndex converts a rune index back into a byte offset within the
// original string, since text is processed rune-at-a-time but strings.Builder
// deals in bytes.
func byteIndex(text string, runes []rune, runeIdx int) int {
	if runeIdx >= len(runes) {
		return len(text)
	}
	count := 0
	for i := range text {
		if count == runeIdx {
			return i
		}
		count++
	}
	return len(text)
}

// stripEmoji removes emoji and other supplementary-multilingual-plane
// symbols, which downstream TTS voices tend to mispronounce or vocalise as
// "emoji" literally.
func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // misc symbols/pictographs through symbols-and-pictographs-extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators (flags)
		return true
	case r == 0x200D: // zero-width joiner, used in composite emoji
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	default:
		return false
	}
}
