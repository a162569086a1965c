package pipeline

import (
	"strings"
	"unicode"
)

// Chunker accumulates streamed reply tokens and cuts them into phrases small
// enough to synthesise with low latency. Sentence punctuation always closes a
// phrase; a comma closes one once enough text is buffered; past maxChars the
// buffer is cut at the last word boundary.
type Chunker struct {
	buf      strings.Builder
	maxChars int
}

const commaCutoff = 48

func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = 140
	}
	return &Chunker{maxChars: maxChars}
}

// Push appends one token and returns any phrases it completed, in order.
func (c *Chunker) Push(token string) []string {
	c.buf.WriteString(token)

	var phrases []string
	for {
		phrase, rest, ok := cutPhrase(c.buf.String(), c.maxChars)
		if !ok {
			break
		}
		c.buf.Reset()
		c.buf.WriteString(rest)
		if phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	return phrases
}

// Flush returns whatever remains buffered.
func (c *Chunker) Flush() string {
	out := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return out
}

func cutPhrase(s string, maxChars int) (phrase, rest string, ok bool) {
	runes := []rune(s)
	lastSpace := -1
	for i, r := range runes {
		switch {
		case isSentenceEnd(r) && boundaryAfter(runes, i):
			return strings.TrimSpace(string(runes[:i+1])), strings.TrimLeft(string(runes[i+1:]), " "), true
		case r == ',' && i+1 >= commaCutoff && boundaryAfter(runes, i):
			return strings.TrimSpace(string(runes[:i+1])), strings.TrimLeft(string(runes[i+1:]), " "), true
		case unicode.IsSpace(r):
			if i <= maxChars {
				lastSpace = i
			}
		}
	}
	if len(runes) > maxChars && lastSpace > 0 {
		return strings.TrimSpace(string(runes[:lastSpace])), strings.TrimLeft(string(runes[lastSpace:]), " "), true
	}
	return "", s, false
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}

// boundaryAfter reports whether position i ends a phrase: followed by space or
// end of buffer. "3.5" style punctuation inside a word does not cut.
func boundaryAfter(runes []rune, i int) bool {
	if i+1 >= len(runes) {
		return true
	}
	return unicode.IsSpace(runes[i+1])
}

// sanitizeSpeech strips text decoration the synthesiser would read aloud and
// collapses whitespace runs.
func sanitizeSpeech(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '*', '`', '#', '_', '~':
			// markdown decoration
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
