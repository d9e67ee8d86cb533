// Package turns cuts a streamed LLM answer into speakable chat turns.
package turns

import (
	"strings"
	"unicode"
)

// DefaultPunctuations are the runes that may close a turn.
const DefaultPunctuations = ",.!?;:*"

// Turn is one sentence-sized unit of the answer.
type Turn struct {
	Index     int    `json:"index"`
	Text      string `json:"message"`
	Processed bool   `json:"processed"`
}

// Segmenter buffers text deltas and emits a Turn at a punctuation boundary
// once more than MinWords words are buffered. It is not safe for concurrent
// use; one segmenter belongs to one stream.
type Segmenter struct {
	minWords     int
	punctuations string
	buf          strings.Builder
	next         int
}

func NewSegmenter(minWords int, punctuations string) *Segmenter {
	if punctuations == "" {
		punctuations = DefaultPunctuations
	}
	if minWords < 0 {
		minWords = 0
	}
	return &Segmenter{minWords: minWords, punctuations: punctuations}
}

// Push appends a delta and returns any turns it completes, in order.
func (s *Segmenter) Push(delta string) []Turn {
	if delta == "" {
		return nil
	}
	var out []Turn
	runes := []rune(delta)
	start := 0
	for i, r := range runes {
		if !strings.ContainsRune(s.punctuations, r) {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		pending := s.buf.String() + string(runes[start:i+1])
		if len(strings.Fields(pending)) <= s.minWords {
			continue
		}
		s.buf.WriteString(string(runes[start : i+1]))
		start = i + 1
		if turn, ok := s.take(); ok {
			out = append(out, turn)
		}
	}
	s.buf.WriteString(string(runes[start:]))
	return out
}

// Flush emits whatever is buffered when the stream ends.
func (s *Segmenter) Flush() (Turn, bool) {
	return s.take()
}

// Next is the index the next emitted turn will carry.
func (s *Segmenter) Next() int {
	return s.next
}

// Pending returns the buffered text not yet emitted.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

func (s *Segmenter) take() (Turn, bool) {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return Turn{}, false
	}
	turn := Turn{Index: s.next, Text: text}
	s.next++
	return turn, true
}
