package turns

import (
	"strings"
	"testing"
)

func pushAll(s *Segmenter, deltas ...string) []Turn {
	var out []Turn
	for _, d := range deltas {
		out = append(out, s.Push(d)...)
	}
	if t, ok := s.Flush(); ok {
		out = append(out, t)
	}
	return out
}

func TestSegmenterEmitsAfterMinimumWords(t *testing.T) {
	s := NewSegmenter(5, "")
	got := pushAll(s, "Hello", " there", ",", " how are you doing today", "?", " I am", " fine.")
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d: %+v", len(got), got)
	}
	if got[0].Text != "Hello there, how are you doing today?" {
		t.Fatalf("unexpected first turn %q", got[0].Text)
	}
	if got[1].Text != "I am fine." {
		t.Fatalf("unexpected flushed turn %q", got[1].Text)
	}
	for i, turn := range got {
		if turn.Index != i || turn.Processed {
			t.Fatalf("turn %d has index %d processed %v", i, turn.Index, turn.Processed)
		}
	}
}

func TestSegmenterIgnoresInnerPunctuation(t *testing.T) {
	s := NewSegmenter(2, "")
	got := pushAll(s, "Version 3.14 of the tool is out")
	if len(got) != 1 || got[0].Text != "Version 3.14 of the tool is out" {
		t.Fatalf("decimal point must not split, got %+v", got)
	}
}

func TestSegmenterBoundaryWithinDelta(t *testing.T) {
	s := NewSegmenter(1, "")
	got := s.Push("One two. Three four. Five")
	if len(got) != 2 {
		t.Fatalf("expected 2 turns from one delta, got %+v", got)
	}
	if got[0].Text != "One two." || got[1].Text != "Three four." {
		t.Fatalf("unexpected turns %+v", got)
	}
	if s.Pending() != " Five" {
		t.Fatalf("unexpected pending %q", s.Pending())
	}
}

func TestSegmenterNeverEmitsBlank(t *testing.T) {
	s := NewSegmenter(0, "")
	got := pushAll(s, "   ", "\n", "  ")
	if len(got) != 0 {
		t.Fatalf("expected no turns, got %+v", got)
	}
}

func TestSegmenterIndicesContiguous(t *testing.T) {
	s := NewSegmenter(3, "")
	text := strings.Repeat("the quick brown fox jumps. ", 10)
	var got []Turn
	for _, word := range strings.SplitAfter(text, " ") {
		got = append(got, s.Push(word)...)
	}
	if turn, ok := s.Flush(); ok {
		got = append(got, turn)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 turns, got %d", len(got))
	}
	for i, turn := range got {
		if turn.Index != i {
			t.Fatalf("expected index %d, got %d", i, turn.Index)
		}
		if turn.Text != "the quick brown fox jumps." {
			t.Fatalf("unexpected text %q", turn.Text)
		}
	}
	if s.Next() != 10 {
		t.Fatalf("expected next index 10, got %d", s.Next())
	}
}

func TestSegmenterCustomPunctuation(t *testing.T) {
	s := NewSegmenter(0, "|")
	got := pushAll(s, "a, b| c")
	if len(got) != 2 || got[0].Text != "a, b|" || got[1].Text != "c" {
		t.Fatalf("unexpected turns %+v", got)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"**Bold** answer":       "Bold answer",
		"## Heading":            "Heading",
		"Great job 🎉 see you 👋": "Great job see you",
		"plain text.":           "plain text.",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Fatalf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
