package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-avatar/internal/turns"
)

func TestRunSegment(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("Hello there, how are you doing today? I am fine.")
	if err := runSegment(in, &out, 5, turns.DefaultPunctuations); err != nil {
		t.Fatalf("segment: %v", err)
	}

	var got []turns.Turn
	dec := json.NewDecoder(&out)
	for dec.More() {
		var turn turns.Turn
		if err := dec.Decode(&turn); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, turn)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %+v", got)
	}
	if got[0].Text != "Hello there, how are you doing today?" || got[1].Text != "I am fine." || got[1].Index != 1 {
		t.Fatalf("unexpected turns %+v", got)
	}
}

func TestRunValidateRejectsMissingFile(t *testing.T) {
	if err := runValidate(t.TempDir() + "/missing.yaml"); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRunSayRequiresText(t *testing.T) {
	if err := runSay("nats://127.0.0.1:1", "s", "  "); err == nil {
		t.Fatal("expected error for empty text")
	}
}
