package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/turns"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "avatar.yaml", "Path to configuration file")

	var (
		minWords     int
		punctuations string
	)
	segmentCmd := flag.NewFlagSet("segment", flag.ExitOnError)
	segmentCmd.IntVar(&minWords, "min-words", 5, "Words buffered before a punctuation mark may end a turn")
	segmentCmd.StringVar(&punctuations, "punctuations", turns.DefaultPunctuations, "Characters that end a turn")

	var (
		natsURL   string
		sessionID string
	)
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayCmd.StringVar(&natsURL, "nats", "nats://127.0.0.1:4222", "NATS server URL")
	sayCmd.StringVar(&sessionID, "session", "avatarctl", "Session id of the transcript")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'segment', 'say' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		_ = validateCmd.Parse(os.Args[2:])
		err = runValidate(configPath)
	case "segment":
		_ = segmentCmd.Parse(os.Args[2:])
		err = runSegment(os.Stdin, os.Stdout, minWords, punctuations)
	case "say":
		_ = sayCmd.Parse(os.Args[2:])
		err = runSay(natsURL, sessionID, strings.Join(sayCmd.Args(), " "))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: pipeline=%s/%s llm=%s model=%s\n", cfg.Pipeline.Mode, cfg.Pipeline.Backend, cfg.LLM.Mode, cfg.LLM.Model)
	return nil
}

// runSegment splits text read from r into turns the way a streamed answer
// would be split, one JSON turn per line.
func runSegment(r io.Reader, w io.Writer, minWords int, punctuations string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	seg := turns.NewSegmenter(minWords, punctuations)
	enc := json.NewEncoder(w)
	for _, word := range strings.SplitAfter(string(data), " ") {
		for _, t := range seg.Push(word) {
			if err := enc.Encode(t); err != nil {
				return err
			}
		}
	}
	if t, ok := seg.Flush(); ok {
		return enc.Encode(t)
	}
	return nil
}

// runSay publishes text as a final transcript, as if it had been spoken.
func runSay(natsURL, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to say")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{natsURL}, ConnectTimeout: 2000}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	tr := protocol.Transcript{SessionID: sessionID, Text: text, Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, tr); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	if err := client.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("sent transcript to session %s\n", sessionID)
	return nil
}
