package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/chat"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

type recordingChatter struct {
	mu       sync.Mutex
	requests []chat.Request
	calls    chan chat.Request
}

func newRecordingChatter() *recordingChatter {
	return &recordingChatter{calls: make(chan chat.Request, 4)}
}

func (c *recordingChatter) Chat(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Reply, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	c.calls <- req
	return chat.Reply{SessionID: req.SessionID, Text: "reply to " + req.Messages[len(req.Messages)-1].Content, Turns: 1}, nil
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitCall(t *testing.T, c *recordingChatter) chat.Request {
	t.Helper()
	select {
	case req := <-c.calls:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("chat was never started")
	}
	return chat.Request{}
}

func TestTranscriptStartsChatWithHistory(t *testing.T) {
	client := startBus(t)
	chatter := newRecordingChatter()
	svc, err := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, chatter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy router")
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	publish := func(text string, partial bool) {
		tr := protocol.Transcript{SessionID: "kitchen", Text: text, Partial: partial, AudioSeconds: 1.2}
		if err := client.PublishJSON(protocol.SubjectTranscriptFinal, tr); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish("what time is it", false)
	first := waitCall(t, chatter)
	if first.Source != Source || first.SessionID != "kitchen" || len(first.Messages) != 1 {
		t.Fatalf("unexpected first request %+v", first)
	}
	if first.Transcript == nil || first.Transcript.AudioSeconds != 1.2 {
		t.Fatalf("expected transcript forwarded, got %+v", first.Transcript)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.History("kitchen")) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("history never recorded, got %+v", svc.History("kitchen"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	publish("ignored partial", true)
	publish("and tomorrow", false)
	second := waitCall(t, chatter)
	if len(second.Messages) != 3 {
		t.Fatalf("expected history plus prompt, got %+v", second.Messages)
	}
	if second.Messages[1].Content != "reply to what time is it" || second.Messages[2].Content != "and tomorrow" {
		t.Fatalf("unexpected history %+v", second.Messages)
	}
}

func TestDisabledRouterIgnoresTranscripts(t *testing.T) {
	client := startBus(t)
	chatter := newRecordingChatter()
	svc, err := NewService(context.Background(), config.RouterConfig{}, client, chatter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "x", Text: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case req := <-chatter.calls:
		t.Fatalf("disabled router started chat %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}
