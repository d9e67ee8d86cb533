package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store should not open a database")
	}
	r, err := es.CreateResult(ctx, PerformanceResult{})
	if err != nil || r.ID == "" {
		t.Fatalf("expected id even when ephemeral, got %+v %v", r, err)
	}
	list, err := es.ListResults(ctx, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected nothing kept, got %d %v", len(list), err)
	}
	if _, err := es.GetResult(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "http"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "chat.started", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "chat.stopped"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[1].Type != "chat.stopped" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round trip")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "router"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	old, err := es.CreateResult(ctx, PerformanceResult{SessionID: "old-session"})
	if err != nil {
		t.Fatalf("create result: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "router"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetResult(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old result pruned, got %v", err)
	}
}

func TestPerformanceResultCRUD(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		es.clock = func() time.Time { return at }
		r := PerformanceResult{
			STT:    protocol.Latency{HTTPLatency: 120, InferenceLatency: 80},
			LLM:    LLMMetrics{TTFT: 300, TotalLatency: 1800, Throughput: 42},
			Config: json.RawMessage(`{"tts":{"speaker":"female"}}`),
		}
		r.TTS = append(r.TTS, TTSMetric{Latency: protocol.Latency{HTTPLatency: 400}})
		r.Metadata.TotalTokens = 10 + i
		created, err := es.CreateResult(ctx, r)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, created.ID)
	}

	all, err := es.ListResults(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("expected newest first, got %+v", all)
	}
	limited, err := es.ListResults(ctx, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected 2 results, got %d %v", len(limited), err)
	}

	got, err := es.GetResult(ctx, ids[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.TotalTokens != 11 || got.TTS[0].HTTPLatency != 400 || string(got.Config) != `{"tts":{"speaker":"female"}}` {
		t.Fatalf("unexpected result %+v", got)
	}

	if err := es.DeleteResult(ctx, ids[1]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := es.DeleteResult(ctx, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := es.GetResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
