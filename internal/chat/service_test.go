package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/turns"
)

type fakeProcessor struct {
	mu     sync.Mutex
	gen    uint64
	cb     func(pipeline.Result)
	turns  []turns.Turn
	resets int
}

func (f *fakeProcessor) EnqueueGeneration(gen uint64, sessionID string, t turns.Turn) error {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return pipeline.ErrStale
	}
	f.turns = append(f.turns, t)
	cb := f.cb
	f.mu.Unlock()
	go cb(pipeline.Result{
		SessionID:  sessionID,
		Generation: gen,
		Turn:       t,
		URL:        "http://clip",
		TTS:        tts.Result{Duration: 1.5, HTTPLatency: 0.2, InferenceLatency: 0.1},
		Lipsync:    lipsync.Result{URL: "http://clip", HTTPLatency: 0.5, InferenceLatency: 0.4, FramesGenerated: 38},
	})
	return nil
}

func (f *fakeProcessor) Reset() error {
	f.mu.Lock()
	f.gen++
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeProcessor) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeProcessor) OnResult(fn func(pipeline.Result)) { f.cb = fn }

func (f *fakeProcessor) Turns() []turns.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turns.Turn(nil), f.turns...)
}

type fakePlayback struct {
	mu     sync.Mutex
	resets int
}

func (f *fakePlayback) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	events  []eventstore.Event
	results chan eventstore.PerformanceResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: make(chan eventstore.PerformanceResult, 4)}
}

func (f *fakeStore) AppendSession(ctx context.Context, sessionID, source string) error { return nil }

func (f *fakeStore) AppendEvent(ctx context.Context, evt eventstore.Event) error {
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) CreateResult(ctx context.Context, r eventstore.PerformanceResult) (eventstore.PerformanceResult, error) {
	r.ID = "result-1"
	f.results <- r
	return r, nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type staticConfigs struct{}

func (staticConfigs) Selected(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"tts":{"speaker":"female"}}`), nil
}

// blockingGenerator sends one delta and then waits for cancellation.
type blockingGenerator struct {
	sent chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	if err := consumer(llm.Chunk{SessionID: req.SessionID, Content: "Thinking ", Partial: true, Latency: time.Millisecond}); err != nil {
		return err
	}
	close(g.sent)
	<-ctx.Done()
	return ctx.Err()
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	return errors.New("connection refused")
}

func newTestService(t *testing.T, gen llm.Generator) (*Service, *fakeProcessor, *fakePlayback, *fakeStore) {
	t.Helper()
	proc := &fakeProcessor{}
	pb := &fakePlayback{}
	store := newFakeStore()
	svc := NewService(context.Background(), Options{
		LLMConfig:   config.LLMConfig{Model: "qwen2.5", ConversationCount: -1},
		TurnsConfig: config.TurnsConfig{MinWords: 5, Punctuations: turns.DefaultPunctuations},
		Generator:   gen,
		Processor:   proc,
		Playback:    pb,
		Store:       store,
		Configs:     staticConfigs{},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(svc.Close)
	return svc, proc, pb, store
}

func userMessages(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestChatStreamsTurnsAndSavesResult(t *testing.T) {
	reply := "Hello there, my friend how are you doing today. I am fine thanks"
	svc, proc, _, store := newTestService(t, llm.NewMockGenerator(reply, 0))

	var events []Event
	got, err := svc.Chat(context.Background(), Request{
		SessionID: "s1",
		Messages:  userMessages("hi"),
		Transcript: &protocol.Transcript{
			STTLatency:   protocol.Latency{HTTPLatency: 120, InferenceLatency: 90},
			AudioSeconds: 2.5,
		},
	}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got.Text != reply || got.Turns != 2 {
		t.Fatalf("unexpected reply %+v", got)
	}

	var data []turns.Turn
	texts := 0
	for _, ev := range events {
		switch ev.Type {
		case EventText:
			texts++
		case EventData:
			data = append(data, *ev.Turn)
		}
	}
	if texts != 13 {
		t.Fatalf("expected 13 text deltas, got %d", texts)
	}
	if len(data) != 2 || data[0].Text != "Hello there, my friend how are you doing today." || data[1].Text != "I am fine thanks" {
		t.Fatalf("unexpected turns %+v", data)
	}
	if data[0].Index != 0 || data[1].Index != 1 || data[0].Processed {
		t.Fatalf("unexpected turn indices %+v", data)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || events[len(events)-2].Type != EventAnnotation {
		t.Fatalf("expected annotation then done, got %+v", events[len(events)-2:])
	}
	if usage := events[len(events)-2].Annotation.Usage; usage.CompletionTokens != 13 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if len(proc.Turns()) != 2 {
		t.Fatalf("expected 2 turns enqueued, got %d", len(proc.Turns()))
	}

	select {
	case r := <-store.results:
		if len(r.TTS) != 2 || len(r.Lipsync) != 2 {
			t.Fatalf("expected 2 turn metrics, got %+v", r)
		}
		if r.TTS[0].HTTPLatency != 200 || r.Lipsync[0].Metadata.FramesGenerated != 38 {
			t.Fatalf("unexpected turn metrics %+v", r)
		}
		if r.STT.HTTPLatency != 120 || r.Metadata.InputAudioDurationInSeconds != 2.5 {
			t.Fatalf("expected transcript latencies, got %+v", r)
		}
		if r.Metadata.CompletionTokens != 13 || string(r.Config) != `{"tts":{"speaker":"female"}}` {
			t.Fatalf("unexpected metadata %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("performance result never saved")
	}
}

func TestChatStopCancelsStream(t *testing.T) {
	gen := &blockingGenerator{sent: make(chan struct{})}
	svc, proc, pb, store := newTestService(t, gen)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Chat(context.Background(), Request{SessionID: "s1", Messages: userMessages("hi")}, nil)
		done <- err
	}()
	select {
	case <-gen.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	if id, ok := svc.Active(); !ok || id != "s1" {
		t.Fatalf("expected active session s1, got %q", id)
	}

	if err := svc.Stop("user"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not return after stop")
	}
	if _, ok := svc.Active(); ok {
		t.Fatal("expected no active session")
	}
	pb.mu.Lock()
	resets := pb.resets
	pb.mu.Unlock()
	if resets != 2 || proc.Generation() != 2 {
		t.Fatalf("expected reset on start and stop, got playback=%d generation=%d", resets, proc.Generation())
	}
	select {
	case r := <-store.results:
		t.Fatalf("stopped chat must not save a result, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	types := store.eventTypes()
	if len(types) != 2 || types[0] != "chat.started" || types[1] != "chat.stopped" {
		t.Fatalf("unexpected timeline %v", types)
	}
}

func TestChatReplacesRunningChat(t *testing.T) {
	gen := &blockingGenerator{sent: make(chan struct{})}
	svc, _, _, _ := newTestService(t, gen)

	first := make(chan error, 1)
	go func() {
		_, err := svc.Chat(context.Background(), Request{SessionID: "old", Messages: userMessages("hi")}, nil)
		first <- err
	}()
	<-gen.sent

	svc.opts.Generator = llm.NewMockGenerator("Short answer.", 0)
	reply, err := svc.Chat(context.Background(), Request{SessionID: "new", Messages: userMessages("again")}, nil)
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if reply.SessionID != "new" || reply.Turns != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if err := <-first; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected first chat stopped, got %v", err)
	}
}

func TestChatBackendError(t *testing.T) {
	svc, _, _, store := newTestService(t, failingGenerator{})
	var last Event
	_, err := svc.Chat(context.Background(), Request{Messages: userMessages("hi")}, func(ev Event) error {
		last = ev
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if last.Type != EventError || last.Error != "connection refused" {
		t.Fatalf("expected error event, got %+v", last)
	}
	select {
	case r := <-store.results:
		t.Fatalf("failed chat must not save a result, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChatRequiresMessages(t *testing.T) {
	svc, _, _, _ := newTestService(t, llm.NewMockGenerator("x", 0))
	if _, err := svc.Chat(context.Background(), Request{}, nil); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

func TestCloseDropsLateResultSave(t *testing.T) {
	svc, _, _, store := newTestService(t, llm.NewMockGenerator("unused", 0))
	svc.Close()

	done := make(chan struct{})
	go func() {
		svc.save(&session{id: "late", record: newRecord("late", nil)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("save blocked after close")
	}
	svc.wg.Wait()
	select {
	case r := <-store.results:
		t.Fatalf("expected no result saved after close, got %+v", r)
	default:
	}
}
