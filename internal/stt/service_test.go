package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := testLogger()
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

func pcmTone(amplitude int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRecorder(t *testing.T, client *bus.Client, transcriber Transcriber) (*Service, *fakeClock) {
	t.Helper()
	cfg := config.Default().Recorder
	svc := NewService(context.Background(), cfg, client, transcriber, testLogger())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc.clock = clock.Now
	t.Cleanup(svc.Close)
	return svc, clock
}

func subscribe(t *testing.T, client *bus.Client, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func TestRecorderAutoStopsAfterSilence(t *testing.T) {
	client := startBus(t)
	transcripts := subscribe(t, client, protocol.SubjectTranscriptFinal)
	svc, clock := newRecorder(t, client, NewMockTranscriber())

	speech := pcmTone(8000, 320)
	silence := pcmTone(0, 320)
	for i := 0; i < 50; i++ {
		svc.HandleFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: i, SampleRate: 16000, Channels: 1, PCM: speech})
		clock.Advance(20 * time.Millisecond)
	}
	if !svc.Active("kitchen") {
		t.Fatal("expected active recording")
	}
	for i := 50; i < 160; i++ {
		svc.HandleFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: i, SampleRate: 16000, Channels: 1, PCM: silence})
		clock.Advance(20 * time.Millisecond)
	}
	if svc.Active("kitchen") {
		t.Fatal("expected recording to auto-stop after silence")
	}

	select {
	case msg := <-transcripts:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "kitchen" || tr.Text == "" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
		if tr.AudioSeconds < 2 {
			t.Fatalf("expected elapsed seconds recorded, got %v", tr.AudioSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}

	// Frames after the stop are ignored until a new recording starts.
	svc.HandleFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: 170, PCM: speech})
	if svc.Active("kitchen") {
		t.Fatal("late frame must not reopen the recording")
	}
	svc.HandleFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: 0, PCM: speech})
	if !svc.Active("kitchen") {
		t.Fatal("sequence zero should start a new recording")
	}
}

func TestRecorderNoSpeechPublishesError(t *testing.T) {
	client := startBus(t)
	errs := subscribe(t, client, protocol.SubjectRecorderError)
	svc, clock := newRecorder(t, client, NewMockTranscriber())

	for i := 0; i < 10; i++ {
		svc.HandleFrame(protocol.AudioFrame{SessionID: "den", Sequence: i, PCM: pcmTone(0, 320)})
		clock.Advance(20 * time.Millisecond)
	}
	svc.HandleFrame(protocol.AudioFrame{SessionID: "den", Sequence: 10, Final: true})

	select {
	case msg := <-errs:
		var recErr protocol.RecorderError
		if err := json.Unmarshal(msg.Data, &recErr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if recErr.Message != "No audio detected" || recErr.SessionID != "den" {
			t.Fatalf("unexpected error %+v", recErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recorder error")
	}
}

func TestRecorderDiscard(t *testing.T) {
	client := startBus(t)
	transcripts := subscribe(t, client, protocol.SubjectTranscriptFinal)
	errs := subscribe(t, client, protocol.SubjectRecorderError)
	svc, clock := newRecorder(t, client, NewMockTranscriber())

	for i := 0; i < 10; i++ {
		svc.HandleFrame(protocol.AudioFrame{SessionID: "hall", Sequence: i, PCM: pcmTone(8000, 320)})
		clock.Advance(20 * time.Millisecond)
	}
	svc.HandleFrame(protocol.AudioFrame{SessionID: "hall", Sequence: 10, Final: true, Discard: true})

	select {
	case msg := <-transcripts:
		t.Fatalf("unexpected transcript %s", msg.Data)
	case msg := <-errs:
		t.Fatalf("unexpected error %s", msg.Data)
	case <-time.After(300 * time.Millisecond):
	}
	if svc.Active("hall") {
		t.Fatal("expected session cleared")
	}
}

func TestRecorderStartSubscribesToFrames(t *testing.T) {
	client := startBus(t)
	transcripts := subscribe(t, client, protocol.SubjectTranscriptFinal)
	svc, _ := newRecorder(t, client, NewMockTranscriber())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	frames := []protocol.AudioFrame{
		{SessionID: "office", Sequence: 0, PCM: pcmTone(8000, 320)},
		{SessionID: "office", Sequence: 1, Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.AudioFrameSubject("office"), f); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-transcripts:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestRecorderExpiresIdleSessions(t *testing.T) {
	client := startBus(t)
	svc, clock := newRecorder(t, client, NewMockTranscriber())

	for i := 0; i < 1000; i++ {
		svc.HandleFrame(protocol.AudioFrame{SessionID: fmt.Sprintf("room-%d", i), Sequence: 0, PCM: pcmTone(0, 32)})
	}
	clock.Advance(svc.idleTTL())
	svc.HandleFrame(protocol.AudioFrame{SessionID: "fresh", Sequence: 0, PCM: pcmTone(8000, 32)})
	clock.Advance(time.Second)

	if got := svc.sweep(clock.Now()); got != 1000 {
		t.Fatalf("expected 1000 idle sessions dropped, got %d", got)
	}
	svc.mu.Lock()
	remaining := len(svc.sessions)
	svc.mu.Unlock()
	if remaining != 1 || !svc.Active("fresh") {
		t.Fatalf("expected only the fresh session kept, have %d", remaining)
	}
}

func TestRecorderPublishesLevels(t *testing.T) {
	client := startBus(t)
	levels := subscribe(t, client, protocol.SubjectRecorderLevelPrefix+".>")
	svc, _ := newRecorder(t, client, NewMockTranscriber())

	svc.HandleFrame(protocol.AudioFrame{SessionID: "attic", Sequence: 0, PCM: pcmTone(0, 320)})
	svc.HandleFrame(protocol.AudioFrame{SessionID: "attic", Sequence: 1, PCM: pcmTone(8000, 320)})

	var got []protocol.RecorderLevel
	for len(got) < 2 {
		select {
		case msg := <-levels:
			var level protocol.RecorderLevel
			if err := json.Unmarshal(msg.Data, &level); err != nil {
				t.Fatalf("decode level: %v", err)
			}
			got = append(got, level)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for recorder levels")
		}
	}
	if got[0].HasSound || got[0].Decibels != minLevelDecibels {
		t.Fatalf("expected silent first frame, got %+v", got[0])
	}
	if !got[1].HasSound || got[1].SessionID != "attic" {
		t.Fatalf("expected sound on second frame, got %+v", got[1])
	}
	if n := len(got[1].Levels); n != config.Default().Recorder.VisualizerSize {
		t.Fatalf("expected full visualiser buffer, got %d levels", n)
	}
	if got[1].Levels[len(got[1].Levels)-1] <= got[1].Levels[len(got[1].Levels)-2] {
		t.Fatalf("expected newest level last, got %v", got[1].Levels[len(got[1].Levels)-2:])
	}
}
