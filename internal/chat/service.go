// Package chat runs one spoken conversation at a time: it streams the LLM
// answer, cuts it into turns for the pipeline and records how long every
// stage took.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/telemetry"
	"github.com/loqalabs/loqa-avatar/internal/turns"
)

var (
	ErrNoMessages = errors.New("chat: no messages")
	ErrStopped    = errors.New("chat: stopped")
)

// Event types streamed to the caller.
const (
	EventText       = "text"
	EventData       = "data"
	EventAnnotation = "annotation"
	EventError      = "error"
	EventDone       = "done"
)

// Event is one server-sent event of a chat stream.
type Event struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	Turn       *turns.Turn `json:"turn,omitempty"`
	Annotation *Annotation `json:"annotation,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Annotation closes a stream with its latency figures in milliseconds.
type Annotation struct {
	TTFT                  float64   `json:"ttft"`
	TotalNextTokenLatency float64   `json:"totalNextTokenLatency"`
	Usage                 llm.Usage `json:"usage"`
}

// Request starts a chat. Transcript is set when the prompt came from the
// recorder so its STT latencies land in the performance record.
type Request struct {
	SessionID    string               `json:"session_id"`
	Messages     []llm.Message        `json:"messages"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	UseRAG       *bool                `json:"use_rag,omitempty"`
	Transcript   *protocol.Transcript `json:"-"`
	Source       string               `json:"-"`
}

// Reply is the complete answer once the stream ended.
type Reply struct {
	SessionID string
	Text      string
	Turns     int
}

// Processor is the turn pipeline. *pipeline.Processor satisfies it.
type Processor interface {
	EnqueueGeneration(gen uint64, sessionID string, turn turns.Turn) error
	Reset() error
	Generation() uint64
	OnResult(fn func(pipeline.Result))
}

// Playback is cleared whenever a chat stops. *playback.Service satisfies it.
type Playback interface {
	Reset()
}

// Store persists timelines and results. *eventstore.Store satisfies it.
type Store interface {
	AppendSession(ctx context.Context, sessionID, source string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	CreateResult(ctx context.Context, r eventstore.PerformanceResult) (eventstore.PerformanceResult, error)
}

// ConfigSource snapshots the selected backend configuration.
type ConfigSource interface {
	Selected(ctx context.Context) (json.RawMessage, error)
}

type Options struct {
	LLMConfig   config.LLMConfig
	TurnsConfig config.TurnsConfig
	Generator   llm.Generator
	Processor   Processor
	Playback    Playback
	Store       Store
	Configs     ConfigSource
	Bus         *bus.Client
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

type session struct {
	id     string
	gen    uint64
	cancel context.CancelFunc
	record *record
}

type Service struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// startMu serialises chat starts and stops. It is never held while a
	// turn result callback waits on mu.
	startMu sync.Mutex
	mu      sync.Mutex
	current *session
	closed  bool
}

func NewService(parent context.Context, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:   opts,
		logger: logger.With(slog.String("component", "chat")),
		ctx:    ctx,
		cancel: cancel,
	}
	opts.Processor.OnResult(s.handleResult)
	return s
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	if s.current != nil {
		s.current.cancel()
		s.current.record.discard()
		s.current = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Active returns the session id of the running chat, if any.
func (s *Service) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.id, true
}

// Chat streams an answer to req. emit receives every event in order and may
// be nil. Chat returns when the LLM stream ends; turns keep playing after
// that. Any chat already running is stopped first.
func (s *Service) Chat(ctx context.Context, req Request, emit func(Event) error) (Reply, error) {
	if len(req.Messages) == 0 {
		return Reply{}, ErrNoMessages
	}
	if emit == nil {
		emit = func(Event) error { return nil }
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, ctx, err := s.begin(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	defer sess.cancel()

	llmReq := llm.OptionsFromConfig(s.opts.LLMConfig)
	llmReq.SessionID = sess.id
	llmReq.Messages = req.Messages
	if req.SystemPrompt != "" {
		llmReq.System = req.SystemPrompt
	}
	if req.UseRAG != nil {
		llmReq.UseRAG = *req.UseRAG
	}

	seg := turns.NewSegmenter(s.opts.TurnsConfig.MinWords, s.opts.TurnsConfig.Punctuations)
	var (
		answer strings.Builder
		ttft   time.Duration
		total  time.Duration
		usage  llm.Usage
		count  int
	)
	push := func(t turns.Turn) error {
		if err := s.opts.Processor.EnqueueGeneration(sess.gen, sess.id, t); err != nil {
			return err
		}
		sess.record.emit()
		count++
		return emit(Event{Type: EventData, Turn: &t})
	}

	err = s.opts.Generator.Generate(ctx, llmReq, func(chunk llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk.Partial {
			if ttft == 0 {
				ttft = chunk.Latency
			}
			answer.WriteString(chunk.Content)
			if err := emit(Event{Type: EventText, Text: chunk.Content}); err != nil {
				return err
			}
			for _, t := range seg.Push(chunk.Content) {
				if err := push(t); err != nil {
					return err
				}
			}
			return nil
		}
		total = chunk.Latency
		usage = chunk.Usage
		if t, ok := seg.Flush(); ok {
			if err := push(t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, pipeline.ErrStale) {
			s.logger.Info("chat stream cancelled", slog.String("session_id", sess.id))
			return Reply{SessionID: sess.id, Text: answer.String(), Turns: count}, ErrStopped
		}
		s.logger.Warn("chat stream failed", slog.String("session_id", sess.id), slogError(err))
		_ = emit(Event{Type: EventError, Error: err.Error()})
		s.timeline(sess.id, "chat.failed", map[string]string{"error": err.Error()})
		sess.record.discard()
		return Reply{SessionID: sess.id, Text: answer.String(), Turns: count}, fmt.Errorf("chat: %w", err)
	}

	s.opts.Metrics.RecordLLM(s.ctx, ttft.Seconds(), total.Seconds())
	if err := emit(Event{Type: EventAnnotation, Annotation: &Annotation{
		TTFT:                  ms(ttft),
		TotalNextTokenLatency: ms(total - ttft),
		Usage:                 usage,
	}}); err != nil {
		s.logger.Debug("chat client went away", slog.String("session_id", sess.id), slogError(err))
	}
	_ = emit(Event{Type: EventDone})

	s.timeline(sess.id, "chat.completed", map[string]any{"turns": count, "usage": usage})
	if sess.record.finishStream(ttft, total, usage) {
		s.save(sess)
	}
	return Reply{SessionID: sess.id, Text: answer.String(), Turns: count}, nil
}

// Stop cancels the running chat, drops every queued turn and clears
// playback. It is safe to call with no chat running.
func (s *Service) Stop(reason string) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.stopLocked(reason)
}

func (s *Service) stopLocked(reason string) error {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.record.discard()
	}
	if err := s.opts.Processor.Reset(); err != nil {
		return fmt.Errorf("reset processor: %w", err)
	}
	s.opts.Playback.Reset()

	if sess != nil {
		s.logger.Info("chat stopped", slog.String("session_id", sess.id), slog.String("reason", reason))
		s.timeline(sess.id, "chat.stopped", map[string]string{"reason": reason})
		if err := s.opts.Bus.PublishJSON(protocol.SubjectChatStopped, protocol.ChatStopped{
			SessionID: sess.id,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			s.logger.Warn("failed to publish chat stop", slogError(err))
		}
	}
	return nil
}

func (s *Service) begin(parent context.Context, req Request) (*session, context.Context, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.stopLocked("replaced"); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	sess := &session{
		id:     req.SessionID,
		gen:    s.opts.Processor.Generation(),
		record: newRecord(req.SessionID, req.Transcript),
		cancel: func() {
			stop()
			cancel()
		},
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	source := req.Source
	if source == "" {
		source = "http"
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.AppendSession(s.ctx, sess.id, source); err != nil {
			s.logger.Warn("failed to record session", slogError(err))
		}
	}
	s.timeline(sess.id, "chat.started", map[string]any{"messages": len(req.Messages)})
	s.logger.Info("chat started", slog.String("session_id", sess.id), slog.String("source", source))
	return sess, ctx, nil
}

// handleResult runs on the processor goroutine.
func (s *Service) handleResult(res pipeline.Result) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil || sess.id != res.SessionID || sess.gen != res.Generation {
		return
	}
	if sess.record.add(res) {
		s.save(sess)
	}
}

func (s *Service) save(sess *session) {
	result := sess.record.snapshot()
	// Saves are only started while open so Close can wait for them.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("performance result dropped on close", slog.String("session_id", sess.id))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if s.opts.Configs != nil {
			if cfg, err := s.opts.Configs.Selected(ctx); err != nil {
				s.logger.Warn("failed to snapshot backend config", slogError(err))
			} else {
				result.Config = cfg
			}
		}
		if s.opts.Store == nil {
			return
		}
		saved, err := s.opts.Store.CreateResult(ctx, result)
		if err != nil {
			s.logger.Warn("failed to save performance result", slog.String("session_id", sess.id), slogError(err))
			return
		}
		s.logger.Info("performance result saved",
			slog.String("session_id", sess.id),
			slog.String("result_id", saved.ID),
			slog.Int("turns", len(saved.TTS)))
	}()
}

func (s *Service) timeline(sessionID, kind string, payload any) {
	if s.opts.Store == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.opts.Store.AppendEvent(s.ctx, eventstore.Event{SessionID: sessionID, Type: kind, Payload: data}); err != nil {
		s.logger.Debug("failed to append timeline event", slog.String("type", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
