package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/chat"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const (
	// Source tags chats started from the bus.
	Source = "router"

	maxSessions = 128
	maxHistory  = 64
)

// Chatter starts a chat. *chat.Service satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Reply, error)
}

type Service struct {
	cfg            config.RouterConfig
	bus            *bus.Client
	chat           Chatter
	logger         *slog.Logger
	subTranscripts *nats.Subscription
	subErrors      *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu      sync.Mutex
	history *lru.Cache[string, []llm.Message]
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, chatter Chatter, logger *slog.Logger) (*Service, error) {
	history, err := lru.New[string, []llm.Message](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session history: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		chat:    chatter,
		logger:  logger.With(slog.String("component", "router")),
		ctx:     ctx,
		cancel:  cancel,
		history: history,
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subTranscripts = sub

	subErrors, err := s.bus.Subscribe(protocol.SubjectRecorderError, s.handleRecorderError)
	if err != nil {
		_ = s.subTranscripts.Drain()
		return err
	}
	s.subErrors = subErrors
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	if s.subErrors != nil {
		_ = s.subErrors.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subTranscripts != nil && s.subErrors != nil)
}

// History returns the conversation kept for a session.
func (s *Service) History(sessionID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, _ := s.history.Get(sessionID)
	return append([]llm.Message(nil), msgs...)
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	if transcript.Partial || transcript.Text == "" {
		return
	}

	user := llm.Message{Role: llm.RoleUser, Content: transcript.Text}
	s.mu.Lock()
	prior, _ := s.history.Get(transcript.SessionID)
	messages := append(append([]llm.Message(nil), prior...), user)
	s.mu.Unlock()

	req := chat.Request{
		SessionID:  transcript.SessionID,
		Messages:   messages,
		Transcript: &transcript,
		Source:     Source,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, err := s.chat.Chat(s.ctx, req, nil)
		if err != nil {
			if errors.Is(err, chat.ErrStopped) || errors.Is(err, context.Canceled) {
				s.logger.Debug("router chat interrupted", slog.String("session_id", req.SessionID))
				return
			}
			s.logger.Warn("router chat failed", slog.String("session_id", req.SessionID), slogError(err))
			return
		}
		s.remember(req.SessionID, user, llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
	}()
}

func (s *Service) remember(sessionID string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, _ := s.history.Get(sessionID)
	next := append(append([]llm.Message(nil), prior...), msgs...)
	if len(next) > maxHistory {
		next = next[len(next)-maxHistory:]
	}
	s.history.Add(sessionID, next)
}

func (s *Service) handleRecorderError(msg *nats.Msg) {
	var rerr protocol.RecorderError
	if err := json.Unmarshal(msg.Data, &rerr); err != nil {
		s.logger.Warn("router failed to decode recorder error", slogError(err))
		return
	}
	s.logger.Info("recording produced no transcript",
		slog.String("session_id", rerr.SessionID),
		slog.String("reason", rerr.Message))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
