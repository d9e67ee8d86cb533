package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
	delay time.Duration
}

// NewMockGenerator streams reply word by word, or echoes the last user
// message when reply is empty.
func NewMockGenerator(reply string, delay time.Duration) Generator {
	return &mockGenerator{reply: reply, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := m.reply
	if content == "" {
		content = "You said: " + lastUser(req.Messages)
	}
	started := time.Now()
	words := strings.SplitAfter(content, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{SessionID: req.SessionID, Content: w, Partial: true, Latency: time.Since(started)}); err != nil {
			return err
		}
	}
	n := len(strings.Fields(content))
	return consumer(Chunk{
		SessionID: req.SessionID,
		Partial:   false,
		Usage:     Usage{PromptTokens: len(req.Messages), CompletionTokens: n, TotalTokens: n + len(req.Messages)},
		Latency:   time.Since(started),
	})
}

func lastUser(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
