package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a streamed chat completion.
type Request struct {
	SessionID         string
	Messages          []Message
	System            string
	Model             string
	MaxTokens         int
	Temperature       float64
	ConversationCount int
	UseRAG            bool
}

// Usage reports token accounting once the stream completes.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Chunk represents streamed model output. The last chunk has Partial false
// and carries Usage when the backend reported it.
type Chunk struct {
	SessionID string
	Content   string
	Partial   bool
	Usage     Usage
	Latency   time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		System:            cfg.SystemPrompt,
		Model:             cfg.Model,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		ConversationCount: cfg.ConversationCount,
		UseRAG:            cfg.UseRAG,
	}
}

// Conversation applies the history window and system prompt to messages.
// A non-negative count keeps the last count exchanges plus the newest
// message. The system prompt is prepended only when no system message is
// present.
func Conversation(messages []Message, count int, system string) []Message {
	window := messages
	if count >= 0 && count*2 < len(messages) {
		window = messages[len(messages)-(count*2+1):]
	}
	out := make([]Message, 0, len(window)+1)
	if system != "" && !hasSystem(messages) {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	return append(out, window...)
}

func hasSystem(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}
