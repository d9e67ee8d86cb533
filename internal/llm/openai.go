package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

type openAIGenerator struct {
	client oai.Client
}

// NewOpenAIGenerator streams from any OpenAI-compatible chat completions
// endpoint. baseURL already carries the API version.
func NewOpenAIGenerator(baseURL, apiKey string, timeout time.Duration) Generator {
	if apiKey == "" {
		apiKey = "-"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &openAIGenerator{client: oai.NewClient(opts...)}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	params := buildParams(req)
	rag := "OFF"
	if req.UseRAG {
		rag = "ON"
	}

	started := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params, option.WithHeader("rag", rag))
	defer stream.Close()

	var usage Usage
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   chunk.Choices[0].Delta.Content,
			Partial:   true,
			Latency:   time.Since(started),
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("llm stream: %w", err)
	}
	return consumer(Chunk{SessionID: req.SessionID, Partial: false, Usage: usage, Latency: time.Since(started)})
}

func buildParams(req Request) oai.ChatCompletionNewParams {
	history := Conversation(req.Messages, req.ConversationCount, req.System)
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, oai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}
