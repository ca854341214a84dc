package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// ChatStreamer captures the subset of the OpenAI SDK used by the client. It
// is satisfied by the SDK's chat completion service so tests can substitute a
// fake stream source.
type ChatStreamer interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures an OpenAI-compatible chat client.
type Options struct {
	// BaseURL is the endpoint root, e.g. "http://localhost:11434/v1" for a
	// local Ollama instance.
	BaseURL string

	// APIKey is sent as a bearer token. Local inference servers accept any
	// non-empty value.
	APIKey string

	// Model is the default model identifier for requests that do not set one.
	Model string

	// Temperature applies to every request when > 0; otherwise the provider
	// default is used.
	Temperature float64
}

// OpenAIClient implements Client on top of the OpenAI chat completions API.
type OpenAIClient struct {
	chat  ChatStreamer
	model string
	temp  float64
}

// NewOpenAIClient builds a streaming chat client from the provided options.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	client := openai.NewClient(
		option.WithBaseURL(opts.BaseURL),
		option.WithAPIKey(opts.APIKey),
	)
	return &OpenAIClient{
		chat:  &client.Chat.Completions,
		model: opts.Model,
		temp:  opts.Temperature,
	}, nil
}

// NewWithStreamer builds a client around an explicit stream source. Used by
// tests and by callers that manage SDK construction themselves.
func NewWithStreamer(chat ChatStreamer, model string) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("chat streamer is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &OpenAIClient{chat: chat, model: model}, nil
}

// Stream issues a streaming chat completion request and adapts the SSE stream
// into Chunks.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: encodeMessages(req.Messages),
	}
	if c.temp > 0 {
		params.Temperature = openai.Float(c.temp)
	}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	return newOpenAIStreamer(ctx, stream), nil
}

func encodeMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
