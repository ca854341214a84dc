// Package llm wraps OpenAI-compatible chat completion endpoints behind a
// small streaming interface so agent steps can run against Ollama, vLLM or a
// hosted provider interchangeably.
package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed fragment of an assistant reply.
type Chunk struct {
	// Text is the incremental content delta, possibly empty on the final
	// chunk.
	Text string

	// FinishReason is set on the final chunk when the provider reports one,
	// e.g. "stop" or "length".
	FinishReason string
}

// Streamer yields incremental fragments of one assistant reply. Recv returns
// io.EOF after the final fragment has been delivered.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Request describes one chat invocation.
type Request struct {
	// Model overrides the client's default model identifier when non-empty.
	Model    string
	Messages []Message
}

// Client starts streaming chat completions against a model provider.
type Client interface {
	Stream(ctx context.Context, req Request) (Streamer, error)
}
