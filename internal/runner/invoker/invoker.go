// Package invoker drives one agent step as a multi-iteration LLM
// conversation: stream a response, parse tool calls out of it, execute them,
// fold the results back in as user turns, and repeat until the model answers
// without tools or the iteration cap is reached.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/crypton-sys/crypton/internal/runner/llm"
	"github.com/crypton-sys/crypton/internal/runner/tools"
	"github.com/rs/zerolog"
)

// truncationMarker is appended to the step output when the iteration cap
// cuts the conversation short.
const truncationMarker = "\n\n[TRUNCATED: iteration limit reached]"

// Observer receives streamed tokens as they arrive. Implementations must not
// block; the invoker calls them inline on the stream path.
type Observer interface {
	OnToken(agent string, token string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(agent, token string)

// OnToken implements Observer.
func (f ObserverFunc) OnToken(agent, token string) { f(agent, token) }

// Invoker runs agent steps against an LLM client and a tool executor.
type Invoker struct {
	client   llm.Client
	executor *tools.Executor
	observer Observer
	maxIters int
	log      zerolog.Logger
}

// New creates an invoker. observer may be nil. maxIters below 1 is raised
// to 1.
func New(client llm.Client, executor *tools.Executor, observer Observer, maxIters int, log zerolog.Logger) *Invoker {
	if maxIters < 1 {
		maxIters = 1
	}
	return &Invoker{
		client:   client,
		executor: executor,
		observer: observer,
		maxIters: maxIters,
		log:      log.With().Str("component", "agent_invoker").Logger(),
	}
}

// Invoke runs a step conversation to completion. agent labels observer
// tokens and log lines; model overrides the client default when non-empty.
// The returned string is the step output (the final assistant message).
func (inv *Invoker) Invoke(ctx context.Context, agent, model, systemContext, taskContext string) (string, error) {
	conversation := []llm.Message{
		{Role: llm.RoleSystem, Content: systemContext},
		{Role: llm.RoleUser, Content: taskContext},
	}

	var lastResponse string
	for iteration := 1; iteration <= inv.maxIters; iteration++ {
		response, err := inv.streamOnce(ctx, agent, model, conversation)
		if err != nil {
			return "", fmt.Errorf("agent %s iteration %d: %w", agent, iteration, err)
		}
		lastResponse = response
		conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Content: response})

		calls := parseToolCalls(response)
		if len(calls) == 0 {
			inv.log.Debug().Str("agent", agent).Int("iterations", iteration).Msg("Step conversation complete")
			return response, nil
		}

		inv.log.Debug().Str("agent", agent).Int("iteration", iteration).Int("tool_calls", len(calls)).Msg("Executing tool calls")
		for _, call := range calls {
			result := inv.executor.Execute(ctx, call)
			conversation = append(conversation, llm.Message{
				Role:    llm.RoleUser,
				Content: formatToolResult(result),
			})
		}
	}

	inv.log.Warn().Str("agent", agent).Int("max_iterations", inv.maxIters).Msg("Iteration cap reached, truncating step")
	return lastResponse + truncationMarker, nil
}

// streamOnce sends the conversation and accumulates one streamed response.
func (inv *Invoker) streamOnce(ctx context.Context, agent, model string, conversation []llm.Message) (string, error) {
	stream, err := inv.client.Stream(ctx, llm.Request{Model: model, Messages: conversation})
	if err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream read: %w", err)
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			if inv.observer != nil {
				inv.observer.OnToken(agent, chunk.Text)
			}
		}
	}
	return sb.String(), nil
}

// formatToolResult renders one tool result as the synthetic user turn fed
// back to the model.
func formatToolResult(result tools.Result) string {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"name":%q,"error":"unserializable result"}`, result.Name))
	}
	return fmt.Sprintf("<tool_result>%s</tool_result>", payload)
}
