package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/crypton-sys/crypton/internal/events"
)

// Call is one parsed tool invocation.
type Call struct {
	Name string
	Args map[string]interface{}
}

// Result is the outcome of one call, fed back to the model as JSON. Exactly
// one of Output and Error is set.
type Result struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecutorConfig tunes concurrency, timeouts and breaker thresholds.
type ExecutorConfig struct {
	MaxConcurrent  int64
	DefaultTimeout time.Duration
	FailThreshold  int
	ResetAfter     time.Duration
	ProbeSuccesses int
}

// Executor runs tool calls through per-tool circuit breakers with bounded
// batch concurrency.
type Executor struct {
	registry *Registry
	events   *events.Manager
	log      zerolog.Logger
	sem      *semaphore.Weighted
	cfg      ExecutorConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewExecutor creates a tool executor over the given registry.
func NewExecutor(reg *Registry, em *events.Manager, log zerolog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 60 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 3
	}
	return &Executor{
		registry: reg,
		events:   em,
		log:      log.With().Str("service", "tool_executor").Logger(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Execute runs a single tool call. Errors are reported inside the Result so
// a failing tool never fails the agent step.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	if call.Args == nil {
		call.Args = map[string]interface{}{}
	}
	rt, ok := e.registry.get(call.Name)
	if !ok {
		return Result{Name: call.Name, Error: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	// Schema rejections are argument problems, not tool health problems, so
	// they bypass the breaker.
	if err := rt.validateArgs(call.Args); err != nil {
		e.events.Emit(events.ToolFailed, "tool_executor", map[string]interface{}{
			"tool":   call.Name,
			"reason": "invalid_arguments",
			"error":  err.Error(),
		})
		return Result{Name: call.Name, Error: fmt.Sprintf("invalid arguments: %v", err)}
	}

	br := e.breaker(call.Name)
	if err := br.Allow(); err != nil {
		e.events.Emit(events.ToolFailed, "tool_executor", map[string]interface{}{
			"tool":   call.Name,
			"reason": "circuit_open",
		})
		return Result{Name: call.Name, Error: fmt.Sprintf("tool %s unavailable: circuit open", call.Name)}
	}

	timeout := rt.tool.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	output, err := e.invoke(ctx, rt, call, timeout)
	if err != nil {
		if br.RecordFailure() {
			e.log.Warn().Str("tool", call.Name).Msg("Circuit breaker opened")
			e.events.Emit(events.CircuitOpened, "tool_executor", map[string]interface{}{
				"tool": call.Name,
			})
		}
		e.events.Emit(events.ToolFailed, "tool_executor", map[string]interface{}{
			"tool":  call.Name,
			"error": err.Error(),
		})
		return Result{Name: call.Name, Error: err.Error()}
	}

	if br.RecordSuccess() {
		e.log.Info().Str("tool", call.Name).Msg("Circuit breaker closed")
		e.events.Emit(events.CircuitClosed, "tool_executor", map[string]interface{}{
			"tool": call.Name,
		})
	}
	e.events.Emit(events.ToolExecuted, "tool_executor", map[string]interface{}{
		"tool": call.Name,
	})
	return Result{Name: call.Name, Output: marshalOutput(output)}
}

// ExecuteBatch runs calls concurrently under the semaphore and returns
// results in call order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Name: call.Name, Error: fmt.Sprintf("tool %s not started: %v", call.Name, err)}
			continue
		}
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			defer e.sem.Release(1)
			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// BreakerStates reports the current state of every breaker that has been
// exercised, for the metrics and status endpoints.
func (e *Executor) BreakerStates() map[string]BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]BreakerState, len(e.breakers))
	for name, br := range e.breakers {
		out[name] = br.State()
	}
	return out
}

func (e *Executor) breaker(name string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.breakers[name]
	if !ok {
		br = NewCircuitBreaker(e.cfg.FailThreshold, e.cfg.ResetAfter, e.cfg.ProbeSuccesses)
		e.breakers[name] = br
	}
	return br
}

type handlerResult struct {
	value interface{}
	err   error
}

func (e *Executor) invoke(ctx context.Context, rt *registeredTool, call Call, timeout time.Duration) (interface{}, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a handler that outlives the timeout can still complete its
	// send and be collected.
	done := make(chan handlerResult, 1)
	go func() {
		value, err := rt.tool.Handler(tctx, call.Args)
		done <- handlerResult{value: value, err: err}
	}()

	select {
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s aborted: %w", call.Name, ctx.Err())
		}
		return nil, fmt.Errorf("tool %s timed out after %s", call.Name, timeout)
	case res := <-done:
		return res.value, res.err
	}
}

// marshalOutput renders a handler result as JSON, coercing values the
// encoder rejects into their string form.
func marshalOutput(v interface{}) json.RawMessage {
	if v == nil {
		return json.RawMessage(`null`)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return raw
}
