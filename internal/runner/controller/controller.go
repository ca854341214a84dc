// Package controller drives the learning loop: it reads the state machine,
// runs agent steps under timeouts with retry and backoff, validates and
// routes their artifacts, paces cycles, and applies operator overrides.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/statemachine"
	"github.com/rs/zerolog"
)

// maxWaitTick caps one sleep slice during the inter-cycle wait so interval
// updates take effect within one tick.
const maxWaitTick = 30 * time.Second

// stepPollTick paces the paused/failed idle loops.
const stepPollTick = time.Second

// ErrConflict marks an override that does not apply in the current state.
// The API maps it to 409.
var ErrConflict = errors.New("conflicting command")

// errValidation marks a non-retryable artifact failure.
var errValidation = errors.New("artifact validation failed")

// StepInvoker runs one agent step conversation. Satisfied by
// invoker.Invoker.
type StepInvoker interface {
	Invoke(ctx context.Context, agent, model, systemContext, taskContext string) (string, error)
}

// ContextBuilder assembles step contexts. Satisfied by
// contextbuilder.Builder.
type ContextBuilder interface {
	System(step domain.State) (string, error)
	Task(step domain.State, cycleID string) (string, error)
}

// ArtifactStore is the slice of the artifact store the controller needs.
type ArtifactStore interface {
	Write(cycleID, name, content string) error
	HistoryPresent() bool
	Archive(cycleID string) error
	PublishStrategy(cycleID, publishPath string) error
}

// Config tunes the loop.
type Config struct {
	CycleInterval    time.Duration
	StepTimeout      time.Duration
	CycleMaxDuration time.Duration
	MaxRetries       int
	MaxBackoff       time.Duration

	StrategyPublishPath string

	// ModelFor resolves the LLM model for an agent name.
	ModelFor func(agent string) string
}

// Controller owns the cycle loop goroutine.
type Controller struct {
	machine   *statemachine.Machine
	store     ArtifactStore
	mailboxes *mailbox.Store
	builder   ContextBuilder
	invoker   StepInvoker
	events    *events.Manager
	log       zerolog.Logger
	cfg       Config

	mu           sync.Mutex
	interval     time.Duration
	stepCancel   context.CancelFunc
	stepRunning  bool
	pendingPause bool
	lastError    string
	wake         chan struct{}
}

// New wires a controller. Run must be called to start the loop.
func New(machine *statemachine.Machine, store ArtifactStore, mailboxes *mailbox.Store,
	builder ContextBuilder, inv StepInvoker, em *events.Manager, cfg Config, log zerolog.Logger) *Controller {
	if cfg.ModelFor == nil {
		cfg.ModelFor = func(string) string { return "" }
	}
	return &Controller{
		machine:   machine,
		store:     store,
		mailboxes: mailboxes,
		builder:   builder,
		invoker:   inv,
		events:    em,
		cfg:       cfg,
		interval:  cfg.CycleInterval,
		wake:      make(chan struct{}, 1),
		log:       log.With().Str("component", "cycle_controller").Logger(),
	}
}

// Run executes the loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.log.Info().Msg("Cycle controller started")
	for ctx.Err() == nil {
		state := c.machine.State()
		switch {
		case state == domain.StateIdle:
			c.startCycle()
		case state == domain.StateWaitingForNextCycle:
			c.waitForNextCycle(ctx)
		case state == domain.StatePaused, state == domain.StateFailed:
			c.sleep(ctx, stepPollTick)
		case state.IsWorking():
			c.runStep(ctx, state)
		default:
			c.log.Error().Str("state", string(state)).Msg("Unexpected state, failing")
			c.machine.Fail("unexpected state " + string(state))
		}
	}
	c.log.Info().Msg("Cycle controller stopped")
}

// CycleInterval returns the live inter-cycle interval.
func (c *Controller) CycleInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetCycleInterval updates the interval; the waiter picks it up within one
// tick.
func (c *Controller) SetCycleInterval(d time.Duration) error {
	if d < time.Minute {
		return fmt.Errorf("cycle interval must be at least one minute")
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	c.log.Info().Dur("interval", d).Msg("Cycle interval updated")
	return nil
}

// LastError returns the most recent step error message, empty when none.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Pause suspends the loop. A step already in flight finishes first; the
// pause lands at the next step boundary.
func (c *Controller) Pause() error {
	c.emitOverride("pause")
	c.mu.Lock()
	running := c.stepRunning
	if running {
		c.pendingPause = true
	}
	c.mu.Unlock()
	if running {
		return nil
	}
	if err := c.machine.Pause(); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}

// Resume lifts a pause.
func (c *Controller) Resume() error {
	c.emitOverride("resume")
	c.mu.Lock()
	c.pendingPause = false
	c.mu.Unlock()
	if err := c.machine.Resume(); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	c.kick()
	return nil
}

// Abort cancels the in-flight step and fails the runner. Recovery is an
// operator force-cycle.
func (c *Controller) Abort() error {
	c.emitOverride("abort")
	c.mu.Lock()
	cancel := c.stepCancel
	running := c.stepRunning
	c.mu.Unlock()

	state := c.machine.State()
	if !running && !state.IsWorking() && state != domain.StateWaitingForNextCycle {
		return fmt.Errorf("%w: nothing to abort in state %s", ErrConflict, state)
	}
	if cancel != nil {
		cancel()
	}
	c.machine.Fail("operator abort")
	c.kick()
	return nil
}

// ForceCycle starts a new cycle immediately from Failed or
// WaitingForNextCycle.
func (c *Controller) ForceCycle() error {
	c.emitOverride("force-cycle")
	state := c.machine.State()
	switch state {
	case domain.StateFailed:
		c.machine.BeginCycle(time.Now().UTC())
		if err := c.machine.TransitionTo(domain.StatePlan); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	case domain.StateWaitingForNextCycle:
		c.startCycle()
	default:
		return fmt.Errorf("%w: cannot force a cycle from state %s", ErrConflict, state)
	}
	c.kick()
	return nil
}

// Inject places an operator message into an agent's mailbox.
func (c *Controller) Inject(to domain.Agent, content string) error {
	c.emitOverride("inject")
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required")
	}
	return c.mailboxes.Append(domain.MailboxMessage{
		From:      "operator",
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Kind:      domain.KindForward,
	})
}

// startCycle begins the next cycle, choosing the first step by the history
// guard: Evaluate when a prior strategy and evaluation both exist, Plan on a
// cold start.
func (c *Controller) startCycle() {
	target := domain.StatePlan
	if c.store.HistoryPresent() {
		target = domain.StateEvaluate
	}
	c.machine.BeginCycle(time.Now().UTC())
	if err := c.machine.TransitionTo(target); err != nil {
		c.log.Error().Err(err).Msg("Failed to start cycle")
		c.machine.Fail(err.Error())
	}
}

// waitForNextCycle sleeps in short ticks, re-reading the configured interval
// each tick, until the schedule elapses or a force wakes it.
func (c *Controller) waitForNextCycle(ctx context.Context) {
	waitStart := time.Now().UTC()
	if cycle := c.machine.CycleSnapshot(); cycle != nil && cycle.CompletedAt != nil {
		waitStart = *cycle.CompletedAt
	}

	for ctx.Err() == nil {
		if c.machine.State() != domain.StateWaitingForNextCycle {
			return
		}
		remaining := c.CycleInterval() - time.Since(waitStart)
		if remaining <= 0 {
			c.startCycle()
			return
		}
		tick := remaining
		if tick > maxWaitTick {
			tick = maxWaitTick
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			// Re-check state; a force-cycle or abort changed it.
		case <-time.After(tick):
		}
	}
}

// runStep executes one working step, including retries.
func (c *Controller) runStep(ctx context.Context, step domain.State) {
	cycle := c.machine.CycleSnapshot()
	if cycle == nil {
		c.log.Error().Str("step", string(step)).Msg("Working state with no cycle")
		c.machine.Fail("no active cycle")
		return
	}

	// Forced cycle timeout: skip remaining steps.
	if c.cfg.CycleMaxDuration > 0 && time.Since(cycle.StartedAt) > c.cfg.CycleMaxDuration {
		c.log.Warn().Str("cycle_id", cycle.CycleID).Msg("Cycle exceeded maximum duration, forcing completion")
		c.finishCycle(cycle.CycleID, true)
		return
	}

	now := time.Now().UTC()
	c.machine.UpdateCycle(func(cr *domain.CycleRecord) {
		rec := cr.Step(step)
		if rec.Start.IsZero() {
			rec.Start = now
		}
	})
	c.events.Emit(events.StepStarted, "cycle_controller", map[string]interface{}{
		"cycle_id": cycle.CycleID,
		"step":     string(step),
	})

	output, err := c.invokeStep(ctx, step, cycle.CycleID)
	if err == nil {
		err = c.completeStep(step, cycle.CycleID, output)
	}

	if err != nil {
		c.handleStepFailure(ctx, step, cycle.CycleID, err)
		return
	}

	c.recordOutcome(step, domain.OutcomeSuccess, "")
	c.events.Emit(events.StepCompleted, "cycle_controller", map[string]interface{}{
		"cycle_id": cycle.CycleID,
		"step":     string(step),
	})
	c.advance(step, cycle.CycleID)
}

// invokeStep builds contexts and runs the agent under the step timeout.
func (c *Controller) invokeStep(ctx context.Context, step domain.State, cycleID string) (string, error) {
	agent := domain.AgentForState[step]

	system, err := c.builder.System(step)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errValidation, err)
	}
	task, err := c.builder.Task(step, cycleID)
	if err != nil {
		// A missing input artifact means an upstream step did not deliver;
		// never run a step without its validated inputs.
		return "", fmt.Errorf("%w: %v", errValidation, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	c.mu.Lock()
	c.stepCancel = cancel
	c.stepRunning = true
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.stepCancel = nil
		c.stepRunning = false
		c.mu.Unlock()
	}()

	return c.invoker.Invoke(stepCtx, string(agent), c.cfg.ModelFor(string(agent)), system, task)
}

// completeStep validates and stores the step's artifact and routes its
// mailbox messages.
func (c *Controller) completeStep(step domain.State, cycleID, output string) error {
	name := domain.ArtifactForState[step]

	var content string
	if name == domain.ArtifactStrategy {
		content = extractJSON(output)
		if content == "" {
			return fmt.Errorf("%w: no JSON document in synthesize output", errValidation)
		}
		if _, err := strategy.ValidateDocument([]byte(content)); err != nil {
			c.events.Emit(events.ArtifactRejected, "cycle_controller", map[string]interface{}{
				"cycle_id": cycleID,
				"artifact": name,
				"error":    err.Error(),
			})
			return fmt.Errorf("%w: %v", errValidation, err)
		}
	} else {
		content = extractMarkdown(output)
		if content == "" {
			return fmt.Errorf("%w: empty %s output", errValidation, name)
		}
	}

	if err := c.store.Write(cycleID, name, content); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	c.events.Emit(events.ArtifactWritten, "cycle_controller", map[string]interface{}{
		"cycle_id": cycleID,
		"artifact": name,
	})

	agent := domain.AgentForState[step]
	msgs, err := c.mailboxes.Route(step, agent, output, time.Now().UTC())
	if err != nil {
		c.log.Warn().Err(err).Str("step", string(step)).Msg("Mailbox routing failed")
	} else if len(msgs) > 0 {
		c.events.Emit(events.MailboxRouted, "cycle_controller", map[string]interface{}{
			"cycle_id": cycleID,
			"step":     string(step),
			"count":    len(msgs),
		})
	}
	return nil
}

// handleStepFailure records the failure and either retries with backoff or
// fails the runner.
func (c *Controller) handleStepFailure(ctx context.Context, step domain.State, cycleID string, err error) {
	c.mu.Lock()
	c.lastError = fmt.Sprintf("%s: %v", step, err)
	c.mu.Unlock()

	outcome := domain.OutcomeFailed
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = domain.OutcomeTimeout
	}

	// Schema validation failures are non-retryable; a retried step would
	// produce the same rejected artifact shape.
	if errors.Is(err, errValidation) {
		c.recordOutcome(step, outcome, err.Error())
		c.events.EmitError("cycle_controller", err, map[string]interface{}{
			"cycle_id": cycleID,
			"step":     string(step),
			"fatal":    true,
		})
		c.machine.Fail(err.Error())
		return
	}

	if ctx.Err() != nil {
		// Shutdown or abort; leave state handling to the caller.
		c.recordOutcome(step, outcome, err.Error())
		return
	}

	var retries int
	c.machine.UpdateCycle(func(cr *domain.CycleRecord) {
		rec := cr.Step(step)
		rec.RetryCount++
		rec.Outcome = outcome
		rec.ErrorMessage = err.Error()
		retries = rec.RetryCount
	})

	if retries > c.cfg.MaxRetries {
		c.recordOutcome(step, outcome, err.Error())
		c.events.EmitError("cycle_controller", err, map[string]interface{}{
			"cycle_id": cycleID,
			"step":     string(step),
			"retries":  retries,
		})
		c.machine.Fail(fmt.Sprintf("step %s exhausted retries: %v", step, err))
		return
	}

	delay := backoff(retries, c.cfg.MaxBackoff)
	c.log.Warn().Err(err).
		Str("step", string(step)).
		Int("retry", retries).
		Dur("backoff", delay).
		Msg("Step failed, retrying")
	c.events.Emit(events.StepRetry, "cycle_controller", map[string]interface{}{
		"cycle_id":        cycleID,
		"step":            string(step),
		"retry":           retries,
		"backoff_seconds": delay.Seconds(),
		"error":           err.Error(),
	})
	c.sleep(ctx, delay)
}

// recordOutcome stamps the step record's end and outcome.
func (c *Controller) recordOutcome(step domain.State, outcome domain.StepOutcome, errMsg string) {
	end := time.Now().UTC()
	c.machine.UpdateCycle(func(cr *domain.CycleRecord) {
		rec := cr.Step(step)
		rec.End = &end
		rec.Outcome = outcome
		rec.ErrorMessage = errMsg
	})
}

// advance moves the machine past a completed step.
func (c *Controller) advance(step domain.State, cycleID string) {
	if step == domain.StateSynthesize {
		c.finishCycle(cycleID, false)
		return
	}
	next := map[domain.State]domain.State{
		domain.StateEvaluate: domain.StatePlan,
		domain.StatePlan:     domain.StateResearch,
		domain.StateResearch: domain.StateAnalyze,
		domain.StateAnalyze:  domain.StateSynthesize,
	}[step]
	if err := c.machine.TransitionTo(next); err != nil {
		c.log.Error().Err(err).Msg("Failed to advance state")
		c.machine.Fail(err.Error())
		return
	}
	c.applyPendingPause()
}

// finishCycle publishes the strategy when present, archives the cycle and
// enters the wait state. forced marks a cycle cut short by the max-duration
// guard.
func (c *Controller) finishCycle(cycleID string, forced bool) {
	if err := c.store.PublishStrategy(cycleID, c.cfg.StrategyPublishPath); err != nil {
		if forced {
			c.log.Warn().Err(err).Str("cycle_id", cycleID).Msg("No strategy to publish for forced completion")
		} else {
			c.log.Error().Err(err).Str("cycle_id", cycleID).Msg("Strategy publish failed")
		}
	}

	c.machine.CompleteCycle(time.Now().UTC())
	if err := c.store.Archive(cycleID); err != nil {
		c.log.Warn().Err(err).Str("cycle_id", cycleID).Msg("Cycle archive failed")
	}

	if forced {
		c.machine.ForceWait("cycle_max_duration_exceeded")
	} else if err := c.machine.TransitionTo(domain.StateWaitingForNextCycle); err != nil {
		c.log.Error().Err(err).Msg("Failed to enter wait state")
		c.machine.Fail(err.Error())
		return
	}
	c.applyPendingPause()
}

// applyPendingPause lands a pause requested while a step was running.
func (c *Controller) applyPendingPause() {
	c.mu.Lock()
	pending := c.pendingPause
	c.pendingPause = false
	c.mu.Unlock()
	if !pending {
		return
	}
	if err := c.machine.Pause(); err != nil {
		c.log.Warn().Err(err).Msg("Pending pause not applicable")
	}
}

// sleep waits for d or until ctx is cancelled or the controller is kicked.
func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-time.After(d):
	}
}

// kick wakes the loop out of its current sleep.
func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) emitOverride(kind string) {
	c.events.Emit(events.OverrideReceived, "cycle_controller", map[string]interface{}{
		"override": kind,
	})
}

// backoff computes the retry delay: ten minutes for the first retry,
// doubled per retry, capped at ceiling.
func backoff(retry int, ceiling time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := 5 * time.Minute
	for i := 0; i < retry; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
