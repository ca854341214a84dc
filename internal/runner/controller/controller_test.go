package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/statemachine"
)

type invokeCall struct {
	agent string
	model string
}

type fakeInvoker struct {
	mu     sync.Mutex
	output string
	err    error
	hook   func()
	calls  []invokeCall
}

func (f *fakeInvoker) Invoke(_ context.Context, agent, model, _, _ string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invokeCall{agent: agent, model: model})
	f.mu.Unlock()
	if f.hook != nil {
		f.hook()
	}
	return f.output, f.err
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBuilder struct {
	taskErr error
}

func (f *fakeBuilder) System(domain.State) (string, error)       { return "system context", nil }
func (f *fakeBuilder) Task(domain.State, string) (string, error) { return "task context", f.taskErr }

type fakeStore struct {
	mu        sync.Mutex
	history   bool
	artifacts map[string]string
	published []string
	archived  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: make(map[string]string)}
}

func (f *fakeStore) Write(cycleID, name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[cycleID+"/"+name] = content
	return nil
}

func (f *fakeStore) HistoryPresent() bool { return f.history }

func (f *fakeStore) Archive(cycleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, cycleID)
	return nil
}

func (f *fakeStore) PublishStrategy(cycleID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cycleID + "/" + domain.ArtifactStrategy
	if _, ok := f.artifacts[key]; !ok {
		return errors.New("no strategy artifact")
	}
	f.published = append(f.published, cycleID)
	return nil
}

type harness struct {
	ctrl    *Controller
	machine *statemachine.Machine
	store   *fakeStore
	invoker *fakeInvoker
	boxes   *mailbox.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := zerolog.Nop()
	em := events.NewManager(events.NewBus(log), log)

	machine := statemachine.New(filepath.Join(t.TempDir(), "runner.json"), em, log)
	require.NoError(t, machine.Load())
	boxes, err := mailbox.New(t.TempDir(), 5, log)
	require.NoError(t, err)

	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = time.Hour
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Millisecond
	}

	store := newFakeStore()
	inv := &fakeInvoker{output: "step output"}
	ctrl := New(machine, store, boxes, &fakeBuilder{}, inv, em, cfg, log)
	return &harness{ctrl: ctrl, machine: machine, store: store, invoker: inv, boxes: boxes}
}

// beginAt drives the machine into a working step with a live cycle record.
func (h *harness) beginAt(t *testing.T, steps ...domain.State) string {
	t.Helper()
	cycle := h.machine.BeginCycle(time.Now().UTC())
	for _, step := range steps {
		require.NoError(t, h.machine.TransitionTo(step))
	}
	return cycle.CycleID
}

func validStrategyJSON() string {
	return fmt.Sprintf(`{
		"mode": "paper",
		"validity_window": %q,
		"posture": "moderate",
		"portfolio_risk": {
			"max_drawdown_pct": 0.5,
			"daily_loss_limit_usd": 100000,
			"max_total_exposure_pct": 0.95,
			"max_per_position_pct": 0.5
		},
		"positions": [{
			"id": "pos-1",
			"asset": "BTC/USD",
			"direction": "long",
			"allocation_pct": 0.1,
			"entry_type": "market"
		}]
	}`, time.Now().UTC().Add(time.Hour).Format(time.RFC3339))
}

func TestColdStartBeginsWithPlan(t *testing.T) {
	h := newHarness(t, Config{})
	h.ctrl.startCycle()

	assert.Equal(t, domain.StatePlan, h.machine.State())
	require.NotNil(t, h.machine.CycleSnapshot())
}

func TestStartWithHistoryBeginsWithEvaluate(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.history = true
	h.ctrl.startCycle()

	assert.Equal(t, domain.StateEvaluate, h.machine.State())
}

func TestStepSuccessWritesArtifactAndAdvances(t *testing.T) {
	h := newHarness(t, Config{ModelFor: func(agent string) string { return "model-" + agent }})
	cycleID := h.beginAt(t, domain.StatePlan)
	h.invoker.output = "# Plan\n\nBuy the dip.\n<mailbox_to_researcher>check funding rates</mailbox_to_researcher>"

	h.ctrl.runStep(context.Background(), domain.StatePlan)

	assert.Equal(t, domain.StateResearch, h.machine.State())
	assert.Equal(t, "# Plan\n\nBuy the dip.", h.store.artifacts[cycleID+"/"+domain.ArtifactPlan])

	rec := h.machine.CycleSnapshot().Step(domain.StatePlan)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	require.NotNil(t, rec.End)

	require.Len(t, h.invoker.calls, 1)
	assert.Equal(t, "planner", h.invoker.calls[0].agent)
	assert.Equal(t, "model-planner", h.invoker.calls[0].model)

	inbox := h.boxes.Snapshot(domain.AgentResearcher)
	require.Len(t, inbox, 1)
	assert.Equal(t, "check funding rates", inbox[0].Content)
	assert.Equal(t, domain.KindForward, inbox[0].Kind)
}

func TestSynthesizeValidatesPublishesAndCompletesCycle(t *testing.T) {
	h := newHarness(t, Config{})
	cycleID := h.beginAt(t, domain.StatePlan, domain.StateResearch, domain.StateAnalyze, domain.StateSynthesize)
	h.invoker.output = "Here is the strategy:\n```json\n" + validStrategyJSON() + "\n```"

	h.ctrl.runStep(context.Background(), domain.StateSynthesize)

	assert.Equal(t, domain.StateWaitingForNextCycle, h.machine.State())
	assert.Contains(t, h.store.artifacts, cycleID+"/"+domain.ArtifactStrategy)
	assert.Equal(t, []string{cycleID}, h.store.published)
	assert.Equal(t, []string{cycleID}, h.store.archived)
	require.NotNil(t, h.machine.CycleSnapshot().CompletedAt)
}

func TestSynthesizeRejectsInvalidStrategyWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.beginAt(t, domain.StatePlan, domain.StateResearch, domain.StateAnalyze, domain.StateSynthesize)
	h.invoker.output = "```json\n{\"mode\": \"paper\"}\n```"

	h.ctrl.runStep(context.Background(), domain.StateSynthesize)

	assert.Equal(t, domain.StateFailed, h.machine.State())
	assert.Equal(t, 1, h.invoker.callCount())
	assert.Empty(t, h.store.published)
}

func TestEmptyStepOutputFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.beginAt(t, domain.StatePlan)
	h.invoker.output = "<tool_call>{}</tool_call>"

	h.ctrl.runStep(context.Background(), domain.StatePlan)

	assert.Equal(t, domain.StateFailed, h.machine.State())
	assert.Equal(t, 1, h.invoker.callCount())
}

func TestStepFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1, MaxBackoff: time.Millisecond})
	h.beginAt(t, domain.StatePlan)
	h.invoker.err = errors.New("llm unreachable")

	h.ctrl.runStep(context.Background(), domain.StatePlan)
	assert.Equal(t, domain.StatePlan, h.machine.State())
	assert.Equal(t, 1, h.machine.CycleSnapshot().Step(domain.StatePlan).RetryCount)

	h.ctrl.runStep(context.Background(), domain.StatePlan)
	assert.Equal(t, domain.StateFailed, h.machine.State())
	assert.Contains(t, h.ctrl.LastError(), "llm unreachable")
}

func TestCycleMaxDurationForcesCompletion(t *testing.T) {
	h := newHarness(t, Config{CycleMaxDuration: time.Hour})
	h.machine.BeginCycle(time.Now().UTC().Add(-2 * time.Hour))
	require.NoError(t, h.machine.TransitionTo(domain.StatePlan))

	h.ctrl.runStep(context.Background(), domain.StatePlan)

	assert.Equal(t, domain.StateWaitingForNextCycle, h.machine.State())
	assert.Zero(t, h.invoker.callCount())
	require.NotNil(t, h.machine.CycleSnapshot().CompletedAt)
}

func TestPauseDuringStepLandsAtBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	h.beginAt(t, domain.StatePlan)
	h.invoker.hook = func() {
		require.NoError(t, h.ctrl.Pause())
	}

	h.ctrl.runStep(context.Background(), domain.StatePlan)

	assert.Equal(t, domain.StatePaused, h.machine.State())
	require.NoError(t, h.ctrl.Resume())
	assert.Equal(t, domain.StateResearch, h.machine.State())
}

func TestResumeWithoutPauseConflicts(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.ctrl.Resume(), ErrConflict)
}

func TestAbortWithNothingRunningConflicts(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.ctrl.Abort(), ErrConflict)
}

func TestAbortFailsAnIdleWorkingState(t *testing.T) {
	h := newHarness(t, Config{})
	h.beginAt(t, domain.StatePlan)

	require.NoError(t, h.ctrl.Abort())
	assert.Equal(t, domain.StateFailed, h.machine.State())
}

func TestForceCycleFromFailedStartsPlan(t *testing.T) {
	h := newHarness(t, Config{})
	h.machine.Fail("boom")

	require.NoError(t, h.ctrl.ForceCycle())
	assert.Equal(t, domain.StatePlan, h.machine.State())
	require.NotNil(t, h.machine.CycleSnapshot())
}

func TestForceCycleFromWorkingStateConflicts(t *testing.T) {
	h := newHarness(t, Config{})
	h.beginAt(t, domain.StatePlan)
	assert.ErrorIs(t, h.ctrl.ForceCycle(), ErrConflict)
}

func TestSetCycleInterval(t *testing.T) {
	h := newHarness(t, Config{CycleInterval: time.Hour})

	assert.Error(t, h.ctrl.SetCycleInterval(30*time.Second))
	require.NoError(t, h.ctrl.SetCycleInterval(5*time.Minute))
	assert.Equal(t, 5*time.Minute, h.ctrl.CycleInterval())
}

func TestInjectAppendsOperatorMessage(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Error(t, h.ctrl.Inject(domain.AgentPlanner, "   "))
	require.NoError(t, h.ctrl.Inject(domain.AgentPlanner, "favor BTC pairs this cycle"))

	inbox := h.boxes.Snapshot(domain.AgentPlanner)
	require.Len(t, inbox, 1)
	assert.Equal(t, "operator", string(inbox[0].From))
	assert.Equal(t, "favor BTC pairs this cycle", inbox[0].Content)
}

func TestMissingInputArtifactFailsValidation(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.beginAt(t, domain.StatePlan, domain.StateResearch)

	ctrl := New(h.machine, h.store, h.boxes, &fakeBuilder{taskErr: errors.New("plan.md missing")},
		h.invoker, events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop()),
		Config{StepTimeout: time.Second, MaxRetries: 3}, zerolog.Nop())
	ctrl.runStep(context.Background(), domain.StateResearch)

	assert.Equal(t, domain.StateFailed, h.machine.State())
	assert.Zero(t, h.invoker.callCount())
}

func TestExtractJSONPicksFencedBlock(t *testing.T) {
	out := "prose {not the one}\n```json\n{\"a\": 1}\n```\ntrailer"
	assert.Equal(t, `{"a": 1}`, extractJSON(out))
}

func TestExtractJSONBalancesBareObject(t *testing.T) {
	out := `result: {"a": {"b": "}"}, "c": 2} trailing`
	assert.Equal(t, `{"a": {"b": "}"}, "c": 2}`, extractJSON(out))
	assert.Empty(t, extractJSON("no json here"))
}

func TestExtractMarkdownStripsProtocolTags(t *testing.T) {
	out := "# Research\n<tool_call>{\"name\":\"x\"}</tool_call>\nbody\n<feedback>tighten the plan</feedback>"
	assert.Equal(t, "# Research\n\nbody", extractMarkdown(out))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Minute, backoff(1, time.Hour))
	assert.Equal(t, 20*time.Minute, backoff(2, time.Hour))
	assert.Equal(t, 40*time.Minute, backoff(3, time.Hour))
	assert.Equal(t, 10*time.Minute, backoff(0, time.Hour))
	assert.Equal(t, 15*time.Minute, backoff(4, 15*time.Minute))
}
