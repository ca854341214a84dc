package statemachine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/runner/domain"
)

func newTestMachine(t *testing.T) (*Machine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.json")
	log := zerolog.Nop()
	em := events.NewManager(events.NewBus(log), log)
	m := New(path, em, log)
	require.NoError(t, m.Load())
	return m, path
}

func TestFullLoopTransitions(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.Equal(t, domain.StateIdle, m.State())

	m.BeginCycle(time.Now().UTC())
	for _, step := range []domain.State{
		domain.StatePlan,
		domain.StateResearch,
		domain.StateAnalyze,
		domain.StateSynthesize,
		domain.StateWaitingForNextCycle,
		domain.StateEvaluate,
		domain.StatePlan,
	} {
		require.NoError(t, m.TransitionTo(step), "transition to %s", step)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _ := newTestMachine(t)

	err := m.TransitionTo(domain.StateSynthesize)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.StateIdle, m.State())

	require.NoError(t, m.TransitionTo(domain.StatePlan))
	assert.ErrorIs(t, m.TransitionTo(domain.StateAnalyze), ErrInvalidTransition)
	assert.ErrorIs(t, m.TransitionTo(domain.StateIdle), ErrInvalidTransition)
}

func TestPauseResumeRestoresPriorState(t *testing.T) {
	m, _ := newTestMachine(t)
	m.BeginCycle(time.Now().UTC())
	require.NoError(t, m.TransitionTo(domain.StatePlan))
	require.NoError(t, m.TransitionTo(domain.StateResearch))

	require.NoError(t, m.Pause())
	assert.Equal(t, domain.StatePaused, m.State())
	assert.True(t, m.CycleSnapshot().Paused)

	require.NoError(t, m.Resume())
	assert.Equal(t, domain.StateResearch, m.State())
	assert.False(t, m.CycleSnapshot().Paused)
}

func TestPauseRejectedWhenFailedOrAlreadyPaused(t *testing.T) {
	m, _ := newTestMachine(t)

	require.NoError(t, m.Pause())
	assert.ErrorIs(t, m.Pause(), ErrInvalidTransition)
	require.NoError(t, m.Resume())

	m.Fail("boom")
	assert.ErrorIs(t, m.Pause(), ErrInvalidTransition)
}

func TestResumeRejectedWhenNotPaused(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.ErrorIs(t, m.Resume(), ErrInvalidTransition)
}

func TestFailedRecoversViaPlan(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.TransitionTo(domain.StatePlan))

	m.Fail("llm unreachable")
	assert.Equal(t, domain.StateFailed, m.State())

	require.NoError(t, m.TransitionTo(domain.StatePlan))
	assert.Equal(t, domain.StatePlan, m.State())
}

func TestForceWaitSkipsRemainingSteps(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.TransitionTo(domain.StatePlan))
	require.NoError(t, m.TransitionTo(domain.StateResearch))

	m.ForceWait("cycle_max_duration_exceeded")
	assert.Equal(t, domain.StateWaitingForNextCycle, m.State())

	// Idempotent once waiting.
	m.ForceWait("again")
	assert.Equal(t, domain.StateWaitingForNextCycle, m.State())
}

func TestBeginCycleIssuesIncreasingIDs(t *testing.T) {
	m, _ := newTestMachine(t)

	now := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	first := m.BeginCycle(now)
	require.NotNil(t, first)
	assert.NotEmpty(t, first.CycleID)
	assert.Equal(t, first.CycleID, m.LastCycleID())

	second := m.BeginCycle(now)
	assert.Greater(t, second.CycleID, first.CycleID)
}

func TestCompleteCycleStampsCompletion(t *testing.T) {
	m, _ := newTestMachine(t)
	m.BeginCycle(time.Now().UTC())

	done := time.Now().UTC()
	m.CompleteCycle(done)

	cycle := m.CycleSnapshot()
	require.NotNil(t, cycle)
	require.NotNil(t, cycle.CompletedAt)
	assert.True(t, cycle.CompletedAt.Equal(done))
}

func TestUpdateCycleMutatesUnderLock(t *testing.T) {
	m, _ := newTestMachine(t)
	m.BeginCycle(time.Now().UTC())

	m.UpdateCycle(func(cr *domain.CycleRecord) {
		rec := cr.Step(domain.StatePlan)
		rec.RetryCount = 2
	})

	assert.Equal(t, 2, m.CycleSnapshot().Step(domain.StatePlan).RetryCount)
}

func TestCycleSnapshotIsACopy(t *testing.T) {
	m, _ := newTestMachine(t)
	m.BeginCycle(time.Now().UTC())

	snap := m.CycleSnapshot()
	snap.Step(domain.StatePlan).RetryCount = 99

	assert.Zero(t, m.CycleSnapshot().Step(domain.StatePlan).RetryCount)
}

func TestPersistenceRoundTrip(t *testing.T) {
	m, path := newTestMachine(t)
	m.BeginCycle(time.Now().UTC())
	require.NoError(t, m.TransitionTo(domain.StatePlan))
	require.NoError(t, m.TransitionTo(domain.StateResearch))
	cycleID := m.LastCycleID()

	log := zerolog.Nop()
	restored := New(path, events.NewManager(events.NewBus(log), log), log)
	require.NoError(t, restored.Load())

	assert.Equal(t, domain.StateResearch, restored.State())
	assert.Equal(t, cycleID, restored.LastCycleID())
	require.NotNil(t, restored.CycleSnapshot())
	assert.Equal(t, cycleID, restored.CycleSnapshot().CycleID)
}

func TestLoadMissingFileStartsIdle(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Empty(t, m.LastCycleID())
}

func TestLoadCorruptFileStartsIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	log := zerolog.Nop()
	m := New(path, events.NewManager(events.NewBus(log), log), log)
	require.NoError(t, m.Load())
	assert.Equal(t, domain.StateIdle, m.State())
}
