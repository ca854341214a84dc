package contextbuilder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypton-sys/crypton/internal/runner/artifacts"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/tools"
)

func newTestBuilder(t *testing.T) (*Builder, *artifacts.Store, *mailbox.Store) {
	t.Helper()
	log := zerolog.Nop()
	store, err := artifacts.New(t.TempDir(), log)
	require.NoError(t, err)
	boxes, err := mailbox.New(t.TempDir(), 5, log)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Tool{
		Name:        "get_candles",
		Description: "fetch recent candles for an asset",
		Schema:      json.RawMessage(`{"type": "object"}`),
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}))

	return New(store, boxes, registry, log), store, boxes
}

func TestSystemContextCarriesIdentityAndTools(t *testing.T) {
	b, _, _ := newTestBuilder(t)

	system, err := b.System(domain.StateResearch)
	require.NoError(t, err)
	assert.Contains(t, system, "Researcher")
	assert.Contains(t, system, "<tool_call>")
	assert.Contains(t, system, "get_candles: fetch recent candles for an asset")

	_, err = b.System(domain.StateIdle)
	assert.Error(t, err)
}

func TestTaskIncludesMailboxAndMemory(t *testing.T) {
	b, store, boxes := newTestBuilder(t)
	require.NoError(t, boxes.Append(domain.MailboxMessage{
		From:      domain.AgentResearcher,
		To:        domain.AgentPlanner,
		Content:   "funding rates look stretched",
		Timestamp: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC),
		Kind:      domain.KindFeedback,
	}))
	require.NoError(t, store.AppendMemory(domain.AgentPlanner, "avoid illiquid alts"))
	require.NoError(t, store.AppendSharedMemory("regime: chop"))

	task, err := b.Task(domain.StatePlan, "20260102-120000")
	require.NoError(t, err)
	assert.Contains(t, task, "## Mailbox")
	assert.Contains(t, task, "funding rates look stretched")
	assert.Contains(t, task, "## Your Memory\navoid illiquid alts")
	assert.Contains(t, task, "## Shared Memory\nregime: chop")
	assert.Contains(t, task, "## Required Output: "+domain.ArtifactPlan)
	assert.Contains(t, task, beginMarker)
}

func TestTaskRequiresInputArtifacts(t *testing.T) {
	b, store, _ := newTestBuilder(t)

	_, err := b.Task(domain.StateResearch, "20260102-120000")
	require.Error(t, err)

	require.NoError(t, store.Write("20260102-120000", domain.ArtifactPlan, "# Plan body"))
	task, err := b.Task(domain.StateResearch, "20260102-120000")
	require.NoError(t, err)
	assert.Contains(t, task, "## Input: "+domain.ArtifactPlan)
	assert.Contains(t, task, "# Plan body")
}

func TestTaskFoldsInRecentEvaluations(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	for _, id := range []string{"20260101-120000", "20260102-120000", "20260103-120000", "20260104-120000"} {
		require.NoError(t, store.Write(id, domain.ArtifactEvaluation, "evaluation for "+id))
	}

	task, err := b.Task(domain.StatePlan, "20260105-120000")
	require.NoError(t, err)
	assert.Contains(t, task, "## Recent Evaluations")
	assert.Contains(t, task, "evaluation for 20260104-120000")
	assert.Contains(t, task, "evaluation for 20260102-120000")
	assert.NotContains(t, task, "evaluation for 20260101-120000")
}

func TestEvaluatorSeesLatestStrategyNotEvaluations(t *testing.T) {
	b, store, _ := newTestBuilder(t)
	require.NoError(t, store.Write("20260101-120000", domain.ArtifactEvaluation, "old evaluation"))
	require.NoError(t, store.Write("20260101-120000", domain.ArtifactStrategy, `{"posture":"flat"}`))

	task, err := b.Task(domain.StateEvaluate, "20260102-120000")
	require.NoError(t, err)
	assert.Contains(t, task, "## Strategy Under Evaluation (cycle 20260101-120000)")
	assert.Contains(t, task, `{"posture":"flat"}`)
	assert.NotContains(t, task, "## Recent Evaluations")
}
