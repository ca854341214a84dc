package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypton-sys/crypton/internal/runner/domain"
)

func newTestStore(t *testing.T, dir string, capacity int) *Store {
	t.Helper()
	s, err := New(dir, capacity, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func msg(to domain.Agent, content string) domain.MailboxMessage {
	return domain.MailboxMessage{
		From:      domain.AgentPlanner,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Kind:      domain.KindForward,
	}
}

func TestAppendAndSnapshot(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)

	require.NoError(t, s.Append(msg(domain.AgentResearcher, "first")))
	require.NoError(t, s.Append(msg(domain.AgentResearcher, "second")))

	inbox := s.Snapshot(domain.AgentResearcher)
	require.Len(t, inbox, 2)
	assert.Equal(t, "first", inbox[0].Content)
	assert.Equal(t, "second", inbox[1].Content)
	assert.Zero(t, s.Len(domain.AgentAnalyst))
}

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 2)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Append(msg(domain.AgentAnalyst, fmt.Sprintf("m%d", i))))
	}

	inbox := s.Snapshot(domain.AgentAnalyst)
	require.Len(t, inbox, 2)
	assert.Equal(t, "m2", inbox[0].Content)
	assert.Equal(t, "m3", inbox[1].Content)
}

func TestAppendUnknownRecipient(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)
	assert.Error(t, s.Append(msg(domain.Agent("auditor"), "hello")))
}

func TestInvalidCapacityRejected(t *testing.T) {
	_, err := New(t.TempDir(), 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)
	require.NoError(t, s.Append(msg(domain.AgentResearcher, "original")))

	inbox := s.Snapshot(domain.AgentResearcher)
	inbox[0].Content = "mutated"

	assert.Equal(t, "original", s.Snapshot(domain.AgentResearcher)[0].Content)
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 5)
	require.NoError(t, s.Append(msg(domain.AgentSynthesizer, "carry over")))

	reopened := newTestStore(t, dir, 5)
	inbox := reopened.Snapshot(domain.AgentSynthesizer)
	require.Len(t, inbox, 1)
	assert.Equal(t, "carry over", inbox[0].Content)
}

func TestLoadSkipsUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	lines := "not json\n" +
		`{"from":"planner","to":"researcher","content":"kept","kind":"Forward"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailbox.researcher"), []byte(lines), 0644))

	s := newTestStore(t, dir, 5)
	inbox := s.Snapshot(domain.AgentResearcher)
	require.Len(t, inbox, 1)
	assert.Equal(t, "kept", inbox[0].Content)
}

func TestLoadTruncatesToCapacity(t *testing.T) {
	dir := t.TempDir()
	var lines string
	for i := 1; i <= 4; i++ {
		lines += fmt.Sprintf(`{"from":"planner","to":"researcher","content":"m%d","kind":"Forward"}`+"\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailbox.researcher"), []byte(lines), 0644))

	s := newTestStore(t, dir, 2)
	inbox := s.Snapshot(domain.AgentResearcher)
	require.Len(t, inbox, 2)
	assert.Equal(t, "m3", inbox[0].Content)
	assert.Equal(t, "m4", inbox[1].Content)
}

func TestRoutePlanForwardsToResearcher(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)
	out := "plan body\n<mailbox_to_researcher>verify volume profile</mailbox_to_researcher>"

	msgs, err := s.Route(domain.StatePlan, domain.AgentPlanner, out, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.AgentResearcher, msgs[0].To)
	assert.Equal(t, domain.KindForward, msgs[0].Kind)
	assert.Equal(t, "verify volume profile", msgs[0].Content)
	assert.Equal(t, 1, s.Len(domain.AgentResearcher))
}

func TestRouteResearchForwardsAndFeedsBack(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)
	out := "<mailbox_to_analyst>focus on BTC</mailbox_to_analyst>\n" +
		"<feedback>plan ignored funding costs</feedback>"

	msgs, err := s.Route(domain.StateResearch, domain.AgentResearcher, out, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, domain.AgentAnalyst, msgs[0].To)
	assert.Equal(t, domain.KindForward, msgs[0].Kind)
	assert.Equal(t, "focus on BTC", msgs[0].Content)

	assert.Equal(t, domain.AgentPlanner, msgs[1].To)
	assert.Equal(t, domain.KindFeedback, msgs[1].Kind)
	assert.Equal(t, "plan ignored funding costs", msgs[1].Content)
}

func TestRouteMissingTagUsesPlaceholder(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)

	msgs, err := s.Route(domain.StatePlan, domain.AgentPlanner, "plan with no tags", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, placeholderContent, msgs[0].Content)
}

func TestRouteEvaluationBroadcasts(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)
	out := "<broadcast>last strategy over-traded</broadcast>"

	msgs, err := s.Route(domain.StateEvaluate, domain.AgentEvaluator, out, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, domain.KindBroadcast, m.Kind)
		assert.Equal(t, "last strategy over-traded", m.Content)
	}
	assert.Equal(t, 1, s.Len(domain.AgentPlanner))
	assert.Equal(t, 1, s.Len(domain.AgentSynthesizer))
}

func TestRouteNonWorkingStateRoutesNothing(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5)

	msgs, err := s.Route(domain.StateIdle, domain.AgentPlanner, "anything", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
