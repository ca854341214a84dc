// Package domain holds the Agent Runner's core types: loop states, cycle
// bookkeeping, agents, and mailbox messages.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is a loop state machine state.
type State string

const (
	StateIdle                State = "Idle"
	StateEvaluate            State = "Evaluate"
	StatePlan                State = "Plan"
	StateResearch            State = "Research"
	StateAnalyze             State = "Analyze"
	StateSynthesize          State = "Synthesize"
	StateWaitingForNextCycle State = "WaitingForNextCycle"
	StatePaused              State = "Paused"
	StateFailed              State = "Failed"
)

// WorkingStates lists the states that invoke an agent, in loop order.
var WorkingStates = []State{
	StateEvaluate,
	StatePlan,
	StateResearch,
	StateAnalyze,
	StateSynthesize,
}

// IsWorking reports whether the state runs an agent step.
func (s State) IsWorking() bool {
	for _, w := range WorkingStates {
		if s == w {
			return true
		}
	}
	return false
}

// Agent identifies one of the learning-loop agents.
type Agent string

const (
	AgentEvaluator   Agent = "evaluator"
	AgentPlanner     Agent = "planner"
	AgentResearcher  Agent = "researcher"
	AgentAnalyst     Agent = "analyst"
	AgentSynthesizer Agent = "synthesizer"
)

// AllAgents lists every agent in loop order.
var AllAgents = []Agent{
	AgentEvaluator,
	AgentPlanner,
	AgentResearcher,
	AgentAnalyst,
	AgentSynthesizer,
}

// AgentForState maps a working state to the agent that runs it.
var AgentForState = map[State]Agent{
	StateEvaluate:   AgentEvaluator,
	StatePlan:       AgentPlanner,
	StateResearch:   AgentResearcher,
	StateAnalyze:    AgentAnalyst,
	StateSynthesize: AgentSynthesizer,
}

// Artifact filenames, fixed by the strategy contract.
const (
	ArtifactPlan       = "plan.md"
	ArtifactResearch   = "research.md"
	ArtifactAnalysis   = "analysis.md"
	ArtifactStrategy   = "strategy.json"
	ArtifactEvaluation = "evaluation.md"
)

// ArtifactForState maps a working state to the artifact it must produce.
var ArtifactForState = map[State]string{
	StateEvaluate:   ArtifactEvaluation,
	StatePlan:       ArtifactPlan,
	StateResearch:   ArtifactResearch,
	StateAnalyze:    ArtifactAnalysis,
	StateSynthesize: ArtifactStrategy,
}

// InputArtifactsForState maps a working state to the upstream artifacts its
// context requires from the current cycle.
var InputArtifactsForState = map[State][]string{
	StateEvaluate:   {},
	StatePlan:       {},
	StateResearch:   {ArtifactPlan},
	StateAnalyze:    {ArtifactPlan, ArtifactResearch},
	StateSynthesize: {ArtifactPlan, ArtifactResearch, ArtifactAnalysis},
}

// StepOutcome is the terminal result of one step attempt.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "Success"
	OutcomeFailed  StepOutcome = "Failed"
	OutcomeTimeout StepOutcome = "Timeout"
)

// StepRecord tracks one step's execution within a cycle.
type StepRecord struct {
	Step         State       `json:"step"`
	Start        time.Time   `json:"start"`
	End          *time.Time  `json:"end,omitempty"`
	Outcome      StepOutcome `json:"outcome,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
}

// CycleRecord tracks one full pass through the learning loop.
type CycleRecord struct {
	CycleID      string                 `json:"cycle_id"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	StepRecords  map[string]*StepRecord `json:"step_records"`
	CurrentState State                  `json:"current_state"`
	RestartCount int                    `json:"restart_count"`
	Paused       bool                   `json:"paused"`
}

// NewCycleRecord starts a cycle record with an empty step map.
func NewCycleRecord(cycleID string, now time.Time) *CycleRecord {
	return &CycleRecord{
		CycleID:     cycleID,
		StartedAt:   now,
		StepRecords: make(map[string]*StepRecord),
	}
}

// Step returns the record for a step, creating it on first use.
func (c *CycleRecord) Step(step State) *StepRecord {
	if c.StepRecords == nil {
		c.StepRecords = make(map[string]*StepRecord)
	}
	rec, ok := c.StepRecords[string(step)]
	if !ok {
		rec = &StepRecord{Step: step}
		c.StepRecords[string(step)] = rec
	}
	return rec
}

// NextCycleID derives a strictly increasing, lexicographically sortable
// cycle id from the wall clock. Collisions within one second (or a clock
// that moved backwards) extend the previous id with a zero-padded sequence
// suffix so ordering survives.
func NextCycleID(prev string, now time.Time) string {
	candidate := now.UTC().Format("20060102-150405")
	if prev == "" || candidate > prev {
		return candidate
	}

	base := prev
	seq := 0
	if i := strings.LastIndex(prev, "."); i >= 0 {
		if n, err := strconv.Atoi(prev[i+1:]); err == nil {
			base = prev[:i]
			seq = n
		}
	}
	return fmt.Sprintf("%s.%03d", base, seq+1)
}

// MessageKind classifies a mailbox message's routing direction.
type MessageKind string

const (
	KindForward   MessageKind = "Forward"
	KindFeedback  MessageKind = "Feedback"
	KindBroadcast MessageKind = "Broadcast"
)

// MailboxMessage is one entry in an agent's bounded mailbox.
type MailboxMessage struct {
	From      Agent       `json:"from"`
	To        Agent       `json:"to"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
}
