// Package statemachine implements the persisted learning-loop state machine.
package statemachine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/rs/zerolog"
)

// ErrInvalidTransition is returned when a requested transition is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the permitted target states per source state. Paused and
// Failed are handled separately: pausing is allowed from any non-terminal
// state and failing from anywhere.
var transitions = map[domain.State][]domain.State{
	domain.StateIdle:                {domain.StatePlan, domain.StateEvaluate},
	domain.StateEvaluate:            {domain.StatePlan},
	domain.StatePlan:                {domain.StateResearch},
	domain.StateResearch:            {domain.StateAnalyze},
	domain.StateAnalyze:             {domain.StateSynthesize},
	domain.StateSynthesize:          {domain.StateWaitingForNextCycle},
	domain.StateWaitingForNextCycle: {domain.StateEvaluate, domain.StatePlan},
	domain.StateFailed:              {domain.StatePlan},
}

// persistedState is the on-disk shape of state/runner.json.
type persistedState struct {
	State       domain.State        `json:"state"`
	PausedFrom  domain.State        `json:"paused_from,omitempty"`
	Cycle       *domain.CycleRecord `json:"cycle,omitempty"`
	LastCycleID string              `json:"last_cycle_id,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Machine is the loop state machine. All access is serialized by one mutex;
// persistence happens inside the lock so the file always matches memory.
type Machine struct {
	mu          sync.Mutex
	state       domain.State
	pausedFrom  domain.State
	cycle       *domain.CycleRecord
	lastCycleID string

	path   string
	events *events.Manager
	log    zerolog.Logger
}

// New creates a machine persisting to path (state/runner.json).
func New(path string, eventManager *events.Manager, log zerolog.Logger) *Machine {
	return &Machine{
		state:  domain.StateIdle,
		path:   path,
		events: eventManager,
		log:    log.With().Str("component", "state_machine").Logger(),
	}
}

// Load restores persisted state. A missing file starts Idle; a corrupt file
// is treated as missing with a warning.
func (m *Machine) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ps persistedState
	err := persist.ReadJSON(m.path, &ps)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Info().Msg("No persisted runner state, starting Idle")
			return nil
		}
		m.log.Warn().Err(err).Msg("Corrupt runner state file, starting Idle")
		return nil
	}

	m.state = ps.State
	m.pausedFrom = ps.PausedFrom
	m.cycle = ps.Cycle
	m.lastCycleID = ps.LastCycleID
	if m.state == "" {
		m.state = domain.StateIdle
	}

	m.log.Info().
		Str("state", string(m.state)).
		Str("last_cycle_id", m.lastCycleID).
		Msg("Runner state restored")
	return nil
}

// State returns the current state.
func (m *Machine) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CycleSnapshot returns a deep copy of the current cycle, or nil.
func (m *Machine) CycleSnapshot() *domain.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCycle(m.cycle)
}

// LastCycleID returns the most recently issued cycle id.
func (m *Machine) LastCycleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCycleID
}

// TransitionTo moves to target if the transition table permits it, persists,
// and emits a state_transition event.
func (m *Machine) TransitionTo(target domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(target)
}

func (m *Machine) transitionLocked(target domain.State) error {
	allowed := false
	for _, t := range transitions[m.state] {
		if t == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, target)
	}

	m.setStateLocked(target)
	return nil
}

// setStateLocked updates state, persists, and emits. Callers hold the lock
// and have already validated the move.
func (m *Machine) setStateLocked(target domain.State) {
	from := m.state
	m.state = target
	if m.cycle != nil {
		m.cycle.CurrentState = target
	}
	m.persistLocked()

	m.events.Emit(events.StateTransition, "state_machine", map[string]interface{}{
		"from":     string(from),
		"to":       string(target),
		"cycle_id": m.cycleIDLocked(),
	})
	m.log.Info().Str("from", string(from)).Str("to", string(target)).Msg("State transition")
}

// Pause suspends the loop from any non-terminal state, remembering where to
// resume.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == domain.StatePaused {
		return fmt.Errorf("%w: already paused", ErrInvalidTransition)
	}
	if m.state == domain.StateFailed {
		return fmt.Errorf("%w: cannot pause a failed runner", ErrInvalidTransition)
	}

	m.pausedFrom = m.state
	if m.cycle != nil {
		m.cycle.Paused = true
	}
	m.setStateLocked(domain.StatePaused)
	return nil
}

// Resume returns to the state captured at pause time.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.StatePaused {
		return fmt.Errorf("%w: not paused", ErrInvalidTransition)
	}

	target := m.pausedFrom
	if target == "" {
		target = domain.StateIdle
	}
	m.pausedFrom = ""
	if m.cycle != nil {
		m.cycle.Paused = false
	}
	m.setStateLocked(target)
	return nil
}

// Fail moves to Failed from any state.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = domain.StateFailed
	if m.cycle != nil {
		m.cycle.CurrentState = domain.StateFailed
	}
	m.persistLocked()

	m.events.Emit(events.StateTransition, "state_machine", map[string]interface{}{
		"from":     string(from),
		"to":       string(domain.StateFailed),
		"cycle_id": m.cycleIDLocked(),
		"reason":   reason,
	})
	m.log.Error().Str("from", string(from)).Str("reason", reason).Msg("Runner failed")
}

// ForceWait jumps straight to WaitingForNextCycle from any working state,
// bypassing the transition table. Used when a cycle exceeds its maximum
// duration and the remaining steps are skipped.
func (m *Machine) ForceWait(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == domain.StateWaitingForNextCycle {
		return
	}
	m.events.Emit(events.CycleForceComplete, "state_machine", map[string]interface{}{
		"cycle_id": m.cycleIDLocked(),
		"from":     string(m.state),
		"reason":   reason,
	})
	m.setStateLocked(domain.StateWaitingForNextCycle)
}

// BeginCycle issues the next cycle id and installs a fresh cycle record.
func (m *Machine) BeginCycle(now time.Time) *domain.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	cycleID := domain.NextCycleID(m.lastCycleID, now)
	m.lastCycleID = cycleID
	m.cycle = domain.NewCycleRecord(cycleID, now)
	m.cycle.CurrentState = m.state
	m.persistLocked()

	m.events.Emit(events.CycleStarted, "state_machine", map[string]interface{}{
		"cycle_id": cycleID,
	})
	return copyCycle(m.cycle)
}

// CompleteCycle stamps the current cycle finished.
func (m *Machine) CompleteCycle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cycle == nil {
		return
	}
	t := now
	m.cycle.CompletedAt = &t
	m.persistLocked()

	m.events.Emit(events.CycleCompleted, "state_machine", map[string]interface{}{
		"cycle_id": m.cycle.CycleID,
	})
}

// UpdateCycle applies fn to the live cycle record under the machine lock and
// persists the result. No-op when no cycle is active.
func (m *Machine) UpdateCycle(fn func(*domain.CycleRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cycle == nil {
		return
	}
	fn(m.cycle)
	m.persistLocked()
}

func (m *Machine) cycleIDLocked() string {
	if m.cycle == nil {
		return ""
	}
	return m.cycle.CycleID
}

func (m *Machine) persistLocked() {
	ps := persistedState{
		State:       m.state,
		PausedFrom:  m.pausedFrom,
		Cycle:       m.cycle,
		LastCycleID: m.lastCycleID,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := persist.WriteJSONAtomic(m.path, ps); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist runner state")
	}
}

func copyCycle(c *domain.CycleRecord) *domain.CycleRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.StepRecords = make(map[string]*domain.StepRecord, len(c.StepRecords))
	for k, v := range c.StepRecords {
		rec := *v
		out.StepRecords[k] = &rec
	}
	return &out
}
