// Package events provides event management functionality shared by the
// Agent Runner and the Execution Service.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

// Agent Runner event types.
const (
	StateTransition    EventType = "state_transition"
	CycleStarted       EventType = "cycle_started"
	CycleCompleted     EventType = "cycle_completed"
	CycleForceComplete EventType = "cycle_force_completed"
	StepStarted        EventType = "step_started"
	StepCompleted      EventType = "step_completed"
	StepFailed         EventType = "step_failed"
	StepRetry          EventType = "step_retry"
	ArtifactWritten    EventType = "artifact_written"
	ArtifactRejected   EventType = "artifact_rejected"
	MailboxRouted      EventType = "mailbox_routed"
	ToolExecuted       EventType = "tool_executed"
	ToolFailed         EventType = "tool_failed"
	CircuitOpened      EventType = "circuit_opened"
	CircuitClosed      EventType = "circuit_closed"
	OverrideReceived   EventType = "override_received"
)

// Execution Service event types.
const (
	StrategyLoaded        EventType = "strategy_loaded"
	StrategySwapped       EventType = "strategy_swapped"
	StrategyRejected      EventType = "strategy_rejected"
	StrategyExpired       EventType = "strategy_expired"
	EntryDispatched       EventType = "entry_dispatched"
	EntrySkipped          EventType = "entry_skipped"
	ExitDispatched        EventType = "exit_dispatched"
	OrderDispatched       EventType = "order_dispatched"
	OrderFilled           EventType = "order_filled"
	OrderRejected         EventType = "order_rejected"
	OrderCancelled        EventType = "order_cancelled"
	PositionOpened        EventType = "position_opened"
	PositionClosed        EventType = "position_closed"
	PositionUpdated       EventType = "position_updated"
	RiskLimitBreached     EventType = "risk_limit_breached"
	EntriesSuspended      EventType = "entries_suspended"
	EntriesResumed        EventType = "entries_resumed"
	SafeModeActivated     EventType = "safe_mode_activated"
	SafeModeDeactivated   EventType = "safe_mode_deactivated"
	ModeChanged           EventType = "mode_changed"
	ReconciliationSummary EventType = "reconciliation_summary"
)

// Shared event types.
const (
	ErrorOccurred EventType = "error_occurred"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// ErrorEventData is the payload shape used by EmitError.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
