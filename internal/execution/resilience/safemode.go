// Package resilience holds the failure-containment layer: safe mode, the
// consecutive-failure tracker, the dead man's switch and startup
// reconciliation.
package resilience

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/rs/zerolog"
)

// PositionCloser market-closes every open position. The engine implements
// it.
type PositionCloser interface {
	CloseAll(ctx context.Context, reason string)
}

// SafeMode is the service-wide halt switch. Activation closes all
// positions and blocks entries and strategy execution until an operator
// deactivates it. The state survives restarts.
type SafeMode struct {
	path   string
	events *events.Manager
	log    zerolog.Logger

	mu     sync.Mutex
	closer PositionCloser
	state  domain.SafeModeState
}

// NewSafeMode loads the persisted safe-mode state. A corrupt file is
// treated as inactive with a warning.
func NewSafeMode(path string, em *events.Manager, log zerolog.Logger) *SafeMode {
	s := &SafeMode{
		path:   path,
		events: em,
		log:    log.With().Str("component", "safe_mode").Logger(),
	}
	if err := persist.ReadJSON(path, &s.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Err(err).Msg("Safe mode state unreadable, assuming inactive")
		s.state = domain.SafeModeState{}
	}
	if s.state.Active {
		s.log.Warn().Str("reason", s.state.Reason).
			Time("triggered_at", s.state.TriggeredAt).
			Msg("Restarted with safe mode active")
	}
	return s
}

// SetCloser installs the position closer; the engine is constructed after
// the safe mode controller, so this is wired post-construction.
func (s *SafeMode) SetCloser(c PositionCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closer = c
}

// Active reports whether safe mode is engaged.
func (s *SafeMode) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// State returns the persisted safe-mode record.
func (s *SafeMode) State() domain.SafeModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate engages safe mode and market-closes all open positions.
// Re-activation while already active is a no-op, so a flapping trigger
// cannot spam closes.
func (s *SafeMode) Activate(reason string) {
	s.mu.Lock()
	if s.state.Active {
		s.mu.Unlock()
		return
	}
	s.state = domain.SafeModeState{
		Active:      true,
		Reason:      reason,
		TriggeredAt: time.Now().UTC(),
	}
	s.persistLocked()
	closer := s.closer
	s.mu.Unlock()

	s.log.Error().Str("reason", reason).Msg("SAFE MODE ACTIVATED")
	s.events.Emit(events.SafeModeActivated, "safe_mode", map[string]interface{}{
		"reason": reason,
	})

	if closer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		closer.CloseAll(ctx, domain.CloseSafeMode)
	}
}

// Deactivate disengages safe mode. Only the operator endpoint calls this;
// nothing in the service self-deactivates.
func (s *SafeMode) Deactivate() bool {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return false
	}
	prev := s.state.Reason
	s.state = domain.SafeModeState{}
	s.persistLocked()
	s.mu.Unlock()

	s.log.Warn().Str("previous_reason", prev).Msg("Safe mode deactivated by operator")
	s.events.Emit(events.SafeModeDeactivated, "safe_mode", map[string]interface{}{
		"previous_reason": prev,
	})
	return true
}

func (s *SafeMode) persistLocked() {
	if err := persist.WriteJSONAtomic(s.path, s.state); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist safe mode state")
	}
}
