// Package mode manages the persisted paper/live switch and hands out the
// matching exchange adapter.
package mode

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/rs/zerolog"
)

// ErrAlreadyInMode is returned when a promote or demote targets the mode
// already active; the API maps it to 409.
var ErrAlreadyInMode = errors.New("already in requested mode")

// Manager owns the persisted operation mode. The selected adapter is
// resolved per call so a mode change takes effect on the next dispatch.
type Manager struct {
	path   string
	paper  adapters.Adapter
	live   adapters.Adapter
	events *events.Manager
	log    zerolog.Logger

	mu    sync.Mutex
	state domain.OperationMode
}

// New loads the persisted mode, defaulting to paper.
func New(path string, paper, live adapters.Adapter, em *events.Manager, log zerolog.Logger) *Manager {
	m := &Manager{
		path:   path,
		paper:  paper,
		live:   live,
		events: em,
		log:    log.With().Str("component", "operation_mode").Logger(),
	}
	if err := persist.ReadJSON(path, &m.state); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn().Err(err).Msg("Operation mode state unreadable, defaulting to paper")
		}
		m.state = domain.OperationMode{Mode: domain.ModePaper}
	}
	if m.state.Mode != domain.ModePaper && m.state.Mode != domain.ModeLive {
		m.state.Mode = domain.ModePaper
	}
	m.log.Info().Str("mode", string(m.state.Mode)).Msg("Operation mode loaded")
	return m
}

// Current returns the active mode.
func (m *Manager) Current() domain.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// Adapter returns the adapter for the active mode.
func (m *Manager) Adapter() adapters.Adapter {
	if m.Current() == domain.ModeLive {
		return m.live
	}
	return m.paper
}

// Promote switches to live execution.
func (m *Manager) Promote() error {
	return m.set(domain.ModeLive)
}

// Demote switches back to paper execution.
func (m *Manager) Demote() error {
	return m.set(domain.ModePaper)
}

func (m *Manager) set(target domain.Mode) error {
	m.mu.Lock()
	if m.state.Mode == target {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInMode, target)
	}
	from := m.state.Mode
	m.state = domain.OperationMode{Mode: target, ChangedAt: time.Now().UTC()}
	if err := persist.WriteJSONAtomic(m.path, m.state); err != nil {
		m.state = domain.OperationMode{Mode: from}
		m.mu.Unlock()
		return fmt.Errorf("persist operation mode: %w", err)
	}
	m.mu.Unlock()

	m.log.Warn().Str("from", string(from)).Str("to", string(target)).Msg("Operation mode changed")
	m.events.Emit(events.ModeChanged, "operation_mode", map[string]interface{}{
		"from": from,
		"to":   target,
	})
	return nil
}
