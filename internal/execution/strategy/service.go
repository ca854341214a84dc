package strategy

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/rs/zerolog"
)

const (
	watchInterval    = time.Second
	debounceWindow   = 5 * time.Second
	validityInterval = 30 * time.Second
)

// SwapHandler is notified after a new strategy is published. The engine
// uses it to resubscribe market data, install risk limits and reset its
// dispatched set.
type SwapHandler func(next *CompiledStrategy)

// Service watches the strategy file and hot-swaps validated documents into
// the engine without interrupting open positions.
type Service struct {
	path   string
	events *events.Manager
	log    zerolog.Logger
	onSwap SwapHandler

	current atomic.Pointer[CompiledStrategy]

	mu      sync.Mutex
	state   State
	lastErr string

	// watcher bookkeeping
	lastModTime time.Time
	lastSize    int64
	pendingAt   time.Time // zero when no settled change is pending
}

// NewService creates the strategy service. Call Run to start watching.
func NewService(path string, onSwap SwapHandler, em *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		path:   path,
		events: em,
		log:    log.With().Str("component", "strategy_service").Logger(),
		onSwap: onSwap,
		state:  StateNone,
	}
}

// Current returns the active compiled strategy, or nil before first load.
// An expired strategy is still returned; the expired state only blocks new
// entries.
func (s *Service) Current() *CompiledStrategy {
	return s.current.Load()
}

// State returns the service state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent load or validation error message.
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Run watches the strategy file until ctx is cancelled. An existing file
// is loaded immediately; later modifications are debounced so half-written
// files are not parsed mid-copy.
func (s *Service) Run(ctx context.Context) {
	if info, err := os.Stat(s.path); err == nil {
		s.lastModTime = info.ModTime()
		s.lastSize = info.Size()
		s.Reload()
	}

	watch := time.NewTicker(watchInterval)
	defer watch.Stop()
	validity := time.NewTicker(validityInterval)
	defer validity.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C:
			s.poll()
		case <-validity.C:
			s.checkValidity()
		}
	}
}

// poll stats the watch path and schedules a reload once a change has been
// stable for the debounce window.
func (s *Service) poll() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}

	s.mu.Lock()
	changed := !info.ModTime().Equal(s.lastModTime) || info.Size() != s.lastSize
	if changed {
		s.lastModTime = info.ModTime()
		s.lastSize = info.Size()
		s.pendingAt = time.Now().Add(debounceWindow)
		s.mu.Unlock()
		return
	}
	due := !s.pendingAt.IsZero() && time.Now().After(s.pendingAt)
	if due {
		s.pendingAt = time.Time{}
	}
	s.mu.Unlock()

	if due {
		s.Reload()
	}
}

// Reload loads and publishes the strategy file immediately; the operator
// reload endpoint calls this to bypass the debounce. A failed load keeps
// the current strategy.
func (s *Service) Reload() bool {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Strategy file unreadable, keeping current")
		s.recordFailure(err.Error())
		return false
	}

	doc, err := ValidateDocument(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("Strategy rejected, keeping current")
		s.recordFailure(err.Error())
		s.events.Emit(events.StrategyRejected, "strategy_service", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}

	prev := s.current.Load()
	if prev != nil && prev.Doc.ID == doc.ID {
		// Touch without content change; nothing to swap.
		return false
	}

	compiled, err := Compile(doc)
	if err != nil {
		s.log.Error().Err(err).Msg("Strategy compile failed after validation")
		s.recordFailure(err.Error())
		return false
	}

	s.current.Store(compiled)
	s.mu.Lock()
	s.state = StateActive
	s.lastErr = ""
	s.mu.Unlock()

	s.events.Emit(events.StrategyLoaded, "strategy_service", map[string]interface{}{
		"strategy_id": doc.ID,
		"mode":        doc.Mode,
		"posture":     doc.Posture,
		"positions":   len(doc.Positions),
		"valid_until": doc.ValidityWindow,
	})
	if prev != nil {
		s.events.Emit(events.StrategySwapped, "strategy_service", map[string]interface{}{
			"old_strategy_id": prev.Doc.ID,
			"new_strategy_id": doc.ID,
		})
	}
	s.log.Info().Str("strategy_id", doc.ID).Int("positions", len(doc.Positions)).
		Msg("Strategy published")

	if s.onSwap != nil {
		s.onSwap(compiled)
	}
	return true
}

// recordFailure stores the error; the state flips to Invalid only when no
// valid strategy has ever been published.
func (s *Service) recordFailure(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = msg
	if s.state == StateNone {
		s.state = StateInvalid
	}
}

// checkValidity expires the active strategy when its window passes. Open
// positions keep being managed; only new entries stop.
func (s *Service) checkValidity() {
	cur := s.current.Load()
	if cur == nil || !cur.Expired(time.Now().UTC()) {
		return
	}

	s.mu.Lock()
	already := s.state == StateExpired
	s.state = StateExpired
	s.mu.Unlock()
	if already {
		return
	}

	s.log.Warn().Str("strategy_id", cur.Doc.ID).
		Time("valid_until", cur.Doc.ValidityWindow).Msg("Strategy expired")
	s.events.Emit(events.StrategyExpired, "strategy_service", map[string]interface{}{
		"strategy_id": cur.Doc.ID,
		"valid_until": cur.Doc.ValidityWindow,
	})
}
