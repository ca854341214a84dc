package resilience

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/rs/zerolog"
)

// failureThreshold is the consecutive order-failure count that trips safe
// mode.
const failureThreshold = 3

// failureState is the persisted tracker record, so a crash loop cannot
// reset the count.
type failureState struct {
	Count      int       `json:"count"`
	LastReason string    `json:"last_reason,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}

// FailureTracker counts consecutive order failures and activates safe mode
// at the threshold. Any success resets the count. It satisfies the order
// router's failure notifier.
type FailureTracker struct {
	path     string
	safeMode *SafeMode
	log      zerolog.Logger

	mu    sync.Mutex
	state failureState
}

// NewFailureTracker loads the persisted count.
func NewFailureTracker(path string, safeMode *SafeMode, log zerolog.Logger) *FailureTracker {
	t := &FailureTracker{
		path:     path,
		safeMode: safeMode,
		log:      log.With().Str("component", "failure_tracker").Logger(),
	}
	if err := persist.ReadJSON(path, &t.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Err(err).Msg("Failure count unreadable, starting at zero")
		t.state = failureState{}
	}
	// A crash can land between the count write and safe-mode activation;
	// re-derive the trip from the restored count.
	if t.state.Count >= failureThreshold {
		t.log.Warn().Int("consecutive_failures", t.state.Count).
			Msg("Restored failure count at threshold, activating safe mode")
		t.safeMode.Activate("consecutive_order_failures")
	}
	return t
}

// RecordFailure increments the consecutive-failure count and trips safe
// mode at the threshold.
func (t *FailureTracker) RecordFailure(reason string) {
	t.mu.Lock()
	t.state.Count++
	t.state.LastReason = reason
	t.state.LastAt = time.Now().UTC()
	count := t.state.Count
	t.persistLocked()
	t.mu.Unlock()

	t.log.Warn().Int("consecutive_failures", count).Str("reason", reason).
		Msg("Order failure recorded")
	if count >= failureThreshold {
		t.safeMode.Activate("consecutive_order_failures")
	}
}

// Reset clears the count after a successful order.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Count == 0 {
		return
	}
	t.state = failureState{}
	t.persistLocked()
}

// Count returns the current consecutive-failure count.
func (t *FailureTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Count
}

func (t *FailureTracker) persistLocked() {
	if err := persist.WriteJSONAtomic(t.path, t.state); err != nil {
		t.log.Error().Err(err).Msg("Failed to persist failure count")
	}
}
