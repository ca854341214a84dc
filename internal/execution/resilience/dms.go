package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	dmsCheckInterval  = 5 * time.Second
	defaultDMSTimeout = 60 * time.Second
	dmsTriggerReason  = "connectivity_loss"
)

// TickClock reports the last time market data arrived. The hub implements
// it.
type TickClock interface {
	LastTickAt() time.Time
}

// DeadMansSwitch trips safe mode when the market feed goes silent longer
// than the timeout. While safe mode is active it stands down, so a
// triggered switch does not re-fire on its own silence.
type DeadMansSwitch struct {
	clock    TickClock
	safeMode *SafeMode
	timeout  time.Duration
	log      zerolog.Logger
}

// NewDeadMansSwitch creates the switch; a zero timeout uses the default.
func NewDeadMansSwitch(clock TickClock, safeMode *SafeMode, timeout time.Duration, log zerolog.Logger) *DeadMansSwitch {
	if timeout <= 0 {
		timeout = defaultDMSTimeout
	}
	return &DeadMansSwitch{
		clock:    clock,
		safeMode: safeMode,
		timeout:  timeout,
		log:      log.With().Str("component", "dead_mans_switch").Logger(),
	}
}

// Run checks the feed every few seconds until ctx is cancelled. The grace
// period starts at Run, so a slow first subscription does not trip it.
func (d *DeadMansSwitch) Run(ctx context.Context) {
	started := time.Now()
	ticker := time.NewTicker(dmsCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.safeMode.Active() {
				continue
			}
			last := d.clock.LastTickAt()
			if last.IsZero() {
				last = started
			}
			silence := time.Since(last)
			if silence >= d.timeout {
				d.log.Error().Dur("silence", silence).Dur("timeout", d.timeout).
					Msg("Market feed silent beyond dead man's switch timeout")
				d.safeMode.Activate(dmsTriggerReason)
			}
		}
	}
}
