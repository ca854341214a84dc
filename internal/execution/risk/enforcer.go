// Package risk enforces portfolio-wide limits: total exposure, drawdown and
// daily loss, with hysteresis on the exposure cap so entries do not flap
// around the threshold.
package risk

import (
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/rs/zerolog"
)

// exposureResumeFactor is the hysteresis multiplier: entries suspended by
// the exposure cap resume only below resumeFactor × cap.
const exposureResumeFactor = 0.95

// SafeModeTrigger is invoked when the drawdown cap is breached. Satisfied
// by the resilience safe mode controller.
type SafeModeTrigger interface {
	Activate(reason string)
}

// Limits are the active strategy's risk caps.
type Limits struct {
	MaxDrawdownPct      float64
	DailyLossLimitUsd   float64
	MaxTotalExposurePct float64
}

// Snapshot is the enforcer's current view, served by /status and /metrics.
type Snapshot struct {
	ExposurePct      float64   `json:"exposure_pct"`
	DrawdownPct      float64   `json:"drawdown_pct"`
	DailyLossUsd     float64   `json:"daily_loss_usd"`
	PeakEquity       float64   `json:"peak_equity"`
	Equity           float64   `json:"equity"`
	EntriesSuspended bool      `json:"entries_suspended"`
	SuspendedReason  string    `json:"suspended_reason,omitempty"`
	SuspendedUntil   time.Time `json:"suspended_until,omitempty"`
}

// Enforcer recomputes risk metrics per tick and gates new entries.
type Enforcer struct {
	safeMode SafeModeTrigger
	events   *events.Manager
	log      zerolog.Logger

	mu               sync.Mutex
	limits           Limits
	peakEquity       float64
	last             Snapshot
	exposureSuspend  bool
	dailyLossSuspend bool
	suspendedUntil   time.Time // daily-loss suspensions lift at next UTC day
}

// New creates an enforcer. Limits are applied per strategy via SetLimits.
func New(safeMode SafeModeTrigger, em *events.Manager, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		safeMode: safeMode,
		events:   em,
		log:      log.With().Str("component", "risk_enforcer").Logger(),
	}
}

// SetLimits installs a strategy's caps and resets the peak-equity anchor
// for drawdown tracking.
func (e *Enforcer) SetLimits(l Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = l
	e.peakEquity = 0
}

// EntriesSuspended reports whether new entries are currently blocked.
func (e *Enforcer) EntriesSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspendedLocked()
}

func (e *Enforcer) suspendedLocked() bool {
	if e.dailyLossSuspend && !time.Now().UTC().Before(e.suspendedUntil) {
		// Next UTC day reached; the suspension lifts itself.
		e.dailyLossSuspend = false
	}
	return e.exposureSuspend || e.dailyLossSuspend
}

// Snapshot returns the latest computed metrics.
func (e *Enforcer) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.last
	s.EntriesSuspended = e.suspendedLocked()
	return s
}

// ResetDailyLoss clears a daily-loss suspension. Driven by the midnight-UTC
// cron job.
func (e *Enforcer) ResetDailyLoss() {
	e.mu.Lock()
	wasSuspended := e.dailyLossSuspend
	e.dailyLossSuspend = false
	e.mu.Unlock()
	if wasSuspended {
		e.events.Emit(events.EntriesResumed, "risk_enforcer", map[string]interface{}{
			"limit": "daily_loss_limit_usd",
		})
	}
}

// Evaluate recomputes metrics from the current books and applies breach
// responses. positionNotional is Σ |qty·price| across open positions;
// equity is account value; dailyLoss is realized+unrealized P&L since UTC
// midnight (positive = loss).
func (e *Enforcer) Evaluate(positionNotional, equity, dailyLossUsd float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if equity > e.peakEquity {
		e.peakEquity = equity
	}

	var exposurePct, drawdownPct float64
	if equity > 0 {
		exposurePct = positionNotional / equity
	}
	if e.peakEquity > 0 {
		drawdownPct = (e.peakEquity - equity) / e.peakEquity
	}

	e.last = Snapshot{
		ExposurePct:  exposurePct,
		DrawdownPct:  drawdownPct,
		DailyLossUsd: dailyLossUsd,
		PeakEquity:   e.peakEquity,
		Equity:       equity,
	}

	e.applyExposureLocked(exposurePct)
	e.applyDrawdownLocked(drawdownPct)
	e.applyDailyLossLocked(dailyLossUsd)
}

func (e *Enforcer) applyExposureLocked(exposurePct float64) {
	limit := e.limits.MaxTotalExposurePct
	if limit <= 0 {
		return
	}
	switch {
	case !e.exposureSuspend && exposurePct >= limit:
		e.exposureSuspend = true
		e.breachLocked("max_total_exposure_pct", exposurePct)
		e.events.Emit(events.EntriesSuspended, "risk_enforcer", map[string]interface{}{
			"limit": "max_total_exposure_pct",
			"value": exposurePct,
		})
	case e.exposureSuspend && exposurePct < limit*exposureResumeFactor:
		e.exposureSuspend = false
		e.events.Emit(events.EntriesResumed, "risk_enforcer", map[string]interface{}{
			"limit": "max_total_exposure_pct",
			"value": exposurePct,
		})
	}
}

func (e *Enforcer) applyDrawdownLocked(drawdownPct float64) {
	limit := e.limits.MaxDrawdownPct
	if limit <= 0 || drawdownPct < limit {
		return
	}
	e.breachLocked("max_drawdown_pct", drawdownPct)
	// Safe mode activation runs outside the lock; it market-closes
	// positions through the router, which reads the registry.
	go e.safeMode.Activate("max_drawdown")
}

func (e *Enforcer) applyDailyLossLocked(dailyLossUsd float64) {
	limit := e.limits.DailyLossLimitUsd
	if limit <= 0 || e.dailyLossSuspend || dailyLossUsd < limit {
		return
	}
	e.dailyLossSuspend = true
	e.suspendedUntil = nextUTCMidnight(time.Now().UTC())
	e.last.SuspendedUntil = e.suspendedUntil
	e.breachLocked("daily_loss_limit_usd", dailyLossUsd)
	e.events.Emit(events.EntriesSuspended, "risk_enforcer", map[string]interface{}{
		"limit": "daily_loss_limit_usd",
		"value": dailyLossUsd,
		"until": e.suspendedUntil,
	})
}

func (e *Enforcer) breachLocked(limit string, value float64) {
	e.last.SuspendedReason = limit
	e.log.Warn().Str("limit", limit).Float64("value", value).Msg("Risk limit breached")
	e.events.Emit(events.RiskLimitBreached, "risk_enforcer", map[string]interface{}{
		"limit": limit,
		"value": value,
	})
}

// nextUTCMidnight returns the start of the next UTC day.
func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
