// Package engine evaluates the active strategy against market ticks and
// drives entries and exits through the order router. One tick is processed
// at a time: entry evaluation, then exit evaluation, on the same snapshot.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
	"github.com/crypton-sys/crypton/internal/execution/metrics"
	"github.com/crypton-sys/crypton/internal/execution/orders"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/crypton-sys/crypton/internal/execution/risk"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
	"github.com/rs/zerolog"
)

// TriggerMode controls when a true conditional entry fires.
type TriggerMode string

const (
	// TriggerFreshCrossing requires the condition to have been false on
	// the prior tick, so a strategy loaded mid-signal does not chase.
	TriggerFreshCrossing TriggerMode = "fresh_crossing"
	// TriggerImmediate fires whenever the condition is true.
	TriggerImmediate TriggerMode = "immediate"
)

// EntryGate reports whether new entries are currently blocked outside the
// engine's own logic (safe mode).
type EntryGate func() bool

// Engine is the tick-driven evaluator.
type Engine struct {
	strategies  *strategy.Service
	hub         *marketdata.Hub
	registry    *positions.Registry
	router      *orders.Router
	sizer       *orders.Sizer
	risk        *risk.Enforcer
	adapter     orders.AdapterSource
	safeMode    EntryGate
	events      *events.Manager
	metrics     *metrics.Collector
	log         zerolog.Logger
	triggerMode TriggerMode

	ctx context.Context

	mu         sync.Mutex
	dispatched map[string]bool      // strategy position ids entered this strategy cycle
	prevEntry  map[string]dsl.Value // prior-tick entry condition value, for fresh_crossing
	lastSkip   map[string]string    // last skip reason per strategy position, dedups events
	tickCount  uint64
	lastEval   time.Duration
}

// Config wires an Engine.
type Config struct {
	Strategies  *strategy.Service
	Hub         *marketdata.Hub
	Registry    *positions.Registry
	Router      *orders.Router
	Sizer       *orders.Sizer
	Risk        *risk.Enforcer
	Adapter     orders.AdapterSource
	SafeMode    EntryGate
	Events      *events.Manager
	Metrics     *metrics.Collector
	TriggerMode TriggerMode
}

// New creates the engine and registers it as the hub's tick consumer.
func New(cfg Config, log zerolog.Logger) *Engine {
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = TriggerFreshCrossing
	}
	e := &Engine{
		strategies:  cfg.Strategies,
		hub:         cfg.Hub,
		registry:    cfg.Registry,
		router:      cfg.Router,
		sizer:       cfg.Sizer,
		risk:        cfg.Risk,
		adapter:     cfg.Adapter,
		safeMode:    cfg.SafeMode,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		log:         log.With().Str("component", "engine").Logger(),
		triggerMode: cfg.TriggerMode,
		dispatched:  make(map[string]bool),
		prevEntry:   make(map[string]dsl.Value),
		lastSkip:    make(map[string]string),
	}
	cfg.Hub.SetOnTick(e.handleTick)
	return e
}

// Start installs the root context used for order dispatch and hub
// resubscription.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
}

// HandleSwap is the strategy service's swap callback: install the new risk
// limits, recompute the indicator key set, resubscribe market data and
// reset the per-strategy entry state.
func (e *Engine) HandleSwap(next *strategy.CompiledStrategy) {
	e.risk.SetLimits(risk.Limits{
		MaxDrawdownPct:      next.Doc.PortfolioRisk.MaxDrawdownPct,
		DailyLossLimitUsd:   next.Doc.PortfolioRisk.DailyLossLimitUsd,
		MaxTotalExposurePct: next.Doc.PortfolioRisk.MaxTotalExposurePct,
	})
	e.hub.SetIndicatorKeys(next.IndicatorKeys())

	e.mu.Lock()
	e.dispatched = make(map[string]bool)
	e.prevEntry = make(map[string]dsl.Value)
	e.lastSkip = make(map[string]string)
	e.mu.Unlock()

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.hub.Resubscribe(ctx, next.Doc.Assets()); err != nil {
		e.log.Error().Err(err).Msg("Market data resubscription failed")
		e.events.EmitError("engine", err, map[string]interface{}{
			"strategy_id": next.Doc.ID,
		})
	}
}

// TickCount returns the number of ticks processed since start.
func (e *Engine) TickCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickCount
}

// LastEvalDuration returns the wall time of the most recent tick
// evaluation.
func (e *Engine) LastEvalDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEval
}

// handleTick runs one full evaluation pass for the ticked asset. The hub
// guarantees sequential delivery, so entry and exit evaluation never
// observe an in-flight sibling update.
func (e *Engine) handleTick(snap domain.MarketSnapshot) {
	started := time.Now()
	defer func() {
		e.mu.Lock()
		e.tickCount++
		e.lastEval = time.Since(started)
		e.mu.Unlock()
	}()

	e.registry.UpdateUnrealized(snap)
	e.evaluateRisk()

	if e.safeMode() {
		return
	}

	cur := e.strategies.Current()
	if cur == nil {
		return
	}

	e.evaluateEntries(cur, snap)
	e.evaluateExits(cur, snap)
}

// evaluateRisk recomputes portfolio metrics and feeds the enforcer.
func (e *Engine) evaluateRisk() {
	notional := 0.0
	for _, pos := range e.registry.OpenPositions() {
		if snap, ok := e.hub.Latest(pos.Asset); ok {
			notional += pos.Qty * snap.Mid()
		} else {
			notional += pos.Qty * pos.AvgEntry
		}
	}

	equity := notional
	if bal, err := e.adapter().GetAccountBalance(e.dispatchCtx()); err == nil {
		equity = bal.TotalUsd + e.registry.TotalUnrealized()
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	dailyPnl := e.registry.RealizedSince(dayStart) + e.registry.TotalUnrealized()
	e.risk.Evaluate(notional, equity, -dailyPnl)
	if e.metrics != nil {
		e.metrics.RecordEquity(equity)
	}
}

func (e *Engine) dispatchCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}
