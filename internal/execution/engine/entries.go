package engine

import (
	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
)

// evaluateEntries walks the strategy positions for the ticked asset and
// dispatches any whose entry trigger resolves on this snapshot. A position
// enters at most once per strategy cycle; the dispatched set resets on
// strategy swap.
func (e *Engine) evaluateEntries(cur *strategy.CompiledStrategy, snap domain.MarketSnapshot) {
	if e.strategies.State() != strategy.StateActive {
		return
	}
	if !cur.Doc.Posture.AllowsEntries() {
		return
	}

	for i := range cur.Positions {
		cp := &cur.Positions[i]
		if cp.Spec.Asset != snap.Asset {
			continue
		}
		e.mu.Lock()
		done := e.dispatched[cp.Spec.ID]
		e.mu.Unlock()
		if done {
			continue
		}

		if e.risk.EntriesSuspended() {
			e.skipEntry(cp.Spec.ID, domain.SkipEntriesSuspended)
			continue
		}

		triggered, skipReason := e.entryTriggered(cp, snap)
		if skipReason != "" {
			e.skipEntry(cp.Spec.ID, skipReason)
			continue
		}
		if !triggered {
			continue
		}

		e.dispatchEntry(cur, cp, snap)
	}
}

// entryTriggered resolves the position's entry trigger against the
// snapshot. A non-empty skip reason means evaluation could not complete.
func (e *Engine) entryTriggered(cp *strategy.CompiledPosition, snap domain.MarketSnapshot) (bool, string) {
	switch cp.Spec.EntryType {
	case domain.EntryMarket:
		return true, ""

	case domain.EntryLimit:
		if cp.Spec.Direction == domain.DirectionLong {
			return snap.Bid <= cp.Spec.EntryLimitPrice, ""
		}
		return snap.Ask >= cp.Spec.EntryLimitPrice, ""

	case domain.EntryConditional:
		val := cp.Entry.Eval(hubEnv{hub: e.hub})

		e.mu.Lock()
		prev, seen := e.prevEntry[cp.Spec.ID]
		e.prevEntry[cp.Spec.ID] = val
		e.mu.Unlock()

		if val == dsl.Unknown {
			return false, domain.SkipIndicatorNotReady
		}
		if val != dsl.True {
			return false, ""
		}
		if e.triggerMode == TriggerFreshCrossing && (!seen || prev != dsl.False) {
			// Condition was already true (or unobserved) when the
			// strategy loaded; wait for a fresh false-to-true edge.
			return false, ""
		}
		return true, ""
	}
	return false, ""
}

func (e *Engine) dispatchEntry(cur *strategy.CompiledStrategy, cp *strategy.CompiledPosition, snap domain.MarketSnapshot) {
	bal, err := e.adapter().GetAccountBalance(e.dispatchCtx())
	if err != nil {
		e.log.Warn().Err(err).Str("strategy_position", cp.Spec.ID).
			Msg("Balance unavailable, entry deferred")
		return
	}

	price := snap.Ask
	if cp.Spec.Direction == domain.DirectionShort {
		price = snap.Bid
	}
	qty, skipReason := e.sizer.Size(bal.AvailableUsd, cp.Spec.AllocationPct,
		cur.Doc.PortfolioRisk.MaxPerPositionPct, price)
	if skipReason != "" {
		e.skipEntry(cp.Spec.ID, skipReason)
		return
	}

	rec, err := e.router.DispatchEntry(e.dispatchCtx(), cur.Doc.ID, cp.Spec, qty)
	if err != nil {
		e.log.Warn().Err(err).Str("strategy_position", cp.Spec.ID).Msg("Entry dispatch failed")
		return
	}
	if rec == nil {
		// Router suppressed a duplicate in-flight order.
		return
	}

	e.mu.Lock()
	e.dispatched[cp.Spec.ID] = true
	delete(e.lastSkip, cp.Spec.ID)
	e.mu.Unlock()

	e.events.Emit(events.EntryDispatched, "engine", map[string]interface{}{
		"strategy_position": cp.Spec.ID,
		"asset":             cp.Spec.Asset,
		"direction":         cp.Spec.Direction,
		"qty":               qty,
		"order_id":          rec.InternalID,
	})
}

// skipEntry emits entry_skipped once per distinct reason per position, so
// a persistent condition does not flood the event log every tick.
func (e *Engine) skipEntry(strategyPositionID, reason string) {
	e.mu.Lock()
	if e.lastSkip[strategyPositionID] == reason {
		e.mu.Unlock()
		return
	}
	e.lastSkip[strategyPositionID] = reason
	e.mu.Unlock()

	e.events.Emit(events.EntrySkipped, "engine", map[string]interface{}{
		"strategy_position": strategyPositionID,
		"reason":            reason,
	})
}
