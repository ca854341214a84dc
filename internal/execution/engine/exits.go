package engine

import (
	"context"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
)

// exitDecision is one resolved close instruction.
type exitDecision struct {
	qty    float64
	reason string
	target int // take-profit target index, -1 otherwise
}

// evaluateExits applies the exit rules to every open position on the
// ticked asset. Rule priority is fixed: invalidation, exit_all, hard stop,
// trailing stop, time exit, take profit. At most one close dispatches per
// position per tick; the registry's closing set suppresses duplicates
// until the ack.
func (e *Engine) evaluateExits(cur *strategy.CompiledStrategy, snap domain.MarketSnapshot) {
	for _, pos := range e.registry.OpenPositions() {
		if pos.Asset != snap.Asset {
			continue
		}

		cp := cur.Position(pos.StrategyPositionID)
		if cp == nil {
			// External or reconciled positions carry no exit rules; the
			// operator manages them.
			continue
		}

		decision := e.decideExit(&pos, cp, cur.Doc.Posture, snap)
		if decision == nil {
			continue
		}
		if !e.registry.MarkClosing(pos.ID) {
			continue
		}

		rec, err := e.router.DispatchExit(e.dispatchCtx(), pos, decision.qty, decision.reason)
		if err != nil {
			e.log.Warn().Err(err).Str("position_id", pos.ID).
				Str("reason", decision.reason).Msg("Exit dispatch failed")
			continue
		}
		if decision.target >= 0 {
			e.registry.MarkTargetHit(pos.ID, decision.target)
		}
		e.events.Emit(events.ExitDispatched, "engine", map[string]interface{}{
			"position_id": pos.ID,
			"asset":       pos.Asset,
			"qty":         decision.qty,
			"reason":      decision.reason,
			"order_id":    rec.InternalID,
		})
	}
}

func (e *Engine) decideExit(pos *domain.OpenPosition, cp *strategy.CompiledPosition, posture domain.Posture, snap domain.MarketSnapshot) *exitDecision {
	price := exitPrice(*pos, snap)

	if cp.Invalidation != nil && cp.Invalidation.Eval(hubEnv{hub: e.hub}) == dsl.True {
		return &exitDecision{qty: pos.Qty, reason: domain.CloseInvalidation, target: -1}
	}

	if posture == domain.PostureExitAll {
		return &exitDecision{qty: pos.Qty, reason: domain.CloseExitAll, target: -1}
	}

	if sl := cp.Spec.StopLoss; sl != nil {
		switch sl.Type {
		case domain.StopHard:
			if stopBreached(pos.Direction, price, sl.Price) {
				return &exitDecision{qty: pos.Qty, reason: domain.CloseHardStop, target: -1}
			}
		case domain.StopTrailing:
			if d := e.trailingStop(pos, sl.TrailPct, price); d != nil {
				return d
			}
		}
	}

	if te := cp.Spec.TimeExitUTC; te != nil && !time.Now().UTC().Before(*te) {
		return &exitDecision{qty: pos.Qty, reason: domain.CloseTimeExit, target: -1}
	}

	return e.takeProfit(pos, cp, price)
}

// trailingStop advances the stop on favorable movement, then checks it.
func (e *Engine) trailingStop(pos *domain.OpenPosition, trailPct, price float64) *exitDecision {
	var candidate float64
	if pos.Direction == domain.DirectionLong {
		candidate = price * (1 - trailPct)
	} else {
		candidate = price * (1 + trailPct)
	}
	stop, err := e.registry.AdvanceTrailingStop(pos.ID, candidate)
	if err != nil {
		return nil
	}
	if stopBreached(pos.Direction, price, stop) {
		return &exitDecision{qty: pos.Qty, reason: domain.CloseTrailingStop, target: -1}
	}
	return nil
}

// takeProfit scales out at the first unhit target the price has reached.
// Targets fire in declaration order; the hit is recorded only after the
// dispatch is acknowledged.
func (e *Engine) takeProfit(pos *domain.OpenPosition, cp *strategy.CompiledPosition, price float64) *exitDecision {
	for i, target := range cp.Spec.TakeProfitTargets {
		if pos.TargetsHit[i] {
			continue
		}
		reached := price >= target.Price
		if pos.Direction == domain.DirectionShort {
			reached = price <= target.Price
		}
		if !reached {
			return nil
		}
		// close_pct fractions are of the entered quantity, so two 0.5
		// targets together flatten the position.
		base := pos.EntryQty
		if base <= 0 {
			base = pos.Qty
		}
		qty := base * target.ClosePct
		if qty > pos.Qty {
			qty = pos.Qty
		}
		if qty <= 0 {
			return nil
		}
		return &exitDecision{qty: qty, reason: domain.CloseTakeProfit, target: i}
	}
	return nil
}

// CloseAll market-closes every open position with the given reason. Safe
// mode activation and the demote path use it.
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	for _, pos := range e.registry.OpenPositions() {
		if !e.registry.MarkClosing(pos.ID) {
			continue
		}
		if _, err := e.router.DispatchExit(ctx, pos, pos.Qty, reason); err != nil {
			e.log.Error().Err(err).Str("position_id", pos.ID).
				Str("reason", reason).Msg("Forced close failed")
		}
	}
}

// stopBreached reports whether an exit price has crossed the stop level.
func stopBreached(direction domain.Direction, price, stop float64) bool {
	if direction == domain.DirectionLong {
		return price <= stop
	}
	return price >= stop
}
