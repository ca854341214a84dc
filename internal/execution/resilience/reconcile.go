package resilience

import (
	"context"
	"fmt"
	"math"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/rs/zerolog"
)

// qtyTolerance absorbs lot-rounding noise when matching local and
// exchange quantities.
const qtyTolerance = 1e-6

// Reconciler compares the local position book against the exchange once at
// startup, before the first tick is processed.
type Reconciler struct {
	adapter  adapters.Adapter
	registry *positions.Registry
	safeMode *SafeMode
	events   *events.Manager
	log      zerolog.Logger
}

// NewReconciler creates a startup reconciler.
func NewReconciler(adapter adapters.Adapter, registry *positions.Registry, safeMode *SafeMode, em *events.Manager, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		adapter:  adapter,
		registry: registry,
		safeMode: safeMode,
		events:   em,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// Run performs the one-shot reconciliation. With safe mode active the book
// is frozen evidence and reconciliation is skipped entirely. Exchange-only
// positions are adopted as externally-originated; local-only positions are
// closed on the books with zero realized P&L.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.safeMode.Active() {
		r.log.Warn().Msg("Safe mode active, skipping reconciliation")
		return nil
	}

	exchange, err := r.adapter.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange positions: %w", err)
	}

	local := r.registry.OpenPositions()
	matched := 0
	adopted := 0
	closed := 0

	remaining := make(map[string]adapters.ExchangePosition, len(exchange))
	for _, ep := range exchange {
		remaining[positionKey(ep.Asset, ep.Direction)] = ep
	}

	for _, lp := range local {
		key := positionKey(lp.Asset, lp.Direction)
		ep, ok := remaining[key]
		if !ok {
			// Local record with no exchange counterpart: close on the
			// books so downstream accounting stays truthful.
			if err := r.registry.CloseLocal(lp.ID, domain.CloseReconciled); err != nil {
				r.log.Error().Err(err).Str("position_id", lp.ID).Msg("Local-only close failed")
			} else {
				closed++
				r.log.Warn().Str("position_id", lp.ID).Str("asset", lp.Asset).
					Msg("Closed local position missing on exchange")
			}
			continue
		}
		delete(remaining, key)
		matched++
		if math.Abs(ep.Qty-lp.Qty) > qtyTolerance {
			r.log.Warn().Str("position_id", lp.ID).
				Float64("local_qty", lp.Qty).Float64("exchange_qty", ep.Qty).
				Msg("Quantity mismatch against exchange")
		}
	}

	for _, ep := range remaining {
		pos := r.registry.AddReconciled(ep.Asset, ep.Direction, ep.Qty, ep.AvgEntry)
		adopted++
		r.log.Warn().Str("position_id", pos.ID).Str("asset", ep.Asset).
			Float64("qty", ep.Qty).Msg("Adopted unknown exchange position")
	}

	r.events.Emit(events.ReconciliationSummary, "reconciler", map[string]interface{}{
		"matched":       matched,
		"adopted":       adopted,
		"closed_local":  closed,
		"exchange_open": len(exchange),
		"local_open":    len(local),
	})
	r.log.Info().Int("matched", matched).Int("adopted", adopted).
		Int("closed_local", closed).Msg("Reconciliation complete")
	return nil
}

func positionKey(asset string, direction domain.Direction) string {
	return asset + "|" + string(direction)
}
