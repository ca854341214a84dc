package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FailureNotifier receives dispatch outcomes. Satisfied by the resilience
// failure tracker.
type FailureNotifier interface {
	RecordFailure(reason string)
	Reset()
}

// AdapterSource resolves the active exchange adapter per call, so a
// paper/live mode switch takes effect without rewiring the router.
type AdapterSource func() adapters.Adapter

// Router dispatches orders through the exchange adapter and applies fills
// to the position registry.
type Router struct {
	adapter  AdapterSource
	registry *positions.Registry
	failures FailureNotifier
	events   *events.Manager
	log      zerolog.Logger

	mu     sync.Mutex
	orders map[string]*domain.OrderRecord // by internal id
}

// NewRouter wires a router.
func NewRouter(adapter AdapterSource, registry *positions.Registry, failures FailureNotifier, em *events.Manager, log zerolog.Logger) *Router {
	return &Router{
		adapter:  adapter,
		registry: registry,
		failures: failures,
		events:   em,
		orders:   make(map[string]*domain.OrderRecord),
		log:      log.With().Str("component", "order_router").Logger(),
	}
}

// Orders returns a snapshot of all order records, newest first.
func (r *Router) Orders() []domain.OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OrderRecord, 0, len(r.orders))
	for _, rec := range r.orders {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// hasActiveOrder reports whether an unfinished order exists for a strategy
// position.
func (r *Router) hasActiveOrder(strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.orders {
		if rec.StrategyPositionID != strategyPositionID {
			continue
		}
		switch rec.Status {
		case domain.StatusPending, domain.StatusOpen, domain.StatusPartiallyFilled:
			return true
		}
	}
	return false
}

// DispatchEntry sends an entry order for a strategy position. Duplicate
// dispatches for a strategy position with an active order are suppressed.
func (r *Router) DispatchEntry(ctx context.Context, strategyID string, sp domain.StrategyPosition, qty float64) (*domain.OrderRecord, error) {
	if r.hasActiveOrder(sp.ID) {
		r.log.Debug().Str("strategy_position_id", sp.ID).Msg("Duplicate entry suppressed")
		return nil, nil
	}

	side := domain.SideBuy
	if sp.Direction == domain.DirectionShort {
		side = domain.SideSell
	}
	orderType := domain.OrderMarket
	var limitPrice float64
	if sp.EntryType == domain.EntryLimit {
		orderType = domain.OrderLimit
		limitPrice = sp.EntryLimitPrice
	}

	rec := r.newRecord(sp.Asset, side, orderType, qty, limitPrice, sp.ID, false, "")
	ack, err := r.send(ctx, rec)
	if err != nil {
		return rec, err
	}
	if ack.FilledQty > 0 {
		r.registry.ApplyEntryFill(strategyID, sp.ID, sp.Asset, sp.Direction, ack.FilledQty, ack.AvgFill, domain.OriginStrategy)
	}
	return rec, nil
}

// DispatchExit sends a (partial) close for an open position. reason flows
// into the closed trade record.
func (r *Router) DispatchExit(ctx context.Context, pos domain.OpenPosition, qty float64, reason string) (*domain.OrderRecord, error) {
	side := domain.SideSell
	if pos.Direction == domain.DirectionShort {
		side = domain.SideBuy
	}

	rec := r.newRecord(pos.Asset, side, domain.OrderMarket, qty, 0, pos.StrategyPositionID, true, reason)
	ack, err := r.send(ctx, rec)
	if err != nil {
		r.registry.ClearClosing(pos.ID)
		return rec, err
	}
	if ack.FilledQty > 0 {
		if _, err := r.registry.ApplyExitFill(pos.ID, ack.FilledQty, ack.AvgFill, ack.Commission, reason); err != nil {
			r.log.Error().Err(err).Str("position_id", pos.ID).Msg("Exit fill did not apply")
		}
	} else {
		r.registry.ClearClosing(pos.ID)
	}
	return rec, nil
}

// newRecord registers a pending order record.
func (r *Router) newRecord(asset string, side domain.OrderSide, orderType domain.OrderType, qty, limitPrice float64, strategyPositionID string, exit bool, closeReason string) *domain.OrderRecord {
	now := time.Now().UTC()
	rec := &domain.OrderRecord{
		InternalID:         uuid.New().String(),
		Asset:              asset,
		Side:               side,
		Type:               orderType,
		Qty:                qty,
		LimitPrice:         limitPrice,
		Status:             domain.StatusPending,
		StrategyPositionID: strategyPositionID,
		CreatedAt:          now,
		UpdatedAt:          now,
		Exit:               exit,
		CloseReason:        closeReason,
	}
	r.mu.Lock()
	r.orders[rec.InternalID] = rec
	r.mu.Unlock()
	return rec
}

// send logs the dispatch, places the order, and applies the ack. The event
// log write precedes the adapter call so the log always leads the
// externally observable effect.
func (r *Router) send(ctx context.Context, rec *domain.OrderRecord) (*adapters.OrderAck, error) {
	r.events.Emit(events.OrderDispatched, "order_router", map[string]interface{}{
		"internal_id":          rec.InternalID,
		"asset":                rec.Asset,
		"side":                 string(rec.Side),
		"type":                 string(rec.Type),
		"qty":                  rec.Qty,
		"limit_price":          rec.LimitPrice,
		"strategy_position_id": rec.StrategyPositionID,
		"exit":                 rec.Exit,
	})

	ack, err := r.adapter().PlaceOrder(ctx, adapters.OrderRequest{
		InternalID: rec.InternalID,
		Asset:      rec.Asset,
		Side:       rec.Side,
		Type:       rec.Type,
		Qty:        rec.Qty,
		LimitPrice: rec.LimitPrice,
	})
	if err != nil {
		r.transition(rec, domain.StatusRejected)
		r.failures.RecordFailure(err.Error())
		r.events.Emit(events.OrderRejected, "order_router", map[string]interface{}{
			"internal_id": rec.InternalID,
			"error":       err.Error(),
		})
		return nil, fmt.Errorf("place order %s: %w", rec.InternalID, err)
	}

	r.failures.Reset()
	r.mu.Lock()
	rec.ExchangeOrderID = ack.ExchangeOrderID
	r.mu.Unlock()

	switch {
	case ack.Status == domain.StatusRejected:
		r.transition(rec, domain.StatusRejected)
		r.events.Emit(events.OrderRejected, "order_router", map[string]interface{}{
			"internal_id": rec.InternalID,
		})
	case ack.FilledQty > 0:
		r.applyFillLocked(rec, ack.FilledQty, ack.AvgFill)
	default:
		r.transition(rec, domain.StatusOpen)
	}
	return ack, nil
}

// ApplyFill applies an asynchronous fill report. Fills for unknown internal
// ids are logged critically and recorded as externally originated.
func (r *Router) ApplyFill(internalID string, fillQty, fillPx float64) {
	r.mu.Lock()
	rec, ok := r.orders[internalID]
	r.mu.Unlock()

	if !ok {
		r.log.Error().Str("internal_id", internalID).Msg("Fill for unknown order id, recording as external")
		r.events.EmitError("order_router", fmt.Errorf("fill for unknown order %s", internalID), map[string]interface{}{
			"internal_id": internalID,
			"fill_qty":    fillQty,
			"fill_price":  fillPx,
		})
		now := time.Now().UTC()
		r.mu.Lock()
		r.orders[internalID] = &domain.OrderRecord{
			InternalID: internalID,
			Status:     domain.StatusFilled,
			Qty:        fillQty,
			FilledQty:  fillQty,
			AvgFill:    fillPx,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.mu.Unlock()
		return
	}
	r.applyFillLocked(rec, fillQty, fillPx)
}

// applyFillLocked folds a fill into the record incrementally.
func (r *Router) applyFillLocked(rec *domain.OrderRecord, fillQty, fillPx float64) {
	r.mu.Lock()
	total := rec.FilledQty + fillQty
	if total > 0 {
		rec.AvgFill = (rec.AvgFill*rec.FilledQty + fillPx*fillQty) / total
	}
	rec.FilledQty = total
	status := domain.StatusPartiallyFilled
	if rec.FilledQty >= rec.Qty-1e-12 {
		status = domain.StatusFilled
	}
	r.mu.Unlock()

	r.transition(rec, status)
	r.events.Emit(events.OrderFilled, "order_router", map[string]interface{}{
		"internal_id": rec.InternalID,
		"fill_qty":    fillQty,
		"fill_price":  fillPx,
		"filled_qty":  rec.FilledQty,
		"status":      string(status),
	})
}

// transition moves an order's status forward; backward moves are dropped
// with a warning so lifecycle events stay monotonic.
func (r *Router) transition(rec *domain.OrderRecord, to domain.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Status == to {
		rec.UpdatedAt = time.Now().UTC()
		return
	}
	if !domain.CanTransition(rec.Status, to) {
		r.log.Warn().
			Str("internal_id", rec.InternalID).
			Str("from", string(rec.Status)).
			Str("to", string(to)).
			Msg("Dropping backward order status transition")
		return
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
}
