// Package positions implements the authoritative registry of open positions
// and closed trades. One mutex serializes every mutation; persistence
// happens inside the lock via temp-file-then-rename so the files always
// match memory.
package positions

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/persist"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry owns all open positions. The order router mutates them only
// through registry methods.
type Registry struct {
	mu      sync.Mutex
	open    map[string]*domain.OpenPosition // by position id
	trades  []domain.ClosedTrade
	closing map[string]bool // position ids with an exit in flight

	positionsPath string
	tradesPath    string
	events        *events.Manager
	log           zerolog.Logger
}

// New creates a registry persisting to the given state file paths.
func New(positionsPath, tradesPath string, em *events.Manager, log zerolog.Logger) *Registry {
	return &Registry{
		open:          make(map[string]*domain.OpenPosition),
		closing:       make(map[string]bool),
		positionsPath: positionsPath,
		tradesPath:    tradesPath,
		events:        em,
		log:           log.With().Str("component", "position_registry").Logger(),
	}
}

// Load restores persisted positions and trades. Missing files start empty;
// corrupt files are treated as missing with a warning.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []domain.OpenPosition
	if err := persist.ReadJSON(r.positionsPath, &open); err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Msg("Corrupt positions file, starting empty")
		}
	} else {
		for i := range open {
			pos := open[i]
			// Positions persisted before entry quantities were tracked.
			if pos.EntryQty == 0 {
				pos.EntryQty = pos.Qty
			}
			r.open[pos.ID] = &pos
		}
	}

	var trades []domain.ClosedTrade
	if err := persist.ReadJSON(r.tradesPath, &trades); err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Msg("Corrupt trades file, starting empty")
		}
	} else {
		r.trades = trades
	}

	r.log.Info().Int("open_positions", len(r.open)).Int("closed_trades", len(r.trades)).Msg("Position registry restored")
	return nil
}

// OpenPositions returns deep copies of every open position, ordered by id.
func (r *Registry) OpenPositions() []domain.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.OpenPosition, 0, len(r.open))
	for _, pos := range r.open {
		out = append(out, copyPosition(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a deep copy of one position.
func (r *Registry) Get(id string) (domain.OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.open[id]
	if !ok {
		return domain.OpenPosition{}, false
	}
	return copyPosition(pos), true
}

// FindByStrategyPosition returns the open position for a strategy position
// id, if any.
func (r *Registry) FindByStrategyPosition(strategyPositionID string) (domain.OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pos := range r.open {
		if pos.StrategyPositionID == strategyPositionID {
			return copyPosition(pos), true
		}
	}
	return domain.OpenPosition{}, false
}

// ClosedTrades returns a copy of the trade history, oldest first.
func (r *Registry) ClosedTrades() []domain.ClosedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ClosedTrade, len(r.trades))
	copy(out, r.trades)
	return out
}

// ApplyEntryFill creates or augments the open position for a strategy
// position. AvgEntry is the quantity-weighted fill mean.
func (r *Registry) ApplyEntryFill(strategyID, strategyPositionID, asset string, direction domain.Direction, qty, fillPx float64, origin domain.PositionOrigin) domain.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pos := range r.open {
		if strategyPositionID != "" && pos.StrategyPositionID == strategyPositionID {
			total := pos.Qty + qty
			pos.AvgEntry = (pos.AvgEntry*pos.Qty + fillPx*qty) / total
			pos.Qty = total
			pos.EntryQty += qty
			r.persistLocked()
			r.emitLocked(events.PositionUpdated, pos)
			return copyPosition(pos)
		}
	}

	pos := &domain.OpenPosition{
		ID:                 uuid.New().String(),
		StrategyPositionID: strategyPositionID,
		StrategyID:         strategyID,
		Asset:              asset,
		Direction:          direction,
		Qty:                qty,
		EntryQty:           qty,
		AvgEntry:           fillPx,
		TargetsHit:         make(map[int]bool),
		Origin:             origin,
		OpenedAt:           time.Now().UTC(),
	}
	r.open[pos.ID] = pos
	r.persistLocked()
	r.emitLocked(events.PositionOpened, pos)
	return copyPosition(pos)
}

// ApplyExitFill reduces a position by a fill, records the realized trade,
// and removes the position when its quantity reaches zero. The closing mark
// is cleared either way.
func (r *Registry) ApplyExitFill(positionID string, qty, fillPx, commission float64, reason string) (domain.ClosedTrade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.open[positionID]
	if !ok {
		return domain.ClosedTrade{}, fmt.Errorf("unknown position %s", positionID)
	}
	if qty > pos.Qty {
		qty = pos.Qty
	}

	var realized float64
	if pos.Direction == domain.DirectionLong {
		realized = (fillPx - pos.AvgEntry) * qty
	} else {
		realized = (pos.AvgEntry - fillPx) * qty
	}
	realized -= commission

	trade := domain.ClosedTrade{
		PositionID:  positionID,
		Asset:       pos.Asset,
		Direction:   pos.Direction,
		QtyClosed:   qty,
		EntryPrice:  pos.AvgEntry,
		ExitPrice:   fillPx,
		RealizedPnl: realized,
		CloseReason: reason,
		ClosedAt:    time.Now().UTC(),
	}
	r.trades = append(r.trades, trade)

	pos.Qty -= qty
	delete(r.closing, positionID)
	if pos.Qty <= 1e-12 {
		delete(r.open, positionID)
		r.persistLocked()
		r.emitLocked(events.PositionClosed, pos)
	} else {
		r.persistLocked()
		r.emitLocked(events.PositionUpdated, pos)
	}
	return trade, nil
}

// AddReconciled registers a position discovered on the exchange but absent
// locally.
func (r *Registry) AddReconciled(asset string, direction domain.Direction, qty, avgEntry float64) domain.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := &domain.OpenPosition{
		ID:         uuid.New().String(),
		Asset:      asset,
		Direction:  direction,
		Qty:        qty,
		EntryQty:   qty,
		AvgEntry:   avgEntry,
		TargetsHit: make(map[int]bool),
		Origin:     domain.OriginReconciled,
		OpenedAt:   time.Now().UTC(),
	}
	r.open[pos.ID] = pos
	r.persistLocked()
	r.emitLocked(events.PositionOpened, pos)
	return copyPosition(pos)
}

// CloseLocal removes a position without an exchange fill, recording a
// zero-quantity-neutral trade. Used when reconciliation finds a registry
// position the exchange no longer has.
func (r *Registry) CloseLocal(positionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.open[positionID]
	if !ok {
		return fmt.Errorf("unknown position %s", positionID)
	}
	r.trades = append(r.trades, domain.ClosedTrade{
		PositionID:  positionID,
		Asset:       pos.Asset,
		Direction:   pos.Direction,
		QtyClosed:   pos.Qty,
		EntryPrice:  pos.AvgEntry,
		ExitPrice:   pos.AvgEntry,
		RealizedPnl: 0,
		CloseReason: reason,
		ClosedAt:    time.Now().UTC(),
	})
	delete(r.open, positionID)
	delete(r.closing, positionID)
	r.persistLocked()
	r.emitLocked(events.PositionClosed, pos)
	return nil
}

// UpdateUnrealized refreshes unrealized P&L for every position on an asset
// from the snapshot. Longs mark against the bid, shorts against the ask.
func (r *Registry) UpdateUnrealized(snap domain.MarketSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pos := range r.open {
		if pos.Asset != snap.Asset {
			continue
		}
		if pos.Direction == domain.DirectionLong {
			pos.UnrealizedPnl = (snap.Bid - pos.AvgEntry) * pos.Qty
		} else {
			pos.UnrealizedPnl = (pos.AvgEntry - snap.Ask) * pos.Qty
		}
	}
}

// AdvanceTrailingStop moves a trailing stop in the favorable direction
// only: up for longs, down for shorts. Returns the effective stop.
func (r *Registry) AdvanceTrailingStop(positionID string, candidate float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.open[positionID]
	if !ok {
		return 0, fmt.Errorf("unknown position %s", positionID)
	}

	if pos.TrailingStopPrice == 0 {
		pos.TrailingStopPrice = candidate
	} else if pos.Direction == domain.DirectionLong && candidate > pos.TrailingStopPrice {
		pos.TrailingStopPrice = candidate
	} else if pos.Direction == domain.DirectionShort && candidate < pos.TrailingStopPrice {
		pos.TrailingStopPrice = candidate
	}
	r.persistLocked()
	return pos.TrailingStopPrice, nil
}

// MarkTargetHit records a take-profit target as hit after its close order
// was acknowledged.
func (r *Registry) MarkTargetHit(positionID string, target int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.open[positionID]
	if !ok {
		return
	}
	if pos.TargetsHit == nil {
		pos.TargetsHit = make(map[int]bool)
	}
	pos.TargetsHit[target] = true
	r.persistLocked()
}

// MarkClosing registers an in-flight exit for a position. Returns false if
// one is already pending, suppressing duplicate closes across ticks.
func (r *Registry) MarkClosing(positionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing[positionID] {
		return false
	}
	r.closing[positionID] = true
	return true
}

// ClearClosing lifts the in-flight exit mark, e.g. after a rejected order.
func (r *Registry) ClearClosing(positionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.closing, positionID)
}

// TotalUnrealized sums unrealized P&L across open positions.
func (r *Registry) TotalUnrealized() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, pos := range r.open {
		sum += pos.UnrealizedPnl
	}
	return sum
}

// RealizedSince sums realized P&L of trades closed at or after t.
func (r *Registry) RealizedSince(t time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, trade := range r.trades {
		if !trade.ClosedAt.Before(t) {
			sum += trade.RealizedPnl
		}
	}
	return sum
}

func (r *Registry) persistLocked() {
	open := make([]domain.OpenPosition, 0, len(r.open))
	for _, pos := range r.open {
		open = append(open, copyPosition(pos))
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	if err := persist.WriteJSONAtomic(r.positionsPath, open); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist positions")
	}
	if err := persist.WriteJSONAtomic(r.tradesPath, r.trades); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist trades")
	}
}

func (r *Registry) emitLocked(eventType events.EventType, pos *domain.OpenPosition) {
	r.events.Emit(eventType, "position_registry", map[string]interface{}{
		"position_id":          pos.ID,
		"strategy_position_id": pos.StrategyPositionID,
		"asset":                pos.Asset,
		"direction":            string(pos.Direction),
		"qty":                  pos.Qty,
		"avg_entry":            pos.AvgEntry,
		"origin":               string(pos.Origin),
	})
}

func copyPosition(pos *domain.OpenPosition) domain.OpenPosition {
	out := *pos
	if pos.TargetsHit != nil {
		out.TargetsHit = make(map[int]bool, len(pos.TargetsHit))
		for k, v := range pos.TargetsHit {
			out.TargetsHit[k] = v
		}
	}
	return out
}
