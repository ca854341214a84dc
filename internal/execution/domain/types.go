// Package domain holds the Execution Service's core types: the strategy
// document contract, market snapshots, orders, positions and the operation
// mode.
package domain

import (
	"time"
)

// Mode selects the exchange adapter.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Posture is the strategy-wide stance controlling whether entries may occur.
type Posture string

const (
	PostureAggressive Posture = "aggressive"
	PostureModerate   Posture = "moderate"
	PostureDefensive  Posture = "defensive"
	PostureFlat       Posture = "flat"
	PostureExitAll    Posture = "exit_all"
)

// AllowsEntries reports whether the posture admits new entries.
func (p Posture) AllowsEntries() bool {
	return p != PostureFlat && p != PostureExitAll
}

// Direction of a strategy position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// EntryType selects how a position is entered.
type EntryType string

const (
	EntryMarket      EntryType = "market"
	EntryLimit       EntryType = "limit"
	EntryConditional EntryType = "conditional"
)

// StopType selects the stop-loss flavor.
type StopType string

const (
	StopHard     StopType = "hard"
	StopTrailing StopType = "trailing"
)

// PortfolioRisk holds the strategy-wide risk caps.
type PortfolioRisk struct {
	MaxDrawdownPct      float64  `json:"max_drawdown_pct"`
	DailyLossLimitUsd   float64  `json:"daily_loss_limit_usd"`
	MaxTotalExposurePct float64  `json:"max_total_exposure_pct"`
	MaxPerPositionPct   float64  `json:"max_per_position_pct"`
	SafeModeTriggers    []string `json:"safe_mode_triggers,omitempty"`
}

// TakeProfitTarget is one scaled exit level.
type TakeProfitTarget struct {
	Price    float64 `json:"price"`
	ClosePct float64 `json:"close_pct"`
}

// StopLoss configures a position's protective stop.
type StopLoss struct {
	Type     StopType `json:"type"`
	Price    float64  `json:"price,omitempty"`     // hard
	TrailPct float64  `json:"trail_pct,omitempty"` // trailing
}

// StrategyPosition is one planned position inside a strategy document.
type StrategyPosition struct {
	ID                    string             `json:"id"`
	Asset                 string             `json:"asset"`
	Direction             Direction          `json:"direction"`
	AllocationPct         float64            `json:"allocation_pct"`
	EntryType             EntryType          `json:"entry_type"`
	EntryCondition        string             `json:"entry_condition,omitempty"`
	EntryLimitPrice       float64            `json:"entry_limit_price,omitempty"`
	TakeProfitTargets     []TakeProfitTarget `json:"take_profit_targets,omitempty"`
	StopLoss              *StopLoss          `json:"stop_loss,omitempty"`
	TimeExitUTC           *time.Time         `json:"time_exit_utc,omitempty"`
	InvalidationCondition string             `json:"invalidation_condition,omitempty"`
}

// StrategyDocument is the parsed strategy.json contract. ID is the SHA-256
// of the normalized document content, set at load.
type StrategyDocument struct {
	ID                string             `json:"id,omitempty"`
	Mode              Mode               `json:"mode"`
	ValidityWindow    time.Time          `json:"validity_window"`
	Posture           Posture            `json:"posture"`
	PostureRationale  string             `json:"posture_rationale"`
	PortfolioRisk     PortfolioRisk      `json:"portfolio_risk"`
	Positions         []StrategyPosition `json:"positions"`
	StrategyRationale string             `json:"strategy_rationale"`
}

// Position returns a strategy position by id, or nil.
func (d *StrategyDocument) Position(id string) *StrategyPosition {
	for i := range d.Positions {
		if d.Positions[i].ID == id {
			return &d.Positions[i]
		}
	}
	return nil
}

// Assets returns the distinct asset set of the document, in first-seen
// order.
func (d *StrategyDocument) Assets() []string {
	seen := make(map[string]bool, len(d.Positions))
	var out []string
	for _, p := range d.Positions {
		if !seen[p.Asset] {
			seen[p.Asset] = true
			out = append(out, p.Asset)
		}
	}
	return out
}

// MarketSnapshot is the latest observed market state for one asset.
// Indicators are keyed NAME_PERIOD, uppercase.
type MarketSnapshot struct {
	Asset      string             `json:"asset"`
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
	Timestamp  time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Mid returns the snapshot midpoint price.
func (s MarketSnapshot) Mid() float64 {
	return (s.Bid + s.Ask) / 2
}

// OrderSide of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// OrderType of an order.
type OrderType string

const (
	OrderMarket      OrderType = "Market"
	OrderLimit       OrderType = "Limit"
	OrderConditional OrderType = "Conditional"
)

// OrderStatus moves only forward: Pending → Open → PartiallyFilled* →
// Filled, or → Cancelled/Rejected.
type OrderStatus string

const (
	StatusPending         OrderStatus = "Pending"
	StatusOpen            OrderStatus = "Open"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// statusRank orders statuses for the forward-only transition check.
var statusRank = map[OrderStatus]int{
	StatusPending:         0,
	StatusOpen:            1,
	StatusPartiallyFilled: 2,
	StatusFilled:          3,
	StatusCancelled:       3,
	StatusRejected:        3,
}

// CanTransition reports whether an order status may move from a to b.
// PartiallyFilled may repeat.
func CanTransition(a, b OrderStatus) bool {
	ra, ok1 := statusRank[a]
	rb, ok2 := statusRank[b]
	if !ok1 || !ok2 {
		return false
	}
	if a == StatusPartiallyFilled && b == StatusPartiallyFilled {
		return true
	}
	if a == StatusFilled || a == StatusCancelled || a == StatusRejected {
		return false
	}
	return rb > ra
}

// OrderRecord is the router's view of one order.
type OrderRecord struct {
	InternalID         string      `json:"internal_id"`
	Asset              string      `json:"asset"`
	Side               OrderSide   `json:"side"`
	Type               OrderType   `json:"type"`
	Qty                float64     `json:"qty"`
	LimitPrice         float64     `json:"limit_price,omitempty"`
	Status             OrderStatus `json:"status"`
	FilledQty          float64     `json:"filled_qty"`
	AvgFill            float64     `json:"avg_fill"`
	StrategyPositionID string      `json:"strategy_position_id,omitempty"`
	ExchangeOrderID    string      `json:"exchange_order_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	// Exit marks an order dispatched to reduce or close a position.
	Exit        bool   `json:"exit,omitempty"`
	CloseReason string `json:"close_reason,omitempty"`
}

// PositionOrigin records how an open position came to be known.
type PositionOrigin string

const (
	OriginStrategy   PositionOrigin = "strategy"
	OriginReconciled PositionOrigin = "reconciled"
	OriginExternal   PositionOrigin = "external"
)

// OpenPosition is one live position in the registry.
type OpenPosition struct {
	ID                 string         `json:"id"`
	StrategyPositionID string         `json:"strategy_position_id,omitempty"`
	StrategyID         string         `json:"strategy_id,omitempty"`
	Asset              string         `json:"asset"`
	Direction          Direction      `json:"direction"`
	Qty                float64        `json:"qty"`
	EntryQty           float64        `json:"entry_qty"`
	AvgEntry           float64        `json:"avg_entry"`
	TrailingStopPrice  float64        `json:"trailing_stop_price,omitempty"`
	TargetsHit         map[int]bool   `json:"targets_hit,omitempty"`
	UnrealizedPnl      float64        `json:"unrealized_pnl"`
	Origin             PositionOrigin `json:"origin"`
	OpenedAt           time.Time      `json:"opened_at"`
}

// ClosedTrade is an immutable record of a (partial) position close.
type ClosedTrade struct {
	PositionID  string    `json:"position_id"`
	Asset       string    `json:"asset"`
	Direction   Direction `json:"direction"`
	QtyClosed   float64   `json:"qty_closed"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnl float64   `json:"realized_pnl"`
	CloseReason string    `json:"close_reason"`
	ClosedAt    time.Time `json:"closed_at"`
}

// SafeModeState is persisted protective state.
type SafeModeState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// OperationMode is the persisted paper/live switch.
type OperationMode struct {
	Mode      Mode      `json:"mode"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Close reasons used by the exit evaluator and resilience layer, in the
// fixed simultaneous-trigger priority order.
const (
	CloseInvalidation = "invalidation"
	CloseExitAll      = "exit_all"
	CloseHardStop     = "hard_stop"
	CloseTrailingStop = "trailing_stop"
	CloseTimeExit     = "time_exit"
	CloseTakeProfit   = "take_profit"
	CloseSafeMode     = "safe_mode"
	CloseReconciled   = "reconciled_missing"
)

// Entry skip reasons surfaced on entry_skipped events.
const (
	SkipIndicatorNotReady  = "indicator_not_ready"
	SkipEntriesSuspended   = "entries_suspended"
	SkipBelowMinimumLot    = "below_minimum_lot_size"
	SkipNoAvailableCapital = "no_available_capital"
)
