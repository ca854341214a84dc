// Package adapters defines the exchange adapter contract and its paper and
// live implementations. The router and hub only ever see the interface; the
// persisted operation mode selects which implementation is active.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
)

// ErrNoMarketData is returned when an order arrives for an asset without a
// snapshot.
var ErrNoMarketData = errors.New("no_market_data")

// TickCallback receives one market snapshot per tick. Indicators are not
// populated at this layer; the market data hub folds them in.
type TickCallback func(snapshot domain.MarketSnapshot)

// OrderRequest is the router's dispatch payload.
type OrderRequest struct {
	InternalID string
	Asset      string
	Side       domain.OrderSide
	Type       domain.OrderType
	Qty        float64
	LimitPrice float64
}

// OrderAck is the adapter's synchronous response to PlaceOrder.
type OrderAck struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
	FilledQty       float64
	AvgFill         float64
	Commission      float64
}

// CancelResult reports a cancel outcome.
type CancelResult struct {
	ExchangeOrderID string
	Cancelled       bool
	Reason          string
}

// OrderStatusInfo is the adapter-side view of one order.
type OrderStatusInfo struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
	FilledQty       float64
	AvgFill         float64
}

// Balance is the account snapshot.
type Balance struct {
	TotalUsd     float64
	AvailableUsd float64
}

// ExchangePosition is the exchange's view of one open position, used by
// reconciliation.
type ExchangePosition struct {
	Asset     string
	Direction domain.Direction
	Qty       float64
	AvgEntry  float64
}

// ExchangeTrade is one historical fill.
type ExchangeTrade struct {
	ExchangeOrderID string
	Asset           string
	Side            domain.OrderSide
	Qty             float64
	Price           float64
	Commission      float64
	ExecutedAt      time.Time
}

// Adapter is the full exchange capability set. Implementations manage their
// own rate-limit back-off; the router never handles rate-limit semantics.
type Adapter interface {
	// SubscribeMarketData starts delivering ticks for the asset set until
	// ctx is cancelled. Calling it again replaces the previous subscription.
	SubscribeMarketData(ctx context.Context, assets []string, cb TickCallback) error

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (*CancelResult, error)
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (*OrderStatusInfo, error)
	GetAccountBalance(ctx context.Context) (*Balance, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetTradeHistory(ctx context.Context, since time.Time) ([]ExchangeTrade, error)

	IsRateLimited() bool
	RateLimitResumesAt() time.Time
}
