package engine

import (
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/dsl"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
)

// hubEnv adapts the market data hub to the condition evaluator. Prices
// resolve to the snapshot midpoint; indicators come pre-folded into the
// snapshots by the hub.
type hubEnv struct {
	hub *marketdata.Hub
}

func (e hubEnv) Price(asset string) (float64, bool) {
	snap, ok := e.hub.Latest(asset)
	if !ok {
		return 0, false
	}
	return snap.Mid(), true
}

func (e hubEnv) Indicator(key, asset string) (float64, bool) {
	snap, ok := e.hub.Latest(asset)
	if !ok {
		return 0, false
	}
	v, ok := snap.Indicators[key]
	return v, ok
}

var _ dsl.Env = hubEnv{}

// exitPrice returns the side of the book a close would execute against.
func exitPrice(pos domain.OpenPosition, snap domain.MarketSnapshot) float64 {
	if pos.Direction == domain.DirectionLong {
		return snap.Bid
	}
	return snap.Ask
}
