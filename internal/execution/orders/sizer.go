// Package orders implements position sizing and the order router: capital
// allocation, lot rounding, duplicate suppression, dispatch through the
// exchange adapter, and fill application into the position registry.
package orders

import (
	"math"

	"github.com/crypton-sys/crypton/internal/execution/domain"
)

// Sizer converts capital allocation into a lot-rounded order quantity.
type Sizer struct {
	// LotIncrement is the quantity step, e.g. 0.0001 BTC.
	LotIncrement float64
	// MinLot is the smallest dispatchable quantity. Zero means one
	// increment.
	MinLot float64
}

// NewSizer builds a sizer with sane defaults for zero values.
func NewSizer(lotIncrement, minLot float64) *Sizer {
	if lotIncrement <= 0 {
		lotIncrement = 0.0001
	}
	if minLot <= 0 {
		minLot = lotIncrement
	}
	return &Sizer{LotIncrement: lotIncrement, MinLot: minLot}
}

// Size computes the order quantity:
//
//	qty = floor((capital · min(allocPct, maxPerPositionPct)) / price / lot) · lot
//
// A non-empty skip reason means no order should be dispatched.
func (s *Sizer) Size(availableCapital, allocationPct, maxPerPositionPct, price float64) (qty float64, skipReason string) {
	if availableCapital <= 0 {
		return 0, domain.SkipNoAvailableCapital
	}
	if price <= 0 {
		return 0, domain.SkipNoAvailableCapital
	}

	pct := allocationPct
	if maxPerPositionPct > 0 && maxPerPositionPct < pct {
		pct = maxPerPositionPct
	}

	lots := math.Floor(availableCapital * pct / price / s.LotIncrement)
	qty = lots * s.LotIncrement
	if qty < s.MinLot {
		return 0, domain.SkipBelowMinimumLot
	}
	// Round away float drift from the multiplication.
	qty = math.Round(qty/s.LotIncrement) * s.LotIncrement
	return qty, ""
}
