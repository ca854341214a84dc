package adapters

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaperConfig tunes the simulated exchange.
type PaperConfig struct {
	StartingCapitalUsd float64
	SlippagePct        float64 // e.g. 0.0005
	CommissionRate     float64 // e.g. 0.001
	TickInterval       time.Duration
	// SeedPrices sets the random walk's starting price per asset. Unknown
	// assets start at DefaultSeedPrice.
	SeedPrices       map[string]float64
	DefaultSeedPrice float64
	// SpreadPct is the synthetic bid/ask half-spread.
	SpreadPct float64
}

func (c *PaperConfig) applyDefaults() {
	if c.StartingCapitalUsd <= 0 {
		c.StartingCapitalUsd = 10000
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultSeedPrice <= 0 {
		c.DefaultSeedPrice = 100
	}
	if c.SpreadPct <= 0 {
		c.SpreadPct = 0.0002
	}
}

// paperPosition is the simulated exchange-side position book entry.
type paperPosition struct {
	asset     string
	direction domain.Direction
	qty       float64
	avgEntry  float64
}

// Paper is the simulated exchange adapter: a random-walk tick generator
// plus immediate fills with slippage and commission.
type Paper struct {
	cfg PaperConfig
	log zerolog.Logger

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64 // random walk mid per asset
	snapshots map[string]domain.MarketSnapshot
	positions map[string]*paperPosition // by asset
	trades    []ExchangeTrade
	subCancel context.CancelFunc
	rng       *rand.Rand
}

// NewPaper creates a paper adapter.
func NewPaper(cfg PaperConfig, log zerolog.Logger) *Paper {
	cfg.applyDefaults()
	return &Paper{
		cfg:       cfg,
		cash:      cfg.StartingCapitalUsd,
		prices:    make(map[string]float64),
		snapshots: make(map[string]domain.MarketSnapshot),
		positions: make(map[string]*paperPosition),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log.With().Str("component", "paper_adapter").Logger(),
	}
}

// SubscribeMarketData starts the synthetic tick generator for the asset
// set, replacing any prior subscription.
func (p *Paper) SubscribeMarketData(ctx context.Context, assets []string, cb TickCallback) error {
	p.mu.Lock()
	if p.subCancel != nil {
		p.subCancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	p.subCancel = cancel
	for _, asset := range assets {
		if _, ok := p.prices[asset]; !ok {
			seed := p.cfg.SeedPrices[asset]
			if seed <= 0 {
				seed = p.cfg.DefaultSeedPrice
			}
			p.prices[asset] = seed
		}
	}
	p.mu.Unlock()

	go p.generate(subCtx, assets, cb)
	p.log.Info().Strs("assets", assets).Msg("Paper market data subscription started")
	return nil
}

// generate emits one snapshot per asset per tick interval.
func (p *Paper) generate(ctx context.Context, assets []string, cb TickCallback) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, asset := range assets {
				snap := p.step(asset)
				cb(snap)
			}
		}
	}
}

// step advances one asset's random walk and records the snapshot.
func (p *Paper) step(asset string) domain.MarketSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	mid := p.prices[asset]
	// Gaussian step, ~0.05% per tick.
	mid *= 1 + p.rng.NormFloat64()*0.0005
	if mid <= 0 {
		mid = p.cfg.DefaultSeedPrice
	}
	p.prices[asset] = mid

	halfSpread := mid * p.cfg.SpreadPct
	snap := domain.MarketSnapshot{
		Asset:     asset,
		Bid:       mid - halfSpread,
		Ask:       mid + halfSpread,
		Timestamp: time.Now().UTC(),
	}
	p.snapshots[asset] = snap
	return snap
}

// InjectSnapshot records a snapshot directly, bypassing the generator.
// Used by tests and by deterministic replay runs.
func (p *Paper) InjectSnapshot(snap domain.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[snap.Asset] = snap.Mid()
	p.snapshots[snap.Asset] = snap
}

// PlaceOrder fills immediately: market orders at mid adjusted by slippage,
// limit orders at the limit price (the engine only dispatches marketable
// limits). No snapshot for the asset rejects with no_market_data.
func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.snapshots[req.Asset]
	if !ok {
		return &OrderAck{
			ExchangeOrderID: uuid.New().String(),
			Status:          domain.StatusRejected,
		}, ErrNoMarketData
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("invalid quantity %f", req.Qty)
	}

	var fillPx float64
	switch req.Type {
	case domain.OrderLimit:
		fillPx = req.LimitPrice
	default:
		if req.Side == domain.SideBuy {
			fillPx = snap.Mid() * (1 + p.cfg.SlippagePct)
		} else {
			fillPx = snap.Mid() * (1 - p.cfg.SlippagePct)
		}
	}

	notional := fillPx * req.Qty
	commission := notional * p.cfg.CommissionRate
	if req.Side == domain.SideBuy {
		p.cash -= notional + commission
	} else {
		p.cash += notional - commission
	}
	p.applyFill(req, fillPx)

	ack := &OrderAck{
		ExchangeOrderID: uuid.New().String(),
		Status:          domain.StatusFilled,
		FilledQty:       req.Qty,
		AvgFill:         fillPx,
		Commission:      commission,
	}
	p.trades = append(p.trades, ExchangeTrade{
		ExchangeOrderID: ack.ExchangeOrderID,
		Asset:           req.Asset,
		Side:            req.Side,
		Qty:             req.Qty,
		Price:           fillPx,
		Commission:      commission,
		ExecutedAt:      time.Now().UTC(),
	})
	return ack, nil
}

// applyFill updates the simulated exchange-side position book.
func (p *Paper) applyFill(req OrderRequest, fillPx float64) {
	pos := p.positions[req.Asset]
	if pos == nil {
		direction := domain.DirectionLong
		if req.Side == domain.SideSell {
			direction = domain.DirectionShort
		}
		p.positions[req.Asset] = &paperPosition{
			asset:     req.Asset,
			direction: direction,
			qty:       req.Qty,
			avgEntry:  fillPx,
		}
		return
	}

	increases := (pos.direction == domain.DirectionLong) == (req.Side == domain.SideBuy)
	if increases {
		total := pos.qty + req.Qty
		pos.avgEntry = (pos.avgEntry*pos.qty + fillPx*req.Qty) / total
		pos.qty = total
		return
	}

	pos.qty -= req.Qty
	if pos.qty <= 1e-12 {
		delete(p.positions, req.Asset)
	}
}

// CancelOrder is a no-op success: paper orders never rest.
func (p *Paper) CancelOrder(_ context.Context, exchangeOrderID string) (*CancelResult, error) {
	return &CancelResult{ExchangeOrderID: exchangeOrderID, Cancelled: false, Reason: "paper orders fill immediately"}, nil
}

// GetOrderStatus reports the order as filled if it exists in trade history.
func (p *Paper) GetOrderStatus(_ context.Context, exchangeOrderID string) (*OrderStatusInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.trades {
		if t.ExchangeOrderID == exchangeOrderID {
			return &OrderStatusInfo{
				ExchangeOrderID: exchangeOrderID,
				Status:          domain.StatusFilled,
				FilledQty:       t.Qty,
				AvgFill:         t.Price,
			}, nil
		}
	}
	return nil, fmt.Errorf("unknown order %s", exchangeOrderID)
}

// GetAccountBalance returns cash plus position notional at the latest mid.
func (p *Paper) GetAccountBalance(_ context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.cash
	for asset, pos := range p.positions {
		if snap, ok := p.snapshots[asset]; ok {
			total += pos.qty * snap.Mid()
		} else {
			total += pos.qty * pos.avgEntry
		}
	}
	return &Balance{TotalUsd: total, AvailableUsd: p.cash}, nil
}

// GetOpenPositions returns the simulated exchange position book.
func (p *Paper) GetOpenPositions(_ context.Context) ([]ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ExchangePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, ExchangePosition{
			Asset:     pos.asset,
			Direction: pos.direction,
			Qty:       pos.qty,
			AvgEntry:  pos.avgEntry,
		})
	}
	return out, nil
}

// GetTradeHistory returns fills executed at or after since.
func (p *Paper) GetTradeHistory(_ context.Context, since time.Time) ([]ExchangeTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ExchangeTrade
	for _, t := range p.trades {
		if !t.ExecutedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// IsRateLimited is always false for the simulator.
func (p *Paper) IsRateLimited() bool { return false }

// RateLimitResumesAt is always zero for the simulator.
func (p *Paper) RateLimitResumesAt() time.Time { return time.Time{} }
