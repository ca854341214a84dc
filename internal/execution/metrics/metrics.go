// Package metrics assembles the Execution Service's /metrics payload:
// tick throughput, evaluation latency, equity-curve statistics and host
// resource usage.
package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"gonum.org/v1/gonum/stat"
)

// equityCurveCap bounds the retained equity samples; one sample per
// record call.
const equityCurveCap = 10_000

// EngineStats is the engine's contribution to the payload.
type EngineStats struct {
	TickCount    uint64        `json:"tick_count"`
	LastEvalTime time.Duration `json:"-"`
}

// TradeStats summarizes the closed-trade ledger.
type TradeStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRatePct  float64 `json:"win_rate_pct"`
	RealizedPnl float64 `json:"realized_pnl_usd"`
}

// EquityStats are gonum-derived statistics over the sampled equity curve.
type EquityStats struct {
	Samples        int     `json:"samples"`
	Mean           float64 `json:"mean"`
	StdDev         float64 `json:"std_dev"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// SystemStats is the host resource section.
type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// Payload is the full /metrics response body.
type Payload struct {
	UptimeSeconds  float64     `json:"uptime_seconds"`
	TickCount      uint64      `json:"tick_count"`
	TicksPerMinute float64     `json:"ticks_per_minute"`
	LastEvalMs     float64     `json:"last_eval_ms"`
	Trades         TradeStats  `json:"trades"`
	Equity         EquityStats `json:"equity"`
	System         SystemStats `json:"system"`
}

// Collector accumulates samples and renders the payload on demand.
type Collector struct {
	log     zerolog.Logger
	started time.Time

	mu     sync.Mutex
	equity []float64
}

// NewCollector creates a collector anchored at start time.
func NewCollector(log zerolog.Logger) *Collector {
	return &Collector{
		log:     log.With().Str("component", "metrics").Logger(),
		started: time.Now(),
	}
}

// RecordEquity appends one equity sample; the engine calls it after each
// risk evaluation.
func (c *Collector) RecordEquity(equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.equity = append(c.equity, equity)
	if len(c.equity) > equityCurveCap {
		c.equity = c.equity[len(c.equity)-equityCurveCap:]
	}
}

// Assemble builds the payload from the engine counters and trade results.
func (c *Collector) Assemble(engine EngineStats, wins, losses int, realizedPnl float64) Payload {
	uptime := time.Since(c.started)

	p := Payload{
		UptimeSeconds: uptime.Seconds(),
		TickCount:     engine.TickCount,
		LastEvalMs:    float64(engine.LastEvalTime.Microseconds()) / 1000,
		Trades: TradeStats{
			Trades:      wins + losses,
			Wins:        wins,
			Losses:      losses,
			RealizedPnl: realizedPnl,
		},
		Equity: c.equityStats(),
		System: systemStats(c.log),
	}
	if uptime > 0 {
		p.TicksPerMinute = float64(engine.TickCount) / uptime.Minutes()
	}
	if p.Trades.Trades > 0 {
		p.Trades.WinRatePct = 100 * float64(wins) / float64(p.Trades.Trades)
	}
	return p
}

func (c *Collector) equityStats() EquityStats {
	c.mu.Lock()
	curve := append([]float64(nil), c.equity...)
	c.mu.Unlock()

	if len(curve) == 0 {
		return EquityStats{}
	}
	mean, std := stat.MeanStdDev(curve, nil)
	if len(curve) < 2 {
		std = 0
	}
	return EquityStats{
		Samples:        len(curve),
		Mean:           mean,
		StdDev:         std,
		MaxDrawdownPct: maxDrawdown(curve),
	}
}

// maxDrawdown returns the largest peak-to-trough decline over the curve as
// a fraction of the peak.
func maxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// systemStats samples host CPU and memory. The short CPU window keeps the
// handler responsive.
func systemStats(log zerolog.Logger) SystemStats {
	var s SystemStats
	if pct, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		log.Warn().Err(err).Msg("Failed to read CPU percentage")
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Warn().Err(err).Msg("Failed to read memory statistics")
	} else {
		s.RAMPercent = vm.UsedPercent
	}
	return s
}
