package metrics

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, maxDrawdown(nil))
	assert.Equal(t, 0.0, maxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.25, maxDrawdown([]float64{100, 120, 90, 110}), 1e-9)
	// Later, deeper trough wins.
	assert.InDelta(t, 0.5, maxDrawdown([]float64{100, 80, 120, 60}), 1e-9)
}

func TestAssembleTradeStats(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	c.RecordEquity(10000)
	c.RecordEquity(10500)
	c.RecordEquity(9800)

	p := c.Assemble(EngineStats{TickCount: 42}, 3, 1, 250)
	assert.Equal(t, uint64(42), p.TickCount)
	assert.Equal(t, 4, p.Trades.Trades)
	assert.InDelta(t, 75.0, p.Trades.WinRatePct, 1e-9)
	assert.Equal(t, 3, p.Equity.Samples)
	assert.InDelta(t, (10000+10500+9800)/3.0, p.Equity.Mean, 1e-6)
	assert.InDelta(t, (10500-9800)/10500.0, p.Equity.MaxDrawdownPct, 1e-9)
}

func TestEquityCurveBounded(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	for i := 0; i < equityCurveCap+100; i++ {
		c.RecordEquity(float64(i))
	}
	p := c.Assemble(EngineStats{}, 0, 0, 0)
	assert.Equal(t, equityCurveCap, p.Equity.Samples)
}
