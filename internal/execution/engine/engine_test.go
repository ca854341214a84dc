package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
	"github.com/crypton-sys/crypton/internal/execution/orders"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/crypton-sys/crypton/internal/execution/risk"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFailures struct{}

func (stubFailures) RecordFailure(string) {}
func (stubFailures) Reset()               {}

type stubSafe struct{}

func (stubSafe) Activate(string) {}

// scriptedFeed wraps the paper adapter with a deterministic tick source:
// the test pushes snapshots instead of the random walk generating them.
type scriptedFeed struct {
	*adapters.Paper
	mu sync.Mutex
	cb adapters.TickCallback
}

func (f *scriptedFeed) SubscribeMarketData(_ context.Context, _ []string, cb adapters.TickCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return nil
}

func (f *scriptedFeed) emit(t *testing.T, asset string, bid, ask float64) {
	t.Helper()
	snap := domain.MarketSnapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}
	f.Paper.InjectSnapshot(snap)
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	require.NotNil(t, cb, "no market data subscription active")
	cb(snap)
}

type harness struct {
	feed     *scriptedFeed
	registry *positions.Registry
	svc      *strategy.Service
	eng      *Engine
	bus      *events.Bus
	docPath  string
}

func newHarness(t *testing.T, trigger TriggerMode) *harness {
	t.Helper()
	tmp := t.TempDir()
	nop := zerolog.Nop()
	bus := events.NewBus(nop)
	em := events.NewManager(bus, nop)

	registry := positions.New(filepath.Join(tmp, "positions.json"), filepath.Join(tmp, "trades.json"), em, nop)
	require.NoError(t, registry.Load())

	store, err := marketdata.NewCandleStore(filepath.Join(tmp, "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	feed := &scriptedFeed{Paper: adapters.NewPaper(adapters.PaperConfig{StartingCapitalUsd: 100000}, nop)}
	source := func() adapters.Adapter { return feed }

	hub := marketdata.NewHub(source, store, marketdata.NewEngine(store), filepath.Join(tmp, "cache.bin"), nop)
	docPath := filepath.Join(tmp, "strategy.json")
	svc := strategy.NewService(docPath, nil, em, nop)

	eng := New(Config{
		Strategies:  svc,
		Hub:         hub,
		Registry:    registry,
		Router:      orders.NewRouter(source, registry, stubFailures{}, em, nop),
		Sizer:       orders.NewSizer(0.0001, 0.0001),
		Risk:        risk.New(stubSafe{}, em, nop),
		Adapter:     source,
		SafeMode:    func() bool { return false },
		Events:      em,
		TriggerMode: trigger,
	}, nop)
	eng.Start(context.Background())

	return &harness{feed: feed, registry: registry, svc: svc, eng: eng, bus: bus, docPath: docPath}
}

// load writes the document, reloads the strategy service and runs the swap
// callback the way the service would in production.
func (h *harness) load(t *testing.T, doc map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.docPath, raw, 0o644))
	require.True(t, h.svc.Reload(), "strategy reload rejected: %s", h.svc.LastError())
	h.eng.HandleSwap(h.svc.Current())
}

func testDoc(posture string, positions ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"mode":              "paper",
		"validity_window":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"posture":           posture,
		"posture_rationale": "test fixture",
		"portfolio_risk": map[string]interface{}{
			"max_drawdown_pct":       0.5,
			"daily_loss_limit_usd":   100000.0,
			"max_total_exposure_pct": 0.95,
			"max_per_position_pct":   0.5,
		},
		"positions":          positions,
		"strategy_rationale": "test fixture",
	}
}

func marketLong(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"asset":          "BTC/USD",
		"direction":      "long",
		"allocation_pct": 0.1,
		"entry_type":     "market",
	}
}

func TestMarketEntryDispatchesOncePerStrategyCycle(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", marketLong("pos-1")))

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	open := h.registry.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "pos-1", open[0].StrategyPositionID)
	assert.Equal(t, domain.DirectionLong, open[0].Direction)
	assert.Equal(t, domain.OriginStrategy, open[0].Origin)

	// Subsequent ticks must not re-enter the same strategy position.
	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	h.feed.emit(t, "BTC/USD", 100.0, 100.2)
	assert.Len(t, h.registry.OpenPositions(), 1)
}

func conditionalLong(id, condition string) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"asset":           "BTC/USD",
		"direction":       "long",
		"allocation_pct":  0.1,
		"entry_type":      "conditional",
		"entry_condition": condition,
	}
}

func TestFreshCrossingWaitsForFalseToTrueEdge(t *testing.T) {
	h := newHarness(t, TriggerFreshCrossing)
	h.load(t, testDoc("aggressive", conditionalLong("pos-1", "price(BTC/USD) > 100")))

	// Condition already true on the first observed tick: no chase.
	h.feed.emit(t, "BTC/USD", 109.9, 110.1)
	assert.Empty(t, h.registry.OpenPositions())

	// Falls below, then crosses back up: that edge is a real signal.
	h.feed.emit(t, "BTC/USD", 89.9, 90.1)
	assert.Empty(t, h.registry.OpenPositions())

	h.feed.emit(t, "BTC/USD", 109.9, 110.1)
	assert.Len(t, h.registry.OpenPositions(), 1)
}

func TestImmediateTriggerEntersOnFirstTrueTick(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", conditionalLong("pos-1", "price(BTC/USD) > 100")))

	h.feed.emit(t, "BTC/USD", 109.9, 110.1)
	assert.Len(t, h.registry.OpenPositions(), 1)
}

func TestConditionalSkipsWhileIndicatorWarmsUp(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	sub := h.bus.Subscribe(events.EntrySkipped)
	defer h.bus.Unsubscribe(sub)

	h.load(t, testDoc("aggressive", conditionalLong("pos-1", "RSI(14, BTC/USD) < 101")))

	// Two ticks, but one candle of history: RSI stays unknown and the skip
	// event is emitted once, not per tick.
	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	assert.Empty(t, h.registry.OpenPositions())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, domain.SkipIndicatorNotReady, ev.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("expected an entry_skipped event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second skip event: %v", ev.Data)
	default:
	}
}

func TestLimitEntryWaitsForMarketablePrice(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", map[string]interface{}{
		"id":                "pos-1",
		"asset":             "BTC/USD",
		"direction":         "long",
		"allocation_pct":    0.1,
		"entry_type":        "limit",
		"entry_limit_price": 100.0,
	}))

	h.feed.emit(t, "BTC/USD", 101.0, 101.2)
	assert.Empty(t, h.registry.OpenPositions())

	h.feed.emit(t, "BTC/USD", 99.5, 99.7)
	open := h.registry.OpenPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, 100.0, open[0].AvgEntry, 0.001, "limit orders fill at the limit price")
}

func TestInvalidationBeatsHardStopOnTheSameTick(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	doc := testDoc("aggressive", map[string]interface{}{
		"id":                     "pos-1",
		"asset":                  "BTC/USD",
		"direction":              "long",
		"allocation_pct":         0.1,
		"entry_type":             "market",
		"stop_loss":              map[string]interface{}{"type": "hard", "price": 96.0},
		"invalidation_condition": "price(BTC/USD) < 95",
	})
	h.load(t, doc)

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	require.Len(t, h.registry.OpenPositions(), 1)

	// Both the stop and the invalidation trigger here; invalidation wins.
	h.feed.emit(t, "BTC/USD", 93.9, 94.1)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseInvalidation, trades[0].CloseReason)
}

func TestHardStopClosesLong(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", map[string]interface{}{
		"id":             "pos-1",
		"asset":          "BTC/USD",
		"direction":      "long",
		"allocation_pct": 0.1,
		"entry_type":     "market",
		"stop_loss":      map[string]interface{}{"type": "hard", "price": 96.0},
	}))

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	h.feed.emit(t, "BTC/USD", 97.0, 97.2)
	require.Len(t, h.registry.OpenPositions(), 1, "stop not reached yet")

	h.feed.emit(t, "BTC/USD", 95.9, 96.1)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseHardStop, trades[0].CloseReason)
}

func TestTakeProfitTargetsFireInDeclarationOrder(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", map[string]interface{}{
		"id":             "pos-1",
		"asset":          "BTC/USD",
		"direction":      "long",
		"allocation_pct": 0.1,
		"entry_type":     "market",
		"take_profit_targets": []interface{}{
			map[string]interface{}{"price": 105.0, "close_pct": 0.5},
			map[string]interface{}{"price": 110.0, "close_pct": 0.5},
		},
	}))

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	require.Len(t, h.registry.OpenPositions(), 1)
	fullQty := h.registry.OpenPositions()[0].Qty

	// First target scales out half; only one close per position per tick.
	h.feed.emit(t, "BTC/USD", 106.0, 106.2)
	open := h.registry.OpenPositions()
	require.Len(t, open, 1)
	assert.InDelta(t, fullQty/2, open[0].Qty, fullQty*0.01)
	assert.True(t, open[0].TargetsHit[0])

	// Same price again: target 0 already hit, target 1 not reached.
	h.feed.emit(t, "BTC/USD", 106.0, 106.2)
	require.Len(t, h.registry.ClosedTrades(), 1)

	// Second target closes the other half of the entered quantity,
	// flattening the position: 0.5 + 0.5 of the original, not of whatever
	// remained.
	h.feed.emit(t, "BTC/USD", 111.0, 111.2)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 2)
	var closed float64
	for _, tr := range trades {
		assert.Equal(t, domain.CloseTakeProfit, tr.CloseReason)
		assert.InDelta(t, fullQty/2, tr.QtyClosed, fullQty*0.01)
		closed += tr.QtyClosed
	}
	assert.InDelta(t, fullQty, closed, fullQty*0.01)
}

func TestTrailingStopAdvancesThenTriggers(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", map[string]interface{}{
		"id":             "pos-1",
		"asset":          "BTC/USD",
		"direction":      "long",
		"allocation_pct": 0.1,
		"entry_type":     "market",
		"stop_loss":      map[string]interface{}{"type": "trailing", "trail_pct": 0.05},
	}))

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	require.Len(t, h.registry.OpenPositions(), 1)

	// Favorable move ratchets the stop up to ~114.
	h.feed.emit(t, "BTC/USD", 120.0, 120.2)
	require.Len(t, h.registry.OpenPositions(), 1)
	stop := h.registry.OpenPositions()[0].TrailingStopPrice
	assert.InDelta(t, 114.0, stop, 0.01)

	// A pullback that stays above the stop does not close, and the stop
	// never moves back down.
	h.feed.emit(t, "BTC/USD", 115.0, 115.2)
	require.Len(t, h.registry.OpenPositions(), 1)
	assert.InDelta(t, stop, h.registry.OpenPositions()[0].TrailingStopPrice, 0.01)

	h.feed.emit(t, "BTC/USD", 113.0, 113.2)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseTrailingStop, trades[0].CloseReason)
}

func TestExitAllPostureClosesAndBlocksEntries(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", marketLong("pos-1")))
	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	require.Len(t, h.registry.OpenPositions(), 1)

	// The swapped document keeps the position id so the exit rules still
	// apply, but the posture forbids new entries and forces a full close.
	exitAll := testDoc("exit_all", marketLong("pos-1"), marketLong("pos-2"))
	h.load(t, exitAll)

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseExitAll, trades[0].CloseReason)
}

func TestCloseAllClosesEveryOpenPosition(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("aggressive", marketLong("pos-1")))
	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	require.Len(t, h.registry.OpenPositions(), 1)

	h.eng.CloseAll(context.Background(), domain.CloseSafeMode)
	assert.Empty(t, h.registry.OpenPositions())
	trades := h.registry.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.CloseSafeMode, trades[0].CloseReason)
}

func TestFlatPostureSkipsEntries(t *testing.T) {
	h := newHarness(t, TriggerImmediate)
	h.load(t, testDoc("flat", marketLong("pos-1")))

	h.feed.emit(t, "BTC/USD", 99.9, 100.1)
	assert.Empty(t, h.registry.OpenPositions())
	assert.Equal(t, uint64(1), h.eng.TickCount())
}
