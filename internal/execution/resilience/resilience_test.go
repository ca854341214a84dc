package resilience

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCloser struct {
	mu      sync.Mutex
	reasons []string
}

func (c *recordingCloser) CloseAll(_ context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *recordingCloser) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func newManager() *events.Manager {
	return events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop())
}

func TestSafeModeActivateOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe_mode.json")
	sm := NewSafeMode(path, newManager(), zerolog.Nop())
	closer := &recordingCloser{}
	sm.SetCloser(closer)

	assert.False(t, sm.Active())

	sm.Activate("max_drawdown")
	assert.True(t, sm.Active())
	assert.Equal(t, []string{domain.CloseSafeMode}, closer.calls())

	// Re-activation while active does not close again.
	sm.Activate("connectivity_loss")
	assert.Equal(t, []string{domain.CloseSafeMode}, closer.calls())
	assert.Equal(t, "max_drawdown", sm.State().Reason)

	// State survives a restart.
	reloaded := NewSafeMode(path, newManager(), zerolog.Nop())
	assert.True(t, reloaded.Active())
	assert.Equal(t, "max_drawdown", reloaded.State().Reason)

	require.True(t, reloaded.Deactivate())
	assert.False(t, reloaded.Deactivate())
	assert.False(t, NewSafeMode(path, newManager(), zerolog.Nop()).Active())
}

func TestFailureTrackerThreshold(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), newManager(), zerolog.Nop())
	tracker := NewFailureTracker(filepath.Join(dir, "failure_count.json"), sm, zerolog.Nop())

	tracker.RecordFailure("rejected")
	tracker.RecordFailure("rejected")
	assert.False(t, sm.Active())

	// A success in between resets the streak.
	tracker.Reset()
	tracker.RecordFailure("rejected")
	tracker.RecordFailure("rejected")
	assert.False(t, sm.Active())

	tracker.RecordFailure("rejected")
	assert.True(t, sm.Active())
	assert.Equal(t, "consecutive_order_failures", sm.State().Reason)
}

func TestFailureTrackerPersists(t *testing.T) {
	dir := t.TempDir()
	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), newManager(), zerolog.Nop())
	path := filepath.Join(dir, "failure_count.json")

	tracker := NewFailureTracker(path, sm, zerolog.Nop())
	tracker.RecordFailure("timeout")
	tracker.RecordFailure("timeout")

	reloaded := NewFailureTracker(path, sm, zerolog.Nop())
	assert.Equal(t, 2, reloaded.Count())
}

func TestFailureTrackerRestartAtThresholdTripsSafeMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "failure_count.json")

	// A crash between the count write and safe-mode activation leaves a
	// tripped count on disk with safe mode's own file missing.
	require.NoError(t, os.WriteFile(path, []byte(`{"count":3,"last_reason":"timeout"}`), 0644))

	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), newManager(), zerolog.Nop())
	NewFailureTracker(path, sm, zerolog.Nop())

	assert.True(t, sm.Active())
	assert.Equal(t, "consecutive_order_failures", sm.State().Reason)
}

func TestReconcilerAdoptsAndCloses(t *testing.T) {
	dir := t.TempDir()
	em := newManager()
	registry := positions.New(filepath.Join(dir, "positions.json"),
		filepath.Join(dir, "trades.json"), em, zerolog.Nop())
	require.NoError(t, registry.Load())

	// Local book: one position that will be missing on the exchange, one
	// that matches.
	missing := registry.ApplyEntryFill("strat", "sp-1", "ETH/USD", domain.DirectionLong, 2, 2500, domain.OriginStrategy)
	registry.ApplyEntryFill("strat", "sp-2", "BTC/USD", domain.DirectionLong, 0.5, 48000, domain.OriginStrategy)

	paper := adapters.NewPaper(adapters.PaperConfig{}, zerolog.Nop())
	paper.InjectSnapshot(domain.MarketSnapshot{Asset: "BTC/USD", Bid: 47990, Ask: 48010, Timestamp: time.Now()})
	paper.InjectSnapshot(domain.MarketSnapshot{Asset: "SOL/USD", Bid: 149, Ask: 151, Timestamp: time.Now()})
	// Exchange book: matching BTC long plus an unknown SOL long.
	_, err := paper.PlaceOrder(context.Background(), adapters.OrderRequest{
		InternalID: "o-1", Asset: "BTC/USD", Side: domain.SideBuy, Type: domain.OrderMarket, Qty: 0.5,
	})
	require.NoError(t, err)
	_, err = paper.PlaceOrder(context.Background(), adapters.OrderRequest{
		InternalID: "o-2", Asset: "SOL/USD", Side: domain.SideBuy, Type: domain.OrderMarket, Qty: 10,
	})
	require.NoError(t, err)

	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), em, zerolog.Nop())
	rec := NewReconciler(paper, registry, sm, em, zerolog.Nop())
	require.NoError(t, rec.Run(context.Background()))

	// The local-only position is gone, recorded as a zero-PnL trade.
	_, found := registry.Get(missing.ID)
	assert.False(t, found)
	var reconciledTrades int
	for _, tr := range registry.ClosedTrades() {
		if tr.CloseReason == domain.CloseReconciled {
			reconciledTrades++
		}
	}
	assert.Equal(t, 1, reconciledTrades)

	// The unknown exchange position was adopted.
	var adopted bool
	for _, p := range registry.OpenPositions() {
		if p.Asset == "SOL/USD" {
			adopted = true
			assert.Equal(t, domain.OriginReconciled, p.Origin)
		}
	}
	assert.True(t, adopted)
}

func TestReconcilerSkipsInSafeMode(t *testing.T) {
	dir := t.TempDir()
	em := newManager()
	registry := positions.New(filepath.Join(dir, "positions.json"),
		filepath.Join(dir, "trades.json"), em, zerolog.Nop())
	require.NoError(t, registry.Load())
	local := registry.ApplyEntryFill("strat", "sp-1", "ETH/USD", domain.DirectionLong, 2, 2500, domain.OriginStrategy)

	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), em, zerolog.Nop())
	sm.Activate("max_drawdown")

	paper := adapters.NewPaper(adapters.PaperConfig{}, zerolog.Nop())
	rec := NewReconciler(paper, registry, sm, em, zerolog.Nop())
	require.NoError(t, rec.Run(context.Background()))

	// Book untouched.
	_, found := registry.Get(local.ID)
	assert.True(t, found)
}
