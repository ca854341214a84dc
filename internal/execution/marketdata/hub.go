// Package marketdata owns the adapter market-data subscription and the
// per-asset latest-snapshot book. Each incoming tick is folded with
// indicator values and handed to a single consumer (the execution engine)
// sequentially, so evaluators never race each other.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/rs/zerolog"
)

// AdapterSource yields the currently active adapter. Mode promotion swaps
// the adapter out from under the hub between subscriptions.
type AdapterSource func() adapters.Adapter

// Hub maintains latest market state per asset and fans ticks out to the
// engine.
type Hub struct {
	adapter   AdapterSource
	store     *CandleStore
	engine    *Engine
	cachePath string
	log       zerolog.Logger

	mu            sync.Mutex
	snapshots     map[string]domain.MarketSnapshot
	lastTickAt    time.Time
	indicatorKeys []string
	onTick        TickHandler
	cancelSub     context.CancelFunc
	assets        []string
}

// TickHandler consumes one enriched snapshot per tick.
type TickHandler func(snapshot domain.MarketSnapshot)

// NewHub creates a hub and warms it from the msgpack cache if present.
func NewHub(adapter AdapterSource, store *CandleStore, engine *Engine, cachePath string, log zerolog.Logger) *Hub {
	h := &Hub{
		adapter:   adapter,
		store:     store,
		engine:    engine,
		cachePath: cachePath,
		log:       log.With().Str("component", "marketdata_hub").Logger(),
		snapshots: make(map[string]domain.MarketSnapshot),
	}
	state, err := loadCache(cachePath)
	if err != nil {
		h.log.Warn().Err(err).Msg("Market cache unreadable, starting cold")
	} else if len(state.Snapshots) > 0 {
		h.snapshots = state.Snapshots
		h.lastTickAt = state.LastTickAt
		h.log.Info().Int("assets", len(state.Snapshots)).
			Time("saved_at", state.SavedAt).Msg("Warmed market state from cache")
	}
	return h
}

// SetOnTick registers the tick consumer. Must be called before Resubscribe.
func (h *Hub) SetOnTick(fn TickHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTick = fn
}

// SetIndicatorKeys installs the NAME_PERIOD keys the active strategy's
// conditions reference. Only these are computed per tick.
func (h *Hub) SetIndicatorKeys(keys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indicatorKeys = append([]string(nil), keys...)
}

// Resubscribe cancels any existing market-data subscription and starts one
// for the given asset set. Called on startup and on every strategy swap.
func (h *Hub) Resubscribe(ctx context.Context, assets []string) error {
	h.mu.Lock()
	if h.cancelSub != nil {
		h.cancelSub()
	}
	subCtx, cancel := context.WithCancel(ctx)
	h.cancelSub = cancel
	h.assets = append([]string(nil), assets...)
	adapter := h.adapter()
	h.mu.Unlock()

	if len(assets) == 0 {
		h.log.Info().Msg("No assets to subscribe, market feed idle")
		return nil
	}
	h.log.Info().Strs("assets", assets).Msg("Subscribing market data")
	return adapter.SubscribeMarketData(subCtx, assets, h.handleTick)
}

// Stop cancels the active subscription and persists the warm-up cache.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.cancelSub != nil {
		h.cancelSub()
		h.cancelSub = nil
	}
	state := cacheState{
		Snapshots:  h.copySnapshotsLocked(),
		LastTickAt: h.lastTickAt,
		SavedAt:    time.Now().UTC(),
	}
	path := h.cachePath
	h.mu.Unlock()

	if err := saveCache(path, state); err != nil {
		h.log.Warn().Err(err).Msg("Failed to persist market cache")
	}
}

// Latest returns the newest snapshot for an asset.
func (h *Hub) Latest(asset string) (domain.MarketSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.snapshots[asset]
	return snap, ok
}

// Snapshots returns a copy of the whole latest-snapshot book.
func (h *Hub) Snapshots() map[string]domain.MarketSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copySnapshotsLocked()
}

// LastTickAt reports when the hub last saw a tick; the dead man's switch
// watches this.
func (h *Hub) LastTickAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTickAt
}

func (h *Hub) copySnapshotsLocked() map[string]domain.MarketSnapshot {
	out := make(map[string]domain.MarketSnapshot, len(h.snapshots))
	for k, v := range h.snapshots {
		out[k] = v
	}
	return out
}

// handleTick is the adapter callback. It records the tick into candle
// history, folds in indicator values and hands the enriched snapshot to
// the engine. One tick is fully processed before the next is accepted.
func (h *Hub) handleTick(snap domain.MarketSnapshot) {
	if err := h.store.RecordTick(snap.Asset, snap.Timestamp, snap.Mid()); err != nil {
		h.log.Warn().Err(err).Str("asset", snap.Asset).Msg("Failed to record candle tick")
	}

	h.mu.Lock()
	keys := h.indicatorKeys
	onTick := h.onTick
	h.mu.Unlock()

	if len(keys) > 0 {
		values, err := h.engine.Compute(snap.Asset, keys)
		if err != nil {
			h.log.Warn().Err(err).Str("asset", snap.Asset).Msg("Indicator computation failed")
		} else if len(values) > 0 {
			snap.Indicators = values
		}
	}

	h.mu.Lock()
	h.snapshots[snap.Asset] = snap
	h.lastTickAt = snap.Timestamp
	h.mu.Unlock()

	if onTick != nil {
		onTick(snap)
	}
}
