package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	liveDialTimeout      = 30 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	defaultRateLimitHold = 30 * time.Second
)

// ErrLiveOrdersNotConfigured is returned by order-routing methods until a
// venue's REST credentials are wired in.
var ErrLiveOrdersNotConfigured = errors.New("live order routing not configured")

// LiveConfig points the live adapter at a market-data feed.
type LiveConfig struct {
	// FeedURL is the websocket market-data endpoint.
	FeedURL string
	// APIKey is sent in the subscribe frame when non-empty.
	APIKey string
}

// liveTick is the wire shape of one feed message.
type liveTick struct {
	Asset     string    `json:"asset"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// subscribeFrame is sent after (re)connecting.
type subscribeFrame struct {
	Op     string   `json:"op"`
	Assets []string `json:"assets"`
	APIKey string   `json:"api_key,omitempty"`
}

// Live streams market data from a venue websocket feed with reconnect and
// resubscribe. Order-routing calls fail explicitly until wired to a venue;
// rate-limit bookkeeping is still honored so the router's contract holds.
type Live struct {
	cfg LiveConfig
	log zerolog.Logger

	mu              sync.Mutex
	subCancel       context.CancelFunc
	rateLimitedTill time.Time
}

// NewLive creates a live adapter.
func NewLive(cfg LiveConfig, log zerolog.Logger) *Live {
	return &Live{
		cfg: cfg,
		log: log.With().Str("component", "live_adapter").Logger(),
	}
}

// SubscribeMarketData connects to the feed and delivers ticks until ctx is
// cancelled, reconnecting with exponential backoff and replaying the
// subscription on each reconnect.
func (l *Live) SubscribeMarketData(ctx context.Context, assets []string, cb TickCallback) error {
	if l.cfg.FeedURL == "" {
		return fmt.Errorf("live feed url is not configured")
	}

	l.mu.Lock()
	if l.subCancel != nil {
		l.subCancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	l.subCancel = cancel
	l.mu.Unlock()

	go l.feedLoop(subCtx, assets, cb)
	l.log.Info().Strs("assets", assets).Str("url", l.cfg.FeedURL).Msg("Live market data subscription started")
	return nil
}

// feedLoop owns the connect / read / reconnect cycle.
func (l *Live) feedLoop(ctx context.Context, assets []string, cb TickCallback) {
	delay := baseReconnectDelay
	for ctx.Err() == nil {
		err := l.connectAndRead(ctx, assets, cb)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn().Err(err).Dur("retry_in", delay).Msg("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// connectAndRead runs one connection lifetime: dial, subscribe, read ticks.
func (l *Live) connectAndRead(ctx context.Context, assets []string, cb TickCallback) error {
	dialCtx, cancel := context.WithTimeout(ctx, liveDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.cfg.FeedURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, subscribeFrame{
		Op:     "subscribe",
		Assets: assets,
		APIKey: l.cfg.APIKey,
	}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		var tick liveTick
		if err := json.Unmarshal(data, &tick); err != nil {
			l.log.Warn().Err(err).Msg("Skipping unparseable feed frame")
			continue
		}
		if tick.Asset == "" || tick.Bid <= 0 || tick.Ask <= 0 || tick.Bid > tick.Ask {
			continue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = time.Now().UTC()
		}
		cb(domain.MarketSnapshot{
			Asset:     tick.Asset,
			Bid:       tick.Bid,
			Ask:       tick.Ask,
			Timestamp: tick.Timestamp,
		})
	}
}

// markRateLimited records a venue back-off window.
func (l *Live) markRateLimited(hold time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rateLimitedTill = time.Now().Add(hold)
}

// PlaceOrder fails until a venue is wired in.
func (l *Live) PlaceOrder(context.Context, OrderRequest) (*OrderAck, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// CancelOrder fails until a venue is wired in.
func (l *Live) CancelOrder(context.Context, string) (*CancelResult, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// GetOrderStatus fails until a venue is wired in.
func (l *Live) GetOrderStatus(context.Context, string) (*OrderStatusInfo, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// GetAccountBalance fails until a venue is wired in.
func (l *Live) GetAccountBalance(context.Context) (*Balance, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// GetOpenPositions fails until a venue is wired in.
func (l *Live) GetOpenPositions(context.Context) ([]ExchangePosition, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// GetTradeHistory fails until a venue is wired in.
func (l *Live) GetTradeHistory(context.Context, time.Time) ([]ExchangeTrade, error) {
	return nil, ErrLiveOrdersNotConfigured
}

// IsRateLimited reports whether the venue back-off window is open.
func (l *Live) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.rateLimitedTill)
}

// RateLimitResumesAt returns when the back-off window closes.
func (l *Live) RateLimitResumesAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rateLimitedTill
}
