// Package main is the entry point for the Crypton Execution Service: the
// always-on trading engine that watches for strategy documents published by
// the Agent Runner, evaluates them tick by tick against live or simulated
// market data, and routes orders through the active exchange adapter.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/execution/adapters"
	"github.com/crypton-sys/crypton/internal/execution/config"
	"github.com/crypton-sys/crypton/internal/execution/engine"
	"github.com/crypton-sys/crypton/internal/execution/eventlog"
	"github.com/crypton-sys/crypton/internal/execution/marketdata"
	"github.com/crypton-sys/crypton/internal/execution/metrics"
	"github.com/crypton-sys/crypton/internal/execution/mode"
	"github.com/crypton-sys/crypton/internal/execution/orders"
	"github.com/crypton-sys/crypton/internal/execution/positions"
	"github.com/crypton-sys/crypton/internal/execution/resilience"
	"github.com/crypton-sys/crypton/internal/execution/risk"
	"github.com/crypton-sys/crypton/internal/execution/server"
	"github.com/crypton-sys/crypton/internal/execution/strategy"
	"github.com/crypton-sys/crypton/internal/scheduler"
	"github.com/crypton-sys/crypton/internal/stream"
	"github.com/crypton-sys/crypton/internal/version"
	"github.com/crypton-sys/crypton/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	statusHeartbeat = 2 * time.Second

	// candleRetention bounds the 1-minute candle history kept in SQLite.
	candleRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("version", version.Version).Msg("Starting Crypton Execution Service")

	if err := os.MkdirAll(cfg.StatePath(""), 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create state directory")
	}

	bus := events.NewBus(log)
	em := events.NewManager(bus, log)

	// Adapters and the mode manager. The persisted operation mode decides
	// which adapter every order and market-data call resolves to.
	paper := adapters.NewPaper(adapters.PaperConfig{
		StartingCapitalUsd: cfg.PaperStartingCapitalUsd,
		SlippagePct:        cfg.PaperSlippagePct,
		CommissionRate:     cfg.PaperCommissionRate,
		TickInterval:       cfg.PaperTickInterval,
	}, log)
	live := adapters.NewLive(adapters.LiveConfig{
		FeedURL: cfg.LiveFeedURL,
		APIKey:  cfg.LiveAPIKey,
	}, log)
	modeMgr := mode.New(cfg.StatePath("operation_mode.json"), paper, live, em, log)

	// Event log failing to open is a startup failure: an execution service
	// that cannot journal its actions must not trade.
	eventLog, err := eventlog.New(cfg.LogsDir(), version.Version, func() string {
		return string(modeMgr.Current())
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event log")
	}
	eventLog.Attach(bus)

	safeMode := resilience.NewSafeMode(cfg.StatePath("safe_mode.json"), em, log)
	failures := resilience.NewFailureTracker(cfg.StatePath("failure_count.json"), safeMode, log)

	registry := positions.New(cfg.StatePath("positions.json"), cfg.StatePath("trades.json"), em, log)
	if err := registry.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load position registry")
	}

	candles, err := marketdata.NewCandleStore(cfg.StatePath("candles.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open candle store")
	}
	defer candles.Close()

	indicators := marketdata.NewEngine(candles)
	hub := marketdata.NewHub(modeMgr.Adapter, candles, indicators, cfg.StatePath("market_cache.bin"), log)

	router := orders.NewRouter(modeMgr.Adapter, registry, failures, em, log)
	sizer := orders.NewSizer(cfg.LotIncrement, cfg.MinLot)
	enforcer := risk.New(safeMode, em, log)
	collector := metrics.NewCollector(log)

	// The strategy service and the engine reference each other: the service
	// notifies the engine on every swap, the engine reads the current
	// strategy on every tick. The closure breaks the construction cycle.
	var eng *engine.Engine
	strategies := strategy.NewService(cfg.StrategyWatchPath, func(next *strategy.CompiledStrategy) {
		eng.HandleSwap(next)
	}, em, log)

	eng = engine.New(engine.Config{
		Strategies:  strategies,
		Hub:         hub,
		Registry:    registry,
		Router:      router,
		Sizer:       sizer,
		Risk:        enforcer,
		Adapter:     modeMgr.Adapter,
		SafeMode:    safeMode.Active,
		Events:      em,
		Metrics:     collector,
		TriggerMode: engine.TriggerMode(cfg.TriggerMode),
	}, log)
	safeMode.SetCloser(eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	// Reconcile local state against the exchange before the first tick can
	// dispatch anything. Safe mode skips this inside Run.
	reconciler := resilience.NewReconciler(modeMgr.Adapter(), registry, safeMode, em, log)
	if err := reconciler.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
	}

	go strategies.Run(ctx)

	dms := resilience.NewDeadMansSwitch(hub, safeMode, cfg.DMSTimeout, log)
	go dms.Run(ctx)

	sched := scheduler.New(log)
	scheduleJobs(sched, enforcer, candles, log)
	sched.Start()

	wsHub := stream.NewHub(log,
		stream.ChannelStatusUpdate,
		stream.ChannelMetricsUpdate,
		stream.ChannelEventLog,
		stream.ChannelPositionUpdate,
	)
	go pumpEvents(ctx, bus, wsHub)
	go pumpStatus(ctx, wsHub, statusSource{modeMgr, strategies, safeMode, registry, enforcer})
	go pumpMetrics(ctx, wsHub, collector, eng, registry, cfg.MetricsInterval)

	srv := server.New(server.Deps{
		Strategies: strategies,
		Registry:   registry,
		Router:     router,
		Engine:     eng,
		Risk:       enforcer,
		SafeMode:   safeMode,
		Failures:   failures,
		Mode:       modeMgr,
		EventLog:   eventLog,
		Metrics:    collector,
		Stream:     wsHub,
	}, cfg.Port, cfg.APIToken, cfg.DevMode, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	sched.Stop()
	hub.Stop() // persists the warm-up market cache

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	eventLog.Close()

	log.Info().Msg("Execution Service stopped")
}

// scheduleJobs registers the recurring maintenance work: the UTC-midnight
// daily-loss window reset and candle history pruning.
func scheduleJobs(sched *scheduler.Scheduler, enforcer *risk.Enforcer, candles *marketdata.CandleStore, log zerolog.Logger) {
	if err := sched.AddFunc("0 0 0 * * *", "daily_loss_reset", func() error {
		enforcer.ResetDailyLoss()
		return nil
	}); err != nil {
		log.Error().Err(err).Msg("Failed to schedule daily loss reset")
	}
	if err := sched.AddFunc("0 30 0 * * *", "candle_prune", func() error {
		_, err := candles.Prune(time.Now().UTC().Add(-candleRetention))
		return err
	}); err != nil {
		log.Error().Err(err).Msg("Failed to schedule candle pruning")
	}
}

// pumpEvents mirrors bus events onto the EventLog websocket channel, and
// position events additionally onto PositionUpdate.
func pumpEvents(ctx context.Context, bus *events.Bus, hub *stream.Hub) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			hub.Publish(stream.ChannelEventLog, ev)
			switch ev.Type {
			case events.PositionOpened, events.PositionClosed, events.PositionUpdated:
				hub.Publish(stream.ChannelPositionUpdate, ev)
			}
		}
	}
}

type statusSource struct {
	mode       *mode.Manager
	strategies *strategy.Service
	safeMode   *resilience.SafeMode
	registry   *positions.Registry
	risk       *risk.Enforcer
}

func pumpStatus(ctx context.Context, hub *stream.Hub, src statusSource) {
	ticker := time.NewTicker(statusHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Publish(stream.ChannelStatusUpdate, map[string]interface{}{
				"mode":           src.mode.Current(),
				"strategy_state": src.strategies.State(),
				"safe_mode":      src.safeMode.Active(),
				"open_positions": len(src.registry.OpenPositions()),
				"risk":           src.risk.Snapshot(),
			})
		}
	}
}

func pumpMetrics(ctx context.Context, hub *stream.Hub, collector *metrics.Collector, eng *engine.Engine, registry *positions.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var wins, losses int
			var realized float64
			for _, tr := range registry.ClosedTrades() {
				realized += tr.RealizedPnl
				if tr.RealizedPnl >= 0 {
					wins++
				} else {
					losses++
				}
			}
			hub.Publish(stream.ChannelMetricsUpdate, collector.Assemble(metrics.EngineStats{
				TickCount:    eng.TickCount(),
				LastEvalTime: eng.LastEvalDuration(),
			}, wins, losses, realized))
		}
	}
}
