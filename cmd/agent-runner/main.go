// Package main is the entry point for the Crypton Agent Runner: the
// autonomous learning loop that drives five LLM agents (evaluator, planner,
// researcher, analyst, synthesizer) through research cycles and publishes
// strategy documents for the Execution Service to trade.
package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crypton-sys/crypton/internal/backup"
	"github.com/crypton-sys/crypton/internal/events"
	"github.com/crypton-sys/crypton/internal/runner/artifacts"
	"github.com/crypton-sys/crypton/internal/runner/config"
	"github.com/crypton-sys/crypton/internal/runner/contextbuilder"
	"github.com/crypton-sys/crypton/internal/runner/controller"
	"github.com/crypton-sys/crypton/internal/runner/invoker"
	"github.com/crypton-sys/crypton/internal/runner/llm"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/metrics"
	"github.com/crypton-sys/crypton/internal/runner/server"
	"github.com/crypton-sys/crypton/internal/runner/statemachine"
	"github.com/crypton-sys/crypton/internal/runner/tools"
	"github.com/crypton-sys/crypton/internal/scheduler"
	"github.com/crypton-sys/crypton/internal/stream"
	"github.com/crypton-sys/crypton/internal/version"
	"github.com/crypton-sys/crypton/pkg/logger"
	"github.com/rs/zerolog"
)

// statusHeartbeat paces StatusUpdate pushes on the websocket hub.
const statusHeartbeat = 2 * time.Second

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

	log.Info().Str("version", version.Version).Msg("Starting Crypton Agent Runner")

	bus := events.NewBus(log)
	em := events.NewManager(bus, log)

	// State machine restores the persisted step (or a safe fallback for
	// mid-step crashes) before anything else starts.
	machine := statemachine.New(filepath.Join(cfg.DataDir, "state", "runner.json"), em, log)
	if err := machine.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load state machine")
	}

	store, err := artifacts.New(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize artifact store")
	}

	mailboxes, err := mailbox.New(filepath.Join(cfg.DataDir, "mailboxes"), cfg.MailboxCapacity, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize mailboxes")
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		Artifacts: store,
		CurrentCycleID: func() string {
			if rec := machine.CycleSnapshot(); rec != nil {
				return rec.CycleID
			}
			return machine.LastCycleID()
		},
		MarketCachePath: cfg.MarketCachePath,
		AllowedHosts:    cfg.HTTPAllowedHosts,
		HTTPTimeout:     cfg.ToolTimeout,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register built-in tools")
	}

	executor := tools.NewExecutor(registry, em, log, tools.ExecutorConfig{
		MaxConcurrent:  int64(cfg.MaxConcurrentTools),
		DefaultTimeout: cfg.ToolTimeout,
		FailThreshold:  cfg.BreakerFailThreshold,
		ResetAfter:     cfg.BreakerResetAfter,
		ProbeSuccesses: cfg.BreakerProbeSuccess,
	})

	client, err := buildLLMClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LLM client")
	}

	hub := stream.NewHub(log, stream.ChannelStatusUpdate, stream.ChannelEventLog)

	inv := invoker.New(client, executor, nil, cfg.MaxIterations, log)
	builder := contextbuilder.New(store, mailboxes, registry, log)

	ctrl := controller.New(machine, store, mailboxes, builder, inv, em, controller.Config{
		CycleInterval:       cfg.CycleInterval,
		StepTimeout:         cfg.StepTimeout,
		CycleMaxDuration:    cfg.CycleMaxDuration,
		MaxRetries:          cfg.MaxRetries,
		MaxBackoff:          cfg.MaxBackoff,
		StrategyPublishPath: cfg.StrategyPublishPath,
		ModelFor:            cfg.ModelFor,
	}, log)

	collector := metrics.NewCollector(log)
	collector.Attach(bus)

	srv := server.New(server.Deps{
		Machine:    machine,
		Controller: ctrl,
		Artifacts:  store,
		Mailboxes:  mailboxes,
		Metrics:    collector,
		Stream:     hub,
	}, cfg.Port, cfg.APIToken, cfg.DevMode, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every bus event is mirrored onto the EventLog websocket channel.
	go pumpEvents(ctx, bus, hub)
	go pumpStatus(ctx, machine, ctrl, hub)

	if cfg.BackupBucket != "" {
		if err := startBackups(ctx, cfg, log); err != nil {
			log.Error().Err(err).Msg("Backups disabled: initialization failed")
		}
	}

	go ctrl.Run(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Agent Runner stopped")
}

// buildLLMClient assembles the streaming chat client. When per-agent base
// URL overrides are configured, a routing client holds one connection per
// distinct endpoint and picks by the request's model identifier; otherwise a
// single client serves every agent.
func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	def, err := llm.NewOpenAIClient(llm.Options{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.AgentBaseURL) == 0 {
		return def, nil
	}

	router := &routingClient{def: def, byModel: make(map[string]llm.Client)}
	byURL := map[string]llm.Client{cfg.LLMBaseURL: def}
	for agent, baseURL := range cfg.AgentBaseURL {
		client, ok := byURL[baseURL]
		if !ok {
			client, err = llm.NewOpenAIClient(llm.Options{
				BaseURL: baseURL,
				APIKey:  cfg.LLMAPIKey,
				Model:   cfg.LLMModel,
			})
			if err != nil {
				return nil, err
			}
			byURL[baseURL] = client
		}
		router.byModel[cfg.ModelFor(agent)] = client
	}
	return router, nil
}

// routingClient dispatches requests to per-endpoint clients keyed by model
// identifier. Agents with distinct endpoints are configured with distinct
// models, so the model on the request is enough to pick the endpoint.
type routingClient struct {
	def     llm.Client
	byModel map[string]llm.Client
}

func (r *routingClient) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	if client, ok := r.byModel[req.Model]; ok {
		return client.Stream(ctx, req)
	}
	return r.def.Stream(ctx, req)
}

// pumpEvents forwards every bus event to websocket subscribers.
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
		}
	}
}

// pumpStatus pushes a loop status heartbeat to websocket subscribers.
func pumpStatus(ctx context.Context, machine *statemachine.Machine, ctrl *controller.Controller, hub *stream.Hub) {
	ticker := time.NewTicker(statusHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Publish(stream.ChannelStatusUpdate, map[string]interface{}{
				"state":         machine.State(),
				"last_cycle_id": machine.LastCycleID(),
				"last_error":    ctrl.LastError(),
			})
		}
	}
}

// startBackups wires the S3 archive service onto the cron scheduler.
func startBackups(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	client, err := backup.NewClient(ctx, backup.ClientConfig{
		Endpoint:        cfg.BackupEndpoint,
		Region:          cfg.BackupRegion,
		AccessKeyID:     cfg.BackupAccessKeyID,
		SecretAccessKey: cfg.BackupSecretAccessKey,
		Bucket:          cfg.BackupBucket,
	}, log)
	if err != nil {
		return err
	}

	svc := backup.NewArchiveService(client, cfg.DataDir, filepath.Join(cfg.DataDir, "backup-staging"), log)
	sched := scheduler.New(log)
	if err := sched.AddFunc(cfg.BackupSchedule, "artifact_backup", func() error {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := svc.CreateAndUploadBackup(jobCtx); err != nil {
			return err
		}
		return svc.RotateOldBackups(jobCtx, cfg.BackupRetentionDays)
	}); err != nil {
		return err
	}
	sched.Start()

	go func() {
		<-ctx.Done()
		sched.Stop()
	}()
	return nil
}
