package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/db"
	"github.com/kubilitics/kubilitics-rca/internal/logging"
	"github.com/kubilitics/kubilitics-rca/internal/queue"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/oracle"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
	"github.com/kubilitics/kubilitics-rca/internal/server"
	"github.com/kubilitics/kubilitics-rca/internal/tools"
	"github.com/kubilitics/kubilitics-rca/internal/tracing"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	auditLog, err := audit.NewLogger(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer auditLog.Close()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := openQueue(ctx, cfg.Queue, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	catalog := tools.DefaultCatalog()
	if cfg.Tools.CatalogPath != "" {
		if catalog, err = tools.LoadCatalog(cfg.Tools.CatalogPath); err != nil {
			return err
		}
	}
	prompts, err := prompt.NewManager(catalog.PromptCapabilities())
	if err != nil {
		return err
	}
	anthropic, err := oracle.NewAnthropic(cfg.LLM, prompts, cfg.Engine.MaxRounds, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Deps{
		Store:   store,
		Queue:   q,
		Oracle:  anthropic,
		Tools:   tools.NewMCPInvoker(catalog, cfg.Tools.Gateways, cfg.Tools.ClientName, nil, logger),
		Catalog: catalog,
		Audit:   auditLog,
		Logger:  logger,
	}, engine.OptionsFromConfig(cfg.Engine))
	if err != nil {
		return err
	}

	worker := engine.NewWorker(eng, q, cfg.Engine.Workers, logger)
	srv := server.New(cfg.Server, eng, store, logger)

	logger.Info("starting kubilitics-rca",
		zap.String("version", version),
		zap.String("database", cfg.Database.Driver),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("workers", cfg.Engine.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if _, statErr := os.Stat(configPath); statErr == nil {
		updates := mgr.Watch(gctx)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case c := <-updates:
					eng.SetLimits(engine.Limits{
						MaxRounds:       c.Engine.MaxRounds,
						MaxDuration:     c.Engine.MaxDuration,
						MaxTaskAttempts: c.Engine.MaxTaskAttempts,
					})
					anthropic.SetMaxRounds(c.Engine.MaxRounds)
					logger.Info("engine limits reloaded",
						zap.Int("max_rounds", c.Engine.MaxRounds),
						zap.Duration("max_duration", c.Engine.MaxDuration),
						zap.Int("max_task_attempts", c.Engine.MaxTaskAttempts))
				}
			}
		})
	}

	err = g.Wait()
	logger.Info("kubilitics-rca stopped", zap.Error(err))
	return err
}

func openQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("using in-process queue; envelopes are lost on restart")
		return queue.NewMemory(queue.WithMaxDeliver(cfg.MaxDeliver)), nil
	case "jetstream":
		return queue.NewJetStream(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
