package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/procoderhappy/ai-risk-management/internal/api"
	"github.com/procoderhappy/ai-risk-management/internal/bus"
	"github.com/procoderhappy/ai-risk-management/internal/cache"
	"github.com/procoderhappy/ai-risk-management/internal/config"
	"github.com/procoderhappy/ai-risk-management/internal/engine"
	"github.com/procoderhappy/ai-risk-management/internal/metrics"
	"github.com/procoderhappy/ai-risk-management/internal/repository"
	"github.com/procoderhappy/ai-risk-management/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RISK_CONFIG"), "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting riskd",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_projection", cfg.Engine.AsyncProjection,
	)

	shutdownTracing, err := telemetry.Init(cfg.Tracing, Version, os.Stderr)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	deps := engine.Deps{
		ResultTTL: cfg.Cache.ResultTTL,
		Logger:    logger,
	}

	if cfg.Repository.Driver != "none" {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		defer repo.Close()
		deps.Repository = repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheImpl.Close()
	deps.Cache = cacheImpl
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer busImpl.Close()
	deps.Bus = busImpl
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	deps.Metrics = m

	eng, err := engine.New(ctx, cfg.Engine, deps)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("failed to close engine", "error", err)
		}
	}()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("engine initialized",
		"rule_version", eng.RuleSet().Version(),
		"rules", eng.RuleSet().Len(),
		"risk_types", eng.RiskTypes(),
	)

	srv := api.NewServer(cfg.Server, eng, m, logger, Version)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("riskd is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("riskd shutdown complete")
	return nil
}
