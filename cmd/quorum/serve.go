package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/definition"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/internal/transport"
	"github.com/pitabwire/quorum/internal/workflow"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP approval service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Load configuration.
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return withCode(exitConfig, fmt.Errorf("logger error: %w", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "quorum", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Wire stores, catalog, engine, and inventory.
	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	// Step 4: Build HTTP router.
	var tokens *transport.TokenVerifier
	if cfg.Server.Identity.Mode == "jwt" {
		if tokens, err = transport.NewTokenVerifier(cfg.Server.Identity); err != nil {
			return withCode(exitConfig, err)
		}
		logger.Info("identifying callers from bearer tokens", zap.String("issuer", cfg.Server.Identity.Issuer))
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Approvals:   a.engine,
		Inventory:   a.inventory,
		Idempotency: a.idempotency,
		Readiness:   a.readiness,
		Tokens:      tokens,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 5: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Workflow.EscalationInterval > 0 {
		go runEscalationSweep(bgCtx, a.engine, cfg.Workflow.EscalationInterval, cfg.Workflow.OverdueBatchSize, logger)
	}
	if a.registry != nil {
		go watchCatalogReload(bgCtx, a.registry, cfg.Catalog.Directories, logger)
	}

	// Step 6: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("catalog", cfg.Catalog.Source),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	a.Close()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// runEscalationSweep periodically escalates overdue pending steps.
func runEscalationSweep(ctx context.Context, engine *workflow.Engine, interval time.Duration, batch int, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.EscalateOverdue(ctx, batch)
			if err != nil {
				logger.Error("overdue escalation failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("overdue steps escalated", zap.Int("count", n))
			}
		}
	}
}

// watchCatalogReload reloads the YAML catalog on SIGHUP. A failed reload
// keeps the current catalog.
func watchCatalogReload(ctx context.Context, registry *definition.Registry, directories []string, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	loader, validator := definition.NewLoader(), definition.NewValidator()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := registry.Reload(loader, validator, directories); err != nil {
				logger.Error("catalog reload failed, keeping current catalog", zap.Error(err))
				continue
			}
			logger.Info("catalog reloaded", zap.String("checksum", registry.Checksum()))
		}
	}
}
