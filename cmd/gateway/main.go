package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/api"
	"github.com/lalithlochan/officina/internal/app"
	"github.com/lalithlochan/officina/internal/config"
	"github.com/lalithlochan/officina/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting officina gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.InitTracing(ctx, observ.TracingConfig{
		ServiceName: cfg.OTelServiceName,
		ExporterURL: cfg.OTelExporterURL,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.ReportPoolStats(ctx, 15*time.Second)

	if cfg.EmailQueuePollInterval > 0 {
		go a.Processor.Start(ctx, cfg.EmailQueuePollInterval)
		logger.Info("email queue scheduler started", zap.Duration("interval", cfg.EmailQueuePollInterval))
	}

	routerCfg := api.RouterConfig{
		Handler:  api.NewHandler(logger, a.Processor, a.Enroller, a.Dispatcher),
		Logger:   logger,
		Database: a.DB,
		Breakers: a.Breakers,
	}
	// assigned only when present so the interfaces stay nil otherwise
	if a.RateLimiter != nil {
		routerCfg.RateLimiter = a.RateLimiter
	}
	if a.Idempotency != nil {
		routerCfg.Idempotency = a.Idempotency
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
