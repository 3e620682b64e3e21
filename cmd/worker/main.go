// Command worker drains the email queue whenever a nudge arrives on SQS,
// falling back to a fixed poll when no queue is configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/app"
	"github.com/lalithlochan/officina/internal/config"
	"github.com/lalithlochan/officina/internal/observ"
	"github.com/lalithlochan/officina/internal/sqs"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.InitTracing(ctx, observ.TracingConfig{
		ServiceName: cfg.OTelServiceName + "-worker",
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

	poll := cfg.EmailQueuePollInterval
	if poll <= 0 {
		poll = time.Minute
	}

	if a.SQSClient == nil {
		logger.Info("no nudge queue configured, polling only", zap.Duration("interval", poll))
		a.Processor.Start(ctx, poll)
		return nil
	}

	// the poll still runs to pick up retries whose delay has elapsed
	go a.Processor.Start(ctx, poll)

	consumer := sqs.NewConsumer(a.SQSClient, cfg.SQSQueueURL, logger)
	logger.Info("worker consuming queue nudges", zap.String("queue_url", cfg.SQSQueueURL))

	return consumer.Run(ctx, 30*time.Second, func(ctx context.Context, batch []sqs.Delivery) error {
		summary, err := a.Processor.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("nudged queue run finished",
			zap.Int("nudges", len(batch)),
			zap.Int("processed", summary.Processed),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
		)
		return nil
	})
}
