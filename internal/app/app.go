// Package app wires the shared components used by the gateway and the worker.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/automation"
	"github.com/lalithlochan/officina/internal/circuitbreaker"
	"github.com/lalithlochan/officina/internal/config"
	"github.com/lalithlochan/officina/internal/db"
	"github.com/lalithlochan/officina/internal/emailqueue"
	"github.com/lalithlochan/officina/internal/mailer"
	"github.com/lalithlochan/officina/internal/metrics"
	"github.com/lalithlochan/officina/internal/notify"
	"github.com/lalithlochan/officina/internal/ratelimit"
	"github.com/lalithlochan/officina/internal/redis"
	"github.com/lalithlochan/officina/internal/retry"
	"github.com/lalithlochan/officina/internal/sns"
	"github.com/lalithlochan/officina/internal/sqs"
	"github.com/lalithlochan/officina/internal/whatsapp"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *db.DB
	Repo  *db.Repository
	Redis *redis.Client // nil without REDIS_HOST

	Breakers    []*circuitbreaker.CircuitBreaker
	Processor   *emailqueue.Processor
	Enroller    *automation.Enroller
	Dispatcher  *notify.Dispatcher
	Nudges      *sqs.Producer // nil without SQS_QUEUE_URL
	SQSClient   sqs.API       // nil without SQS_QUEUE_URL
	Idempotency *redis.IdempotencyService
	RateLimiter *redis.RateLimiter
}

// Build connects to the backing services and assembles the pipeline.
// Optional services that fail to initialize are logged and left out.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = database
	a.Repo = db.NewRepository(database, logger)

	if cfg.RedisHost != "" {
		client, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting and idempotent replays disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			a.Redis = client
			a.Idempotency = redis.NewIdempotencyService(client, logger)
			a.RateLimiter = redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
				Limit:  100,
				Window: time.Minute,
			})
		}
	}

	hook := circuitbreaker.WithStateChangeHook(func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	})

	baseMailer, err := newMailer(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	mailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.EmailProvider), logger, hook)
	waBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), logger, hook)
	a.Breakers = []*circuitbreaker.CircuitBreaker{mailBreaker, waBreaker}

	var alerter emailqueue.Alerter
	if cfg.SNSAlertTopic != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSRegion, cfg.SNSAlertTopic, logger)
		if err != nil {
			logger.Warn("sns alerts unavailable", zap.Error(err))
		} else {
			alerter = publisher
		}
	}

	a.Processor = emailqueue.New(
		a.Repo,
		circuitbreaker.NewProtectedMailer(baseMailer, mailBreaker, logger),
		a.newPacer(),
		alerter,
		emailqueue.Config{
			BatchSize:  cfg.EmailQueueBatchSize,
			RetryDelay: cfg.EmailQueueRetryDelay,
			Lease:      cfg.EmailQueueSendingLease,
		},
		logger,
	)

	a.Enroller = automation.NewEnroller(a.Repo, logger)

	var nudger notify.Nudger
	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Warn("sqs unavailable, queue nudges disabled", zap.Error(err))
		} else {
			a.SQSClient = client
			a.Nudges = sqs.NewProducer(client, cfg.SQSQueueURL, logger)
			nudger = a.Nudges
		}
	}

	renderer, err := notify.NewRenderer()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to parse notification templates: %w", err)
	}
	wa := whatsapp.NewClient(whatsapp.Config{
		GraphURL:      cfg.WhatsAppGraphURL,
		Language:      cfg.WhatsAppLanguage,
		DefaultRegion: cfg.WhatsAppDefaultRegion,
		Retry:         retry.DefaultPolicy(),
	}, waBreaker, a.Repo, logger)
	a.Dispatcher = notify.NewDispatcher(a.Repo, wa, nudger, renderer, notify.Config{
		Pipeline:  cfg.WhatsAppPipeline,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, logger)

	return a, nil
}

func newMailer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (mailer.Mailer, error) {
	switch cfg.EmailProvider {
	case "ses":
		m, err := mailer.NewSESMailer(ctx, mailer.SESConfig{Region: cfg.SESRegion}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES mailer: %w", err)
		}
		return m, nil
	default:
		if cfg.ResendAPIKey == "" && cfg.Env == "development" {
			logger.Warn("RESEND_API_KEY not set, emails will only be logged")
			return mailer.NewLogMailer(logger), nil
		}
		m, err := mailer.NewResendMailer(mailer.ResendConfig{
			APIKey:  cfg.ResendAPIKey,
			BaseURL: cfg.ResendBaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Resend mailer: %w", err)
		}
		return m, nil
	}
}

// newPacer shares the send budget through Redis when several processes run.
func (a *App) newPacer() ratelimit.Pacer {
	interval := a.Config.EmailQueueSendInterval
	if a.Redis == nil || interval <= 0 {
		return ratelimit.NewTokenBucket(interval, 1)
	}
	limiter := redis.NewRateLimiter(a.Redis, a.Logger, redis.RateLimitConfig{Limit: 1, Window: interval})
	return ratelimit.NewRedisPacer(limiter, "email-provider:"+a.Config.EmailProvider, interval/4, a.Logger)
}

// ReportPoolStats refreshes the connection gauges until ctx is done.
func (a *App) ReportPoolStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(a.DB.Pool().Stat().AcquiredConns()))
			if a.Redis != nil {
				metrics.SetRedisConnections(a.Redis.TotalConns())
			}
		}
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
