package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (optional: rate limiting, idempotent replays, shared pacing)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email delivery
	EmailProvider string // "resend" or "ses"
	ResendAPIKey  string
	ResendBaseURL string
	EmailFrom     string
	EmailFromName string

	// AWS services
	AWSRegion     string
	SQSQueueURL   string // queue nudges; empty disables
	SNSAlertTopic string // permanent delivery failures; empty disables
	SNSRegion     string
	SESRegion     string

	// Email queue processor
	EmailQueueBatchSize    int
	EmailQueueRetryDelay   time.Duration
	EmailQueueSendInterval time.Duration // minimum gap between two provider calls
	EmailQueuePollInterval time.Duration // 0 disables the in-process scheduler
	EmailQueueSendingLease time.Duration // a row stuck in sending longer than this is reclaimed

	// WhatsApp Business (Meta Graph API)
	WhatsAppGraphURL      string
	WhatsAppPipeline      string // business unit whose account sends event notifications
	WhatsAppLanguage      string
	WhatsAppDefaultRegion string

	// Tracing
	OTelExporterURL string
	OTelServiceName string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "officina",
		DBName:    "officina",
		DBSSLMode: "disable",

		RedisPort: 6379,

		EmailProvider: "resend",
		ResendBaseURL: "https://api.resend.com",
		EmailFrom:     "noreply@officina.local",
		EmailFromName: "Officina",

		AWSRegion: "eu-south-1",

		EmailQueueBatchSize:    10,
		EmailQueueRetryDelay:   5 * time.Minute,
		EmailQueueSendInterval: time.Second,
		EmailQueueSendingLease: 10 * time.Minute,

		WhatsAppGraphURL:      "https://graph.facebook.com/v21.0",
		WhatsAppPipeline:      "Zapper",
		WhatsAppLanguage:      "it",
		WhatsAppDefaultRegion: "IT",

		OTelServiceName: "officina",
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	cfg.RedisHost = os.Getenv("REDIS_HOST")
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Email delivery
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}
	if cfg.EmailProvider != "resend" && cfg.EmailProvider != "ses" {
		return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q (want resend or ses)", cfg.EmailProvider)
	}
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	if url := os.Getenv("RESEND_BASE_URL"); url != "" {
		cfg.ResendBaseURL = url
	}
	if from := os.Getenv("EMAIL_FROM"); from != "" {
		cfg.EmailFrom = from
	}
	if name := os.Getenv("EMAIL_FROM_NAME"); name != "" {
		cfg.EmailFromName = name
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SNSAlertTopic = os.Getenv("SNS_ALERT_TOPIC_ARN")
	cfg.SNSRegion = cfg.AWSRegion
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}
	cfg.SESRegion = cfg.AWSRegion
	if region := os.Getenv("SES_REGION"); region != "" {
		cfg.SESRegion = region
	}

	// Email queue processor
	if cfg.EmailQueueBatchSize, err = intEnv("EMAIL_QUEUE_BATCH_SIZE", cfg.EmailQueueBatchSize); err != nil {
		return nil, err
	}
	if cfg.EmailQueueRetryDelay, err = durationEnv("EMAIL_QUEUE_RETRY_DELAY", cfg.EmailQueueRetryDelay); err != nil {
		return nil, err
	}
	if cfg.EmailQueueSendInterval, err = durationEnv("EMAIL_QUEUE_SEND_INTERVAL", cfg.EmailQueueSendInterval); err != nil {
		return nil, err
	}
	if cfg.EmailQueuePollInterval, err = durationEnv("EMAIL_QUEUE_POLL_INTERVAL", cfg.EmailQueuePollInterval); err != nil {
		return nil, err
	}
	if cfg.EmailQueueSendingLease, err = durationEnv("EMAIL_QUEUE_SENDING_LEASE", cfg.EmailQueueSendingLease); err != nil {
		return nil, err
	}

	// WhatsApp
	if url := os.Getenv("WHATSAPP_GRAPH_URL"); url != "" {
		cfg.WhatsAppGraphURL = url
	}
	if pipeline := os.Getenv("WHATSAPP_PIPELINE"); pipeline != "" {
		cfg.WhatsAppPipeline = pipeline
	}
	if lang := os.Getenv("WHATSAPP_TEMPLATE_LANGUAGE"); lang != "" {
		cfg.WhatsAppLanguage = lang
	}
	if region := os.Getenv("WHATSAPP_DEFAULT_REGION"); region != "" {
		cfg.WhatsAppDefaultRegion = region
	}

	// Tracing
	cfg.OTelExporterURL = os.Getenv("OTEL_EXPORTER_URL")
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.OTelServiceName = name
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
