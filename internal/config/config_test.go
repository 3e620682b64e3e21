package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "EMAIL_PROVIDER", "EMAIL_QUEUE_RETRY_DELAY", "EMAIL_QUEUE_SENDING_LEASE", "WHATSAPP_PIPELINE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.EmailProvider != "resend" {
		t.Errorf("expected provider 'resend', got %s", cfg.EmailProvider)
	}
	if cfg.EmailQueueBatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.EmailQueueBatchSize)
	}
	if cfg.EmailQueueRetryDelay != 5*time.Minute {
		t.Errorf("expected retry delay 5m, got %v", cfg.EmailQueueRetryDelay)
	}
	if cfg.EmailQueueSendingLease != 10*time.Minute {
		t.Errorf("expected sending lease 10m, got %v", cfg.EmailQueueSendingLease)
	}
	if cfg.WhatsAppPipeline != "Zapper" {
		t.Errorf("expected pipeline 'Zapper', got %s", cfg.WhatsAppPipeline)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("EMAIL_PROVIDER", "ses")
	t.Setenv("EMAIL_QUEUE_RETRY_DELAY", "90s")
	t.Setenv("EMAIL_QUEUE_POLL_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.EmailProvider != "ses" {
		t.Errorf("expected provider 'ses', got %s", cfg.EmailProvider)
	}
	if cfg.EmailQueueRetryDelay != 90*time.Second {
		t.Errorf("expected retry delay 90s, got %v", cfg.EmailQueueRetryDelay)
	}
	if cfg.EmailQueuePollInterval != time.Minute {
		t.Errorf("expected poll interval 1m, got %v", cfg.EmailQueuePollInterval)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "eighty"},
		{"EMAIL_PROVIDER", "mailchimp"},
		{"EMAIL_QUEUE_SEND_INTERVAL", "soon"},
		{"EMAIL_QUEUE_SENDING_LEASE", "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
