package observ

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "not-a-level")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be disabled when the level cannot be parsed")
	}
	if !logger.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be enabled")
	}
}

func TestNewLogger_Production(t *testing.T) {
	logger, err := NewLogger("production", "warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
}

func TestInitTracing_DisabledWithoutExporter(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{ServiceName: "officina"}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shutdown(context.Background())
}

func TestInitTracing_RequiresServiceName(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{ExporterURL: "localhost:4318"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for empty service name")
	}
}
