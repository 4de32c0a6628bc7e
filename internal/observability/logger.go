package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line and reported by /health.
const ServiceName = "city-weather-service"

func NewLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = parseLogLevel(os.Getenv("LOG_LEVEL"))
	config.InitialFields = map[string]interface{}{"service": ServiceName}

	return config.Build()
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// FlushTelemetry flushes telemetry buffers before process exit.
// Metrics are pull-based, so this only syncs the logger.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger != nil {
		if err := logger.Sync(); err != nil {
			return fmt.Errorf("flush logs: %w", err)
		}
	}
	return nil
}
