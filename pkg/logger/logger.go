// Package logger adapts zap to interfaces.Logger.
package logger

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

var _ interfaces.Logger = (*ZapLogger)(nil)

// ZapLogger implements interfaces.Logger on top of a *zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a logger for the environment named by BACKBONE_ENV, at the
// level in BACKBONE_LOG_LEVEL. It panics if zap cannot open stdout.
func New() interfaces.Logger {
	cfg := DefaultConfig()
	if env := os.Getenv("BACKBONE_ENV"); env == "" || env == "development" {
		cfg = DevelopmentConfig()
	}
	if level := os.Getenv("BACKBONE_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// NewFromZap wraps an existing zap logger, e.g. one from zaptest.
func NewFromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l}
}

// Zap exposes the underlying zap logger for infrastructure clients.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.logger
}

func (l *ZapLogger) Debug(msg string, fields ...interfaces.Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interfaces.Field) {
	l.logger.Info(msg, toZap(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interfaces.Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interfaces.Field) {
	l.logger.Error(msg, toZap(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interfaces.Field) {
	l.logger.Fatal(msg, toZap(fields)...)
}

// WithContext returns a logger carrying the correlation id stored in ctx, if any.
func (l *ZapLogger) WithContext(ctx context.Context) interfaces.Logger {
	if id := CorrelationID(ctx); id != "" {
		return l.WithFields(interfaces.String(interfaces.KeyCorrelationID, id))
	}
	return l
}

// WithFields returns a child logger.
func (l *ZapLogger) WithFields(fields ...interfaces.Field) interfaces.Logger {
	return &ZapLogger{logger: l.logger.With(toZap(fields)...)}
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func toZap(fields []interfaces.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out[i] = zap.String(f.Key, v)
		case int:
			out[i] = zap.Int(f.Key, v)
		case int64:
			out[i] = zap.Int64(f.Key, v)
		case bool:
			out[i] = zap.Bool(f.Key, v)
		case time.Duration:
			out[i] = zap.Duration(f.Key, v)
		case error:
			out[i] = zap.NamedError(f.Key, v)
		default:
			out[i] = zap.Any(f.Key, v)
		}
	}
	return out
}
