package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the logger section of the runtime configuration.
type Config struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	Encoding    string   `yaml:"encoding"` // json or console
	OutputPaths []string `yaml:"output_paths"`
	ErrorPaths  []string `yaml:"error_paths"`

	// Added to every entry, e.g. the deployment region
	InitialFields map[string]any `yaml:"initial_fields"`
}

// DefaultConfig returns JSON logging at info level to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Encoding:    "json",
		OutputPaths: []string{"stdout"},
		ErrorPaths:  []string{"stderr"},
	}
}

// DevelopmentConfig returns colored console logging at debug level.
func DevelopmentConfig() *Config {
	return &Config{
		Level:       "debug",
		Development: true,
		Encoding:    "console",
		OutputPaths: []string{"stdout"},
		ErrorPaths:  []string{"stderr"},
	}
}

// Build creates a logger. Empty encoding and paths fall back to
// DefaultConfig; an unparsable level falls back to info.
func (c *Config) Build() (*ZapLogger, error) {
	def := DefaultConfig()
	if c.Encoding == "" {
		c.Encoding = def.Encoding
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = def.OutputPaths
	}
	if len(c.ErrorPaths) == 0 {
		c.ErrorPaths = def.ErrorPaths
	}
	if c.Encoding != "json" && c.Encoding != "console" {
		return nil, fmt.Errorf("unknown log encoding %q", c.Encoding)
	}

	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.MessageKey = "message"
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = c.Encoding
	zc.OutputPaths = c.OutputPaths
	zc.ErrorOutputPaths = c.ErrorPaths
	zc.InitialFields = c.InitialFields

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return NewFromZap(l), nil
}
