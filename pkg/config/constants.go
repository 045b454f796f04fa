package config

import "time"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BACKBONE_"

const (
	DefaultServiceName   = "backbone"
	DefaultStreamName    = "BACKBONE_EVENTS"
	DefaultSubjectPrefix = "events"

	// NATS defaults.
	DefaultMaxReconnect  = 60
	DefaultReconnectWait = 2 * time.Second
	DefaultMaxDeliver    = 5
	DefaultAckWait       = 30 * time.Second
	DefaultStreamMaxAge  = 7 * 24 * time.Hour

	// Redis defaults.
	DefaultStreamMaxLen = 100000
	DefaultRedisBlock   = 2 * time.Second

	DefaultMemoryBuffer = 256

	// Connection pool defaults.
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = time.Hour

	// Dispatcher defaults.
	DefaultDrainTimeout = 30 * time.Second
	DefaultErrorBuffer  = 64
)
