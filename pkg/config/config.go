package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/narwhalmedia/backbone/pkg/database"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

// Broker types
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
	BrokerKafka  = "kafka"
	BrokerRedis  = "redis"
)

// Store types
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQL    = "sql"
	StoreS3     = "s3"
)

// Provider is the slice of configuration the event core depends on.
type Provider interface {
	BrokerEndpoints() []string
	RetryDefaults() events.RetryPolicy
}

// Config holds all configuration of a backbone runtime
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Logger     logger.Config    `yaml:"logger"`
	Broker     BrokerConfig     `yaml:"broker"`
	Store      StoreConfig      `yaml:"store"`
	Retry      RetryConfig      `yaml:"retry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServiceConfig identifies the running service
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	// Event names the daemon subscribes its audit handler to
	Subscriptions []string `yaml:"subscriptions"`
}

// BrokerConfig selects and configures the transport
type BrokerConfig struct {
	Type   string       `yaml:"type"`
	NATS   NATSConfig   `yaml:"nats"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Redis  RedisConfig  `yaml:"redis"`
	Memory MemoryConfig `yaml:"memory"`
	// Retry applied to transport sends during publish
	PublishRetry RetryConfig `yaml:"publish_retry"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL           string        `yaml:"url"`
	StreamName    string        `yaml:"stream_name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ConsumerName  string        `yaml:"consumer_name"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
	GroupID     string   `yaml:"group_id"`
	ClientID    string   `yaml:"client_id"`
}

// RedisConfig holds Redis streams configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	StreamPrefix string        `yaml:"stream_prefix"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	MaxLen       int64         `yaml:"max_len"`
	Block        time.Duration `yaml:"block"`
}

// MemoryConfig holds in-process transport configuration
type MemoryConfig struct {
	Buffer int `yaml:"buffer"`
}

// StoreConfig selects and configures the event store
type StoreConfig struct {
	Type     string         `yaml:"type"`
	File     FileConfig     `yaml:"file"`
	Database DatabaseConfig `yaml:"database"`
	S3       S3Config       `yaml:"s3"`
}

// FileConfig holds the directory of the file store
type FileConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Debug           bool          `yaml:"debug"`
}

// S3Config holds object store configuration
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RetryConfig is the yaml shape of a retry policy
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	DelaySeconds       float64 `yaml:"delay_seconds"`
	ExponentialBackoff bool    `yaml:"exponential_backoff"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() events.RetryPolicy {
	return events.RetryPolicy{
		MaxAttempts:        r.MaxAttempts,
		DelaySeconds:       r.DelaySeconds,
		ExponentialBackoff: r.ExponentialBackoff,
	}
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	ErrorBuffer  int           `yaml:"error_buffer"`
}

// MetricsConfig holds prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// Default returns a configuration that runs fully in-process.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        DefaultServiceName,
			Environment: "development",
		},
		Logger: *logger.DefaultConfig(),
		Broker: BrokerConfig{
			Type: BrokerMemory,
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				StreamName:    DefaultStreamName,
				SubjectPrefix: DefaultSubjectPrefix,
				ConsumerName:  DefaultServiceName,
				MaxReconnect:  DefaultMaxReconnect,
				ReconnectWait: DefaultReconnectWait,
				MaxDeliver:    DefaultMaxDeliver,
				AckWait:       DefaultAckWait,
				MaxAge:        DefaultStreamMaxAge,
			},
			Kafka: KafkaConfig{
				Brokers:     []string{"localhost:9092"},
				TopicPrefix: DefaultSubjectPrefix,
				GroupID:     DefaultServiceName,
				ClientID:    DefaultServiceName,
			},
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				StreamPrefix: DefaultSubjectPrefix,
				Group:        DefaultServiceName,
				Consumer:     DefaultServiceName,
				MaxLen:       DefaultStreamMaxLen,
				Block:        DefaultRedisBlock,
			},
			Memory:       MemoryConfig{Buffer: DefaultMemoryBuffer},
			PublishRetry: RetryConfig{MaxAttempts: 3, DelaySeconds: 0.2, ExponentialBackoff: true},
		},
		Store: StoreConfig{
			Type: StoreMemory,
			File: FileConfig{Path: "data/events"},
			Database: DatabaseConfig{
				Driver:          "sqlite",
				DSN:             "data/events.db",
				MaxOpenConns:    DefaultMaxOpenConns,
				MaxIdleConns:    DefaultMaxIdleConns,
				ConnMaxLifetime: DefaultConnMaxLifetime,
			},
			S3: S3Config{Prefix: "events", Region: "us-east-1"},
		},
		Retry: RetryConfig{MaxAttempts: 1, DelaySeconds: 1},
		Dispatcher: DispatcherConfig{
			DrainTimeout: DefaultDrainTimeout,
			ErrorBuffer:  DefaultErrorBuffer,
		},
		Metrics: MetricsConfig{Namespace: "backbone", Addr: ":2112"},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file and BACKBONE_* environment variables, in that order.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// ${ENV_VAR} placeholders are expanded before parsing.
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the broker and store tags and the retry defaults.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case BrokerMemory, BrokerNATS, BrokerKafka, BrokerRedis:
	default:
		return apperrors.Validation(fmt.Sprintf("unknown broker type %q", c.Broker.Type))
	}
	switch c.Store.Type {
	case StoreMemory:
	case StoreFile:
		if c.Store.File.Path == "" {
			return apperrors.Validation("store.file.path is required")
		}
	case StoreSQL:
		if c.Store.Database.DSN == "" {
			return apperrors.Validation("store.database.dsn is required")
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			return apperrors.Validation("store.s3.bucket is required")
		}
	default:
		return apperrors.Validation(fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Broker.PublishRetry.Policy().Validate(); err != nil {
		return fmt.Errorf("broker.publish_retry: %w", err)
	}
	if c.Dispatcher.DrainTimeout <= 0 {
		return apperrors.Validation("dispatcher.drain_timeout must be positive")
	}
	return nil
}

// BrokerEndpoints returns the addresses of the configured broker.
func (c *Config) BrokerEndpoints() []string {
	switch c.Broker.Type {
	case BrokerNATS:
		return strings.Split(c.Broker.NATS.URL, ",")
	case BrokerKafka:
		return append([]string(nil), c.Broker.Kafka.Brokers...)
	case BrokerRedis:
		return []string{c.Broker.Redis.Addr}
	}
	return nil
}

// RetryDefaults returns the policy used by registrations that set none.
func (c *Config) RetryDefaults() events.RetryPolicy {
	return c.Retry.Policy()
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production" || c.Service.Environment == "prod"
}

// ToDatabaseConfig converts config to database package config
func (d DatabaseConfig) ToDatabaseConfig() *database.Config {
	return &database.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}
