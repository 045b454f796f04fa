package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides cfg with BACKBONE_* variables that are set.
func applyEnv(cfg *Config) {
	cfg.Service.Name = getEnv("SERVICE_NAME", cfg.Service.Name)
	cfg.Service.Environment = getEnv("ENV", cfg.Service.Environment)
	cfg.Service.Subscriptions = getEnvAsList("SUBSCRIPTIONS", cfg.Service.Subscriptions)

	cfg.Logger.Level = getEnv("LOG_LEVEL", cfg.Logger.Level)
	cfg.Logger.Encoding = getEnv("LOG_ENCODING", cfg.Logger.Encoding)

	cfg.Broker.Type = getEnv("BROKER_TYPE", cfg.Broker.Type)
	cfg.Broker.NATS.URL = getEnv("NATS_URL", cfg.Broker.NATS.URL)
	cfg.Broker.NATS.ConsumerName = getEnv("NATS_CONSUMER", cfg.Broker.NATS.ConsumerName)
	cfg.Broker.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", cfg.Broker.Kafka.Brokers)
	cfg.Broker.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Broker.Kafka.GroupID)
	cfg.Broker.Redis.Addr = getEnv("REDIS_ADDR", cfg.Broker.Redis.Addr)
	cfg.Broker.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Broker.Redis.Password)
	cfg.Broker.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Broker.Redis.DB)

	cfg.Store.Type = getEnv("STORE_TYPE", cfg.Store.Type)
	cfg.Store.File.Path = getEnv("STORE_PATH", cfg.Store.File.Path)
	cfg.Store.Database.Driver = getEnv("DB_DRIVER", cfg.Store.Database.Driver)
	cfg.Store.Database.DSN = getEnv("DB_DSN", cfg.Store.Database.DSN)
	cfg.Store.S3.Bucket = getEnv("S3_BUCKET", cfg.Store.S3.Bucket)
	cfg.Store.S3.Region = getEnv("S3_REGION", cfg.Store.S3.Region)
	cfg.Store.S3.Endpoint = getEnv("S3_ENDPOINT", cfg.Store.S3.Endpoint)

	cfg.Retry.MaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.DelaySeconds = getEnvAsFloat("RETRY_DELAY_SECONDS", cfg.Retry.DelaySeconds)
	cfg.Retry.ExponentialBackoff = getEnvAsBool("RETRY_EXPONENTIAL_BACKOFF", cfg.Retry.ExponentialBackoff)

	cfg.Dispatcher.DrainTimeout = getEnvAsDuration("DRAIN_TIMEOUT", cfg.Dispatcher.DrainTimeout)

	cfg.Metrics.Enabled = getEnvAsBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
