package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/config"
)

// Client wraps NATS and JetStream connections
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
	config config.NATSConfig
}

// NewClient connects to NATS and makes sure the event and dead letter
// streams exist. The returned cleanup drains the connection.
func NewClient(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*Client, func(), error) {
	cfg = withDefaults(cfg)
	opts := []nats.Option{
		nats.Name(cfg.ConsumerName),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error",
				zap.Error(err),
				zap.String("subject", subject),
			)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{
		nc:     nc,
		js:     js,
		logger: logger.Named("nats"),
		config: cfg,
	}

	if err := client.initializeStreams(ctx); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	cleanup := func() {
		_ = client.Close()
	}

	logger.Info("NATS client initialized",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.StreamName),
	)

	return client, cleanup, nil
}

func withDefaults(cfg config.NATSConfig) config.NATSConfig {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = config.DefaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = config.DefaultSubjectPrefix
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = config.DefaultServiceName
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = config.DefaultMaxReconnect
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = config.DefaultReconnectWait
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = config.DefaultMaxDeliver
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = config.DefaultAckWait
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = config.DefaultStreamMaxAge
	}
	return cfg
}

// initializeStreams creates the event stream and its dead letter stream
func (c *Client) initializeStreams(ctx context.Context) error {
	eventStream := jetstream.StreamConfig{
		Name:         c.config.StreamName,
		Description:  "Stream for published events",
		Subjects:     []string{c.config.SubjectPrefix + ".>"},
		Retention:    jetstream.LimitsPolicy,
		MaxAge:       c.config.MaxAge,
		MaxConsumers: -1,
		Replicas:     1,
		Storage:      jetstream.FileStorage,
		Discard:      jetstream.DiscardOld,
		Duplicates:   2 * time.Minute,
		MaxMsgs:      -1,
		MaxBytes:     -1,
	}

	if _, err := c.js.CreateOrUpdateStream(ctx, eventStream); err != nil {
		return fmt.Errorf("failed to create event stream: %w", err)
	}

	dlqStream := jetstream.StreamConfig{
		Name:         c.config.StreamName + "_DLQ",
		Description:  "Dead letter queue for undeliverable events",
		Subjects:     []string{deadLetterPrefix(c.config.SubjectPrefix) + ".>"},
		Retention:    jetstream.LimitsPolicy,
		MaxAge:       30 * 24 * time.Hour,
		MaxConsumers: -1,
		Replicas:     1,
		Storage:      jetstream.FileStorage,
		Discard:      jetstream.DiscardOld,
		MaxMsgs:      -1,
		MaxBytes:     -1,
	}

	if _, err := c.js.CreateOrUpdateStream(ctx, dlqStream); err != nil {
		return fmt.Errorf("failed to create DLQ stream: %w", err)
	}

	c.logger.Info("JetStream streams initialized")
	return nil
}

// Connection returns the underlying NATS connection
func (c *Client) Connection() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream context
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// IsConnected checks if the client is connected
func (c *Client) IsConnected() bool {
	return c.nc.IsConnected()
}

// Health checks the health of the NATS connection
func (c *Client) Health(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("NATS client is not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	info, err := c.js.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JetStream account info: %w", err)
	}

	c.logger.Debug("NATS health check passed",
		zap.Int("streams", info.Streams),
		zap.Int("consumers", info.Consumers),
	)

	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	err := c.nc.Drain()
	if err != nil {
		c.logger.Error("failed to drain NATS connection", zap.Error(err))
	}
	c.nc.Close()
	return err
}
