package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Record headers set on every produced event.
const (
	HeaderEventID       = "event_id"
	HeaderEventName     = "event_name"
	HeaderCorrelationID = "correlation_id"
)

var _ interfaces.Transport = (*Transport)(nil)

// GroupFactory opens a consumer group.
type GroupFactory func(groupID string) (sarama.ConsumerGroup, error)

// Transport implements interfaces.Transport on Kafka. Every event name is
// its own topic; records are keyed by event id.
type Transport struct {
	producer sarama.SyncProducer
	newGroup GroupFactory
	cfg      config.KafkaConfig
	logger   *zap.Logger
	groups   []sarama.ConsumerGroup
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewTransport connects a producer to the configured brokers.
func NewTransport(cfg config.KafkaConfig, logger *zap.Logger) (*Transport, error) {
	producerConfig := newSaramaConfig(cfg)
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	newGroup := func(groupID string) (sarama.ConsumerGroup, error) {
		consumerConfig := newSaramaConfig(cfg)
		consumerConfig.Consumer.Return.Errors = true
		consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
		return sarama.NewConsumerGroup(cfg.Brokers, groupID, consumerConfig)
	}

	return NewTransportWith(producer, newGroup, cfg, logger), nil
}

func newSaramaConfig(cfg config.KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.Version = sarama.V2_1_0_0
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}
	return c
}

// NewTransportWith builds a transport from an existing producer and group
// factory.
func NewTransportWith(producer sarama.SyncProducer, newGroup GroupFactory, cfg config.KafkaConfig, logger *zap.Logger) *Transport {
	if cfg.GroupID == "" {
		cfg.GroupID = config.DefaultServiceName
	}
	return &Transport{
		producer: producer,
		newGroup: newGroup,
		cfg:      cfg,
		logger:   logger.Named("kafka"),
	}
}

// Topic returns the topic of eventName.
func Topic(prefix, eventName string) string {
	if prefix == "" {
		return eventName
	}
	return prefix + "." + eventName
}

// Send produces msg to the topic of its event name.
func (t *Transport) Send(ctx context.Context, msg interfaces.Message) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transport("send "+msg.Name, err)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return apperrors.Transport("send "+msg.Name, apperrors.ShuttingDown("kafka transport closed"))
	}

	topic := Topic(t.cfg.TopicPrefix, msg.Name)
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.ID),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte(HeaderEventID),
				Value: []byte(msg.ID),
			},
			{
				Key:   []byte(HeaderEventName),
				Value: []byte(msg.Name),
			},
			{
				Key:   []byte(HeaderCorrelationID),
				Value: []byte(msg.CorrelationID),
			},
		},
	}

	partition, offset, err := t.producer.SendMessage(kafkaMsg)
	if err != nil {
		return apperrors.Transport("produce to "+topic, err)
	}

	t.logger.Debug("event sent",
		zap.String("event_id", msg.ID),
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
