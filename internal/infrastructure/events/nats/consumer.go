package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Receive creates or resumes the durable consumer of eventName and
// delivers its messages until ctx is cancelled or the transport closes.
// Failed deliveries are negatively acknowledged for redelivery; after
// MaxDeliver attempts the message moves to the dead letter stream.
func (t *Transport) Receive(ctx context.Context, eventName string, deliver interfaces.DeliverFunc) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("nats transport closed"))
	}

	cfg := t.client.config
	consumerConfig := jetstream.ConsumerConfig{
		Durable:       DurableName(cfg.ConsumerName, eventName),
		Description:   fmt.Sprintf("Consumer for %s", eventName),
		FilterSubject: Subject(cfg.SubjectPrefix, eventName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 100,
	}

	consumer, err := t.client.JetStream().CreateOrUpdateConsumer(ctx, cfg.StreamName, consumerConfig)
	if err != nil {
		return apperrors.Transport("create consumer "+consumerConfig.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		t.processMessage(ctx, msg, deliver)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		t.logger.Warn("consume error",
			zap.String("consumer", consumerConfig.Durable),
			zap.Error(err),
		)
	}))
	if err != nil {
		return apperrors.Transport("consume "+consumerConfig.Durable, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cc.Stop()
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("nats transport closed"))
	}
	t.consumers = append(t.consumers, cc)
	t.mu.Unlock()
	context.AfterFunc(ctx, cc.Stop)

	t.logger.Info("consumer started",
		zap.String("consumer", consumerConfig.Durable),
		zap.String("subject", consumerConfig.FilterSubject),
	)
	return nil
}

// processMessage handles a single message
func (t *Transport) processMessage(ctx context.Context, msg jetstream.Msg, deliver interfaces.DeliverFunc) {
	in := interfaces.Message{Payload: msg.Data()}
	if headers := msg.Headers(); headers != nil {
		in.ID = headers.Get(jetstream.MsgIDHeader)
		in.Name = headers.Get(HeaderEventName)
		in.CorrelationID = headers.Get(HeaderCorrelationID)
	}

	stop := KeepAlive(msg, t.client.config.AckWait/2, t.logger)
	err := deliver(ctx, in)
	stop()
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			t.logger.Error("failed to acknowledge message",
				zap.Error(ackErr),
				zap.String("event_id", in.ID),
			)
		}
		return
	}

	t.logger.Warn("delivery failed",
		zap.Error(err),
		zap.String("event_id", in.ID),
		zap.String("subject", msg.Subject()),
	)
	t.handleMessageError(ctx, msg, err)
}

// KeepAlive tells the server every interval that msg is still being
// worked on, so retries inside one delivery do not outlive AckWait and
// trigger a redelivery. The returned func stops the heartbeat.
func KeepAlive(msg jetstream.Msg, interval time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.Debug("failed to extend ack deadline", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// handleMessageError handles message processing errors
func (t *Transport) handleMessageError(ctx context.Context, msg jetstream.Msg, err error) {
	metadata, _ := msg.Metadata()

	if metadata != nil && metadata.NumDelivered >= uint64(t.client.config.MaxDeliver) {
		t.sendToDeadLetterQueue(ctx, msg, err)
		if termErr := msg.Term(); termErr != nil {
			t.logger.Error("failed to terminate message", zap.Error(termErr))
		}
		return
	}

	if nakErr := msg.Nak(); nakErr != nil {
		t.logger.Error("failed to nak message", zap.Error(nakErr))
	}
}

// sendToDeadLetterQueue sends failed messages to DLQ
func (t *Transport) sendToDeadLetterQueue(ctx context.Context, msg jetstream.Msg, originalErr error) {
	metadata, _ := msg.Metadata()

	dlqMessage := DeadLetterMessage{
		OriginalSubject: msg.Subject(),
		OriginalData:    msg.Data(),
		Error:           originalErr.Error(),
		Timestamp:       time.Now().UTC(),
	}
	if metadata != nil {
		dlqMessage.NumDelivered = metadata.NumDelivered
		dlqMessage.Stream = metadata.Stream
		dlqMessage.Consumer = metadata.Consumer
	}

	data, err := json.Marshal(dlqMessage)
	if err != nil {
		t.logger.Error("failed to marshal DLQ message", zap.Error(err))
		return
	}

	subject := deadLetterPrefix(t.client.config.SubjectPrefix) + "." + dlqMessage.Consumer
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := t.client.JetStream().Publish(pubCtx, subject, data); err != nil {
		t.logger.Error("failed to send message to DLQ",
			zap.Error(err),
			zap.String("subject", subject),
		)
		return
	}
	t.logger.Warn("message sent to dead letter queue",
		zap.String("original_subject", msg.Subject()),
		zap.String("error", originalErr.Error()),
		zap.Uint64("deliveries", dlqMessage.NumDelivered),
	)
}

// Close stops every consumer and drains the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, cc := range t.consumers {
		cc.Stop()
	}
	t.consumers = nil
	t.mu.Unlock()

	return t.client.Close()
}

// Health reports whether the JetStream account is reachable.
func (t *Transport) Health(ctx context.Context) error {
	return t.client.Health(ctx)
}

// DeadLetterMessage represents a message in the dead letter queue
type DeadLetterMessage struct {
	OriginalSubject string    `json:"original_subject"`
	OriginalData    []byte    `json:"original_data"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
	NumDelivered    uint64    `json:"num_delivered"`
	Stream          string    `json:"stream"`
	Consumer        string    `json:"consumer"`
}
