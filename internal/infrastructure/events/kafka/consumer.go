package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Receive joins the consumer group of eventName and delivers its records
// until ctx is cancelled. Offsets are only marked after a successful
// delivery. Kafka has no cross-topic subscription, so the wildcard is
// rejected.
func (t *Transport) Receive(ctx context.Context, eventName string, deliver interfaces.DeliverFunc) error {
	if eventName == events.Wildcard {
		return apperrors.Validation("kafka transport does not support wildcard subscriptions")
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("kafka transport closed"))
	}

	groupID := t.cfg.GroupID + "." + eventName
	group, err := t.newGroup(groupID)
	if err != nil {
		return apperrors.Transport("creating consumer group "+groupID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = group.Close()
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("kafka transport closed"))
	}
	t.groups = append(t.groups, group)

	topic := Topic(t.cfg.TopicPrefix, eventName)
	handler := &groupHandler{deliver: deliver, logger: t.logger.With(zap.String("topic", topic))}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for err := range group.Errors() {
			t.logger.Warn("consumer group error", zap.String("group", groupID), zap.Error(err))
		}
	}()
	go func() {
		defer t.wg.Done()
		t.consume(ctx, group, topic, handler)
	}()
	context.AfterFunc(ctx, func() { _ = group.Close() })

	t.logger.Info("consumer started", zap.String("group", groupID), zap.String("topic", topic))
	return nil
}

func (t *Transport) consume(ctx context.Context, group sarama.ConsumerGroup, topic string, handler sarama.ConsumerGroupHandler) {
	for {
		err := group.Consume(ctx, []string{topic}, handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Error("consuming messages", zap.String("topic", topic), zap.Error(err))
			if events.Sleep(ctx, time.Second) != nil {
				return
			}
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	deliver interfaces.DeliverFunc
	logger  *zap.Logger
}

// Setup implements sarama.ConsumerGroupHandler
func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim delivers records in order. A failed delivery ends the claim
// without marking, so the record is consumed again after the rebalance.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := toMessage(message)
			if err := h.deliver(session.Context(), msg); err != nil {
				h.logger.Warn("delivery failed",
					zap.String("event_id", msg.ID),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
				return fmt.Errorf("handling event %s: %w", msg.ID, err)
			}
			session.MarkMessage(message, "")
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) interfaces.Message {
	msg := interfaces.Message{Payload: m.Value}
	for _, h := range m.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case HeaderEventID:
			msg.ID = string(h.Value)
		case HeaderEventName:
			msg.Name = string(h.Value)
		case HeaderCorrelationID:
			msg.CorrelationID = string(h.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = string(m.Key)
	}
	return msg
}

// Close closes the producer and every consumer group.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	groups := t.groups
	t.groups = nil
	t.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			errs = append(errs, err)
		}
	}
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
