package nats

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Message headers set on every published event.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderEventName     = "X-Event-Name"
)

var _ interfaces.Transport = (*Transport)(nil)

// Transport implements interfaces.Transport on JetStream. Every event name
// maps to the subject <prefix>.<eventName> of one stream.
type Transport struct {
	client *Client
	logger *zap.Logger

	publishTimeout time.Duration

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
	closed    bool
}

// NewTransport creates a JetStream transport over client.
func NewTransport(client *Client, logger *zap.Logger) *Transport {
	return &Transport{
		client:         client,
		logger:         logger.Named("transport"),
		publishTimeout: 5 * time.Second,
	}
}

// Send publishes msg with its event id as the JetStream deduplication id.
func (t *Transport) Send(ctx context.Context, msg interfaces.Message) error {
	subject := Subject(t.client.config.SubjectPrefix, msg.Name)

	out := nats.NewMsg(subject)
	out.Data = msg.Payload
	out.Header.Set(HeaderEventName, msg.Name)
	if msg.CorrelationID != "" {
		out.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, t.publishTimeout)
	defer cancel()

	ack, err := t.client.JetStream().PublishMsg(pubCtx, out, jetstream.WithMsgID(msg.ID))
	if err != nil {
		t.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("event_id", msg.ID),
			zap.String("subject", subject),
		)
		return apperrors.Transport("publish "+subject, err)
	}

	t.logger.Debug("event sent",
		zap.String("event_id", msg.ID),
		zap.String("subject", subject),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Subject returns the subject of eventName; the wildcard maps to every
// subject under prefix.
func Subject(prefix, eventName string) string {
	if eventName == events.Wildcard {
		return prefix + ".>"
	}
	return prefix + "." + eventName
}

// DurableName returns a consumer name valid for JetStream.
func DurableName(consumer, eventName string) string {
	if eventName == events.Wildcard {
		eventName = "all"
	}
	r := strings.NewReplacer(".", "_", "*", "all", ">", "all", " ", "_")
	return consumer + "-" + r.Replace(eventName)
}

func deadLetterPrefix(prefix string) string {
	return "dlq." + prefix
}
