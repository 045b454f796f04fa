package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup runs ConsumeClaim over a channel fed by the test.
type fakeGroup struct {
	sarama.ConsumerGroup
	claim  *fakeClaim
	errs   chan error
	topics chan []string
	once   sync.Once
	done   chan struct{}
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		claim:  &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)},
		errs:   make(chan error),
		topics: make(chan []string, 8),
		done:   make(chan struct{}),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	select {
	case <-g.done:
		return sarama.ErrClosedConsumerGroup
	default:
	}
	g.topics <- topics
	session := &fakeSession{ctx: ctx}
	if err := handler.Setup(session); err != nil {
		return err
	}
	err := handler.ConsumeClaim(session, g.claim)
	_ = handler.Cleanup(session)
	return err
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() {
		close(g.done)
		close(g.errs)
	})
	return nil
}

func newTestTransport(t *testing.T, producer sarama.SyncProducer, group *fakeGroup) *Transport {
	t.Helper()
	cfg := config.KafkaConfig{TopicPrefix: "backbone", GroupID: "billing"}
	return NewTransportWith(producer, func(string) (sarama.ConsumerGroup, error) { return group, nil },
		cfg, zaptest.NewLogger(t))
}

func header(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestTransport_Send(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "backbone.user.created" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "e-1" {
			return errors.New("unexpected key " + string(key))
		}
		if header(msg, HeaderCorrelationID) != "c-1" || header(msg, HeaderEventName) != "user.created" {
			return errors.New("missing headers")
		}
		return nil
	})

	tr := newTestTransport(t, producer, newFakeGroup())
	err := tr.Send(context.Background(), interfaces.Message{
		ID:            "e-1",
		Name:          "user.created",
		CorrelationID: "c-1",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestTransport_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	tr := newTestTransport(t, producer, newFakeGroup())
	err := tr.Send(context.Background(), interfaces.Message{ID: "e-1", Name: "user.created"})
	assert.True(t, apperrors.IsTransport(err))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.True(t, apperrors.IsRetryable(err))
	require.NoError(t, tr.Close())
}

func TestTransport_RejectsWildcard(t *testing.T) {
	tr := newTestTransport(t, mocks.NewSyncProducer(t, nil), newFakeGroup())
	err := tr.Receive(context.Background(), events.Wildcard, func(context.Context, interfaces.Message) error { return nil })
	assert.True(t, apperrors.IsValidation(err))
	require.NoError(t, tr.Close())
}

func TestTransport_Receive(t *testing.T) {
	group := newFakeGroup()
	tr := newTestTransport(t, mocks.NewSyncProducer(t, nil), group)

	received := make(chan interfaces.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Receive(ctx, "user.created", func(_ context.Context, msg interfaces.Message) error {
		received <- msg
		return nil
	}))

	select {
	case topics := <-group.topics:
		assert.Equal(t, []string{"backbone.user.created"}, topics)
	case <-time.After(time.Second):
		t.Fatal("consumer group was not joined")
	}

	group.claim.messages <- &sarama.ConsumerMessage{
		Key:   []byte("e-1"),
		Value: []byte(`{"eventId":"e-1"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderEventName), Value: []byte("user.created")},
			{Key: []byte(HeaderCorrelationID), Value: []byte("c-1")},
		},
	}

	select {
	case msg := <-received:
		assert.Equal(t, "e-1", msg.ID)
		assert.Equal(t, "user.created", msg.Name)
		assert.Equal(t, "c-1", msg.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	cancel()
	require.NoError(t, tr.Close())
}

func TestGroupHandler_MarksOnlyDeliveredMessages(t *testing.T) {
	calls := 0
	h := &groupHandler{
		deliver: func(_ context.Context, msg interfaces.Message) error {
			calls++
			if msg.ID == "bad" {
				return errors.New("handler store unavailable")
			}
			return nil
		},
		logger: zaptest.NewLogger(t),
	}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Key: []byte("ok"), Offset: 1}
	claim.messages <- &sarama.ConsumerMessage{Key: []byte("bad"), Offset: 2}
	claim.messages <- &sarama.ConsumerMessage{Key: []byte("later"), Offset: 3}
	session := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(session, claim)
	require.Error(t, err)
	assert.Equal(t, []int64{1}, session.marked)
	assert.Equal(t, 2, calls)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "backbone.user.created", Topic("backbone", "user.created"))
	assert.Equal(t, "user.created", Topic("", "user.created"))
}
