package nats_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/backbone/internal/infrastructure/events/nats"
	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.user.created", nats.Subject("events", "user.created"))
	assert.Equal(t, "events.>", nats.Subject("events", events.Wildcard))
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "billing-user_created", nats.DurableName("billing", "user.created"))
	assert.Equal(t, "billing-all", nats.DurableName("billing", events.Wildcard))
}

func TestTransport_SendReceive(t *testing.T) {
	cfg := config.NATSConfig{
		URL:           "nats://localhost:4222",
		StreamName:    "BACKBONE_TEST",
		SubjectPrefix: "backbone-test",
		ConsumerName:  "transport-test",
		MaxReconnect:  5,
		ReconnectWait: time.Second,
		AckWait:       5 * time.Second,
		MaxDeliver:    2,
	}

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, cleanup, err := nats.NewClient(ctx, cfg, logger)
	if err != nil {
		t.Skip("NATS not available:", err)
	}
	defer cleanup()

	transport := nats.NewTransport(client, logger)
	defer transport.Close()

	received := make(chan interfaces.Message, 1)
	require.NoError(t, transport.Receive(ctx, "user.created", func(_ context.Context, msg interfaces.Message) error {
		received <- msg
		return nil
	}))

	e := events.NewDomainEvent("user.created", "identity-api", "identity", "signup", "u-1", "user",
		map[string]any{"email": "a@example.com"})
	payload, err := e.Marshal()
	require.NoError(t, err)

	require.NoError(t, transport.Send(ctx, interfaces.Message{
		ID:            e.ID,
		Name:          e.Name,
		CorrelationID: e.Metadata.CorrelationID,
		Payload:       payload,
	}))

	select {
	case msg := <-received:
		assert.Equal(t, e.ID, msg.ID)
		assert.Equal(t, e.Metadata.CorrelationID, msg.CorrelationID)
		decoded, err := events.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, e.ID, decoded.ID)
	case <-ctx.Done():
		t.Fatal("timeout waiting for message")
	}
}

// heartbeatMsg counts InProgress calls; every other Msg method is unused.
type heartbeatMsg struct {
	jetstream.Msg
	calls atomic.Int32
}

func (m *heartbeatMsg) InProgress() error {
	m.calls.Add(1)
	return nil
}

func TestKeepAlive_ExtendsAckDeadlineUntilStopped(t *testing.T) {
	msg := &heartbeatMsg{}
	stop := nats.KeepAlive(msg, 10*time.Millisecond, zaptest.NewLogger(t))

	require.Eventually(t, func() bool { return msg.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	after := msg.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, msg.calls.Load())
}

func TestKeepAlive_DisabledWithoutInterval(t *testing.T) {
	msg := &heartbeatMsg{}
	stop := nats.KeepAlive(msg, 0, zaptest.NewLogger(t))
	time.Sleep(20 * time.Millisecond)
	stop()
	assert.Zero(t, msg.calls.Load())
}
