package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

func newTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{
		Addr:         mr.Addr(),
		StreamPrefix: "events",
		Group:        "billing",
		Consumer:     "billing-1",
		Block:        50 * time.Millisecond,
	}
	tr := NewTransport(NewClient(cfg), cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, mr
}

func TestTransport_SendAppendsToBothStreams(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "e-1", Name: "user.created", Payload: []byte(`{}`)}))

	n, err := tr.rdb.XLen(ctx, "events:user.created").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = tr.rdb.XLen(ctx, "events:all").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTransport_ReceiveAcknowledges(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan interfaces.Message, 2)
	require.NoError(t, tr.Receive(ctx, "user.created", func(_ context.Context, msg interfaces.Message) error {
		received <- msg
		return nil
	}))
	require.NoError(t, tr.Send(ctx, interfaces.Message{
		ID:            "e-1",
		Name:          "user.created",
		CorrelationID: "c-1",
		Payload:       []byte(`{"eventId":"e-1"}`),
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "e-1", msg.ID)
		assert.Equal(t, "c-1", msg.CorrelationID)
		assert.JSONEq(t, `{"eventId":"e-1"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.Eventually(t, func() bool {
		pending, err := tr.rdb.XPending(ctx, "events:user.created", "billing").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTransport_WildcardReadsAllStream(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count atomic.Int32
	require.NoError(t, tr.Receive(ctx, events.Wildcard, func(context.Context, interfaces.Message) error {
		count.Add(1)
		return nil
	}))
	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "e-1", Name: "user.created"}))
	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "e-2", Name: "user.deleted"}))

	require.Eventually(t, func() bool { return count.Load() == 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestTransport_FailedEntriesMoveToDeadLetters(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.maxDeliver = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	require.NoError(t, tr.Receive(ctx, "user.created", func(context.Context, interfaces.Message) error {
		attempts.Add(1)
		return errors.New("store unavailable")
	}))
	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "e-1", Name: "user.created"}))

	require.Eventually(t, func() bool {
		n, err := tr.rdb.XLen(ctx, "events:user.created:dlq").Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestTransport_Closed(t *testing.T) {
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), interfaces.Message{ID: "e-1", Name: "user.created"})
	assert.True(t, apperrors.IsShuttingDown(err))
}
