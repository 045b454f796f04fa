package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

func newTestTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr := NewTransport(8, logger.NewFromZap(zaptest.NewLogger(t)), opts...)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func collect(mu *sync.Mutex, into *[]interfaces.Message) interfaces.DeliverFunc {
	return func(_ context.Context, msg interfaces.Message) error {
		mu.Lock()
		defer mu.Unlock()
		*into = append(*into, msg)
		return nil
	}
}

func TestTransport_DeliversByName(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	var mu sync.Mutex
	var created, all []interfaces.Message
	require.NoError(t, tr.Receive(ctx, "user.created", collect(&mu, &created)))
	require.NoError(t, tr.Receive(ctx, events.Wildcard, collect(&mu, &all)))

	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "1", Name: "user.created"}))
	require.NoError(t, tr.Send(ctx, interfaces.Message{ID: "2", Name: "user.deleted"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(created) == 1 && len(all) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "1", created[0].ID)
}

func TestTransport_RedeliversFailedMessages(t *testing.T) {
	tr := newTestTransport(t, WithMaxDeliver(3))

	var calls atomic.Int32
	require.NoError(t, tr.Receive(context.Background(), "order.placed", func(context.Context, interfaces.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("try again")
		}
		return nil
	}))
	require.NoError(t, tr.Send(context.Background(), interfaces.Message{ID: "1", Name: "order.placed"}))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestTransport_CancelledReceiveStops(t *testing.T) {
	tr := newTestTransport(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	require.NoError(t, tr.Receive(ctx, "order.placed", func(context.Context, interfaces.Message) error {
		calls.Add(1)
		return nil
	}))
	cancel()

	require.Eventually(t, func() bool {
		tr.mu.RLock()
		defer tr.mu.RUnlock()
		return len(tr.subs["order.placed"]) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Send(context.Background(), interfaces.Message{ID: "1", Name: "order.placed"}))
	assert.Zero(t, calls.Load())
}

func TestTransport_Closed(t *testing.T) {
	tr := NewTransport(1, logger.NewNoop())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), interfaces.Message{ID: "1", Name: "x"})
	assert.True(t, apperrors.IsTransport(err))
	assert.True(t, apperrors.IsShuttingDown(err))

	err = tr.Receive(context.Background(), "x", func(context.Context, interfaces.Message) error { return nil })
	assert.True(t, apperrors.IsShuttingDown(err))
}

func TestTransport_SendFromOwnDeliveryDoesNotDeadlock(t *testing.T) {
	tr := NewTransport(1, logger.NewFromZap(zaptest.NewLogger(t)), WithMaxDeliver(1))
	t.Cleanup(func() { _ = tr.Close() })

	results := make(chan error, 1)
	var once sync.Once
	require.NoError(t, tr.Receive(context.Background(), "report.requested", func(ctx context.Context, msg interfaces.Message) error {
		once.Do(func() {
			// The first resend fills the queue; the second would wait on ourselves.
			var err error
			for i := 0; i < 2 && err == nil; i++ {
				err = tr.Send(ctx, interfaces.Message{ID: "again", Name: "report.requested"})
			}
			results <- err
		})
		return nil
	}))

	require.NoError(t, tr.Send(context.Background(), interfaces.Message{ID: "m-1", Name: "report.requested"}))

	select {
	case err := <-results:
		assert.True(t, apperrors.IsTransport(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery deadlocked on its own queue")
	}
}
