package backbone

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/backbone/internal/infrastructure/events/memory"
	"github.com/narwhalmedia/backbone/internal/infrastructure/events/redis"
	"github.com/narwhalmedia/backbone/pkg/config"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/test/testutil"
)

func TestNewTransport_UnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Type = "carrier-pigeon"

	_, _, err := NewTransport(context.Background(), cfg, zaptest.NewLogger(t))
	assert.True(t, apperrors.IsValidation(err), "got %v", err)
}

func TestNewTransport_SelectsByType(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, transport any)
	}{
		{
			name:   "memory",
			mutate: func(c *config.Config) { c.Broker.Type = config.BrokerMemory },
			check: func(t *testing.T, transport any) {
				assert.IsType(t, &memory.Transport{}, transport)
			},
		},
		{
			name: "redis",
			mutate: func(c *config.Config) {
				c.Broker.Type = config.BrokerRedis
				c.Broker.Redis.Addr = mr.Addr()
			},
			check: func(t *testing.T, transport any) {
				assert.IsType(t, &redis.Transport{}, transport)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			transport, cleanup, err := NewTransport(context.Background(), cfg, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer cleanup()
			tt.check(t, transport)
		})
	}
}

func TestNewStore_UnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Type = "tape"

	_, _, err := NewStore(context.Background(), cfg, zaptest.NewLogger(t))
	assert.True(t, apperrors.IsValidation(err), "got %v", err)
}

func TestNewStore_PersistentVariantsReload(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{
			name: "file",
			mutate: func(c *config.Config) {
				c.Store.Type = config.StoreFile
				c.Store.File.Path = filepath.Join(dir, "records")
			},
		},
		{
			name: "sql",
			mutate: func(c *config.Config) {
				c.Store.Type = config.StoreSQL
				c.Store.Database.Driver = "sqlite"
				c.Store.Database.DSN = filepath.Join(dir, "events.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			tt.mutate(cfg)
			log := zaptest.NewLogger(t)

			store, cleanup, err := NewStore(ctx, cfg, log)
			require.NoError(t, err)
			e := events.NewSystemEvent("cache.evicted", "edge-cache", "cdn", "eviction", events.SeverityWarning, map[string]any{})
			_, err = store.Append(ctx, events.NewRecord(e, events.StatusPublished, "", 0, nil, time.Now()))
			require.NoError(t, err)
			cleanup()

			reopened, cleanup, err := NewStore(ctx, cfg, log)
			require.NoError(t, err)
			defer cleanup()

			recs, err := reopened.GetEventsBySource(ctx, "edge-cache", 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, e.ID, recs[0].EventID())
		})
	}
}

func TestInitializeRuntime_InProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Logger.Level = "error"
	cfg.Metrics.Enabled = true

	rt, cleanup, err := InitializeRuntime(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()

	handled := make(chan string, 1)
	require.NoError(t, rt.Bus.Subscribe("invoice.sent", events.NewHandler("notify", func(_ context.Context, e events.Event) error {
		handled <- e.ID
		return nil
	})))
	require.NoError(t, rt.Bus.Start(ctx))

	e := events.NewIntegrationEvent("invoice.sent", "billing-api", "billing", "invoicing", []string{"crm"}, map[string]any{"total": 12.5})
	require.NoError(t, rt.Bus.Publish(ctx, e))

	select {
	case id := <-handled:
		assert.Equal(t, e.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	assert.Eventually(t, func() bool {
		status, err := rt.Store.Status(ctx, e.ID, "notify")
		return err == nil && status == events.StatusProcessed
	}, 5*time.Second, 10*time.Millisecond)

	n, err := promtestutil.GatherAndCount(rt.Prometheus, "backbone_events_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, rt.Health(ctx))
	require.NoError(t, rt.Shutdown(ctx))
	assert.True(t, apperrors.IsShuttingDown(rt.Bus.Publish(ctx, e)))
}

func TestInitializeRuntime_RetriesFailingHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Logger.Level = "error"

	rt, cleanup, err := InitializeRuntime(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()

	h := testutil.NewRecordingHandler("ledger")
	h.FailFirst = 2
	require.NoError(t, rt.Bus.Subscribe("order.placed", h,
		interfaces.WithRetryPolicy(events.RetryPolicy{MaxAttempts: 3, DelaySeconds: 0.01})))
	require.NoError(t, rt.Bus.Start(ctx))

	e := testutil.CreateTestDomainEvent("orders-api")
	require.NoError(t, rt.Bus.Publish(ctx, e))

	assert.Eventually(t, func() bool {
		status, err := rt.Store.Status(ctx, e.ID, "ledger")
		return err == nil && status == events.StatusProcessed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.Calls())
	require.Len(t, h.Seen(), 1)
	assert.Equal(t, e.ID, h.Seen()[0].ID)

	history, err := rt.Store.History(ctx, e.ID)
	require.NoError(t, err)
	// published, three processing attempts, processed
	assert.Len(t, history, 5)
}
