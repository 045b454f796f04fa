package gorm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"

	"github.com/narwhalmedia/backbone/pkg/database"
	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/eventstore"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func appendLifecycles(t *testing.T, s *eventstore.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		source := "orders-api"
		if i%3 == 0 {
			source = "billing-api"
		}
		at := base.Add(time.Duration(i/2) * time.Minute)
		e := events.NewDomainEvent("order.placed", source, "orders", "checkout",
			fmt.Sprintf("o-%d", i), "order", map[string]any{"n": float64(i)},
			events.WithClock(func() time.Time { return at }))

		_, err := s.Append(ctx, events.NewRecord(e, events.StatusPublished, "", 0, nil, at))
		require.NoError(t, err)
		_, err = s.Append(ctx, events.NewRecord(e, events.StatusProcessing, "mailer", 1, nil, at))
		require.NoError(t, err)
		status, cause := events.StatusProcessed, error(nil)
		if i%4 == 0 {
			status, cause = events.StatusFailed, errors.New("smtp down")
		}
		_, err = s.Append(ctx, events.NewRecord(e, status, "mailer", 1, cause, at))
		require.NoError(t, err)
	}
}

func TestEventStore_MatchesMemoryStore(t *testing.T) {
	ctx := context.Background()
	db := NewTestDB(t)

	sqlStore, err := OpenEventStore(ctx, db, nil)
	require.NoError(t, err)
	memStore := eventstore.NewMemoryStore()

	appendLifecycles(t, sqlStore, 20)
	appendLifecycles(t, memStore, 20)

	for _, source := range []string{"orders-api", "billing-api"} {
		got, err := sqlStore.GetEventsBySource(ctx, source, 25)
		require.NoError(t, err)
		want, err := memStore.GetEventsBySource(ctx, source, 25)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Status, got[i].Status)
			assert.Equal(t, want[i].Sequence, got[i].Sequence)
			assert.True(t, want[i].RecordedAt.Equal(got[i].RecordedAt))
		}
	}
}

func TestEventStore_ReloadsFromDatabase(t *testing.T) {
	ctx := context.Background()
	db := NewTestDB(t)

	first, err := OpenEventStore(ctx, db, nil)
	require.NoError(t, err)
	appendLifecycles(t, first, 10)
	before, err := first.GetEventsByName(ctx, "order.placed", 0)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenEventStore(ctx, db, nil)
	require.NoError(t, err)
	after, err := second.GetEventsByName(ctx, "order.placed", 0)
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Sequence, after[i].Sequence)
		assert.Equal(t, before[i].EventID(), after[i].EventID())
		assert.Equal(t, before[i].Event.Data, after[i].Event.Data)
	}

	// Lifecycles are replayed: finished chains stay finished.
	state, err := second.HandlerState(ctx, after[0].EventID(), "mailer")
	require.NoError(t, err)
	assert.True(t, state.Done())

	rec, err := second.Append(ctx, events.NewRecord(after[0].Event, events.StatusProcessing, "mailer", 2, nil, time.Now()))
	assert.True(t, apperrors.IsInvalidTransition(err), "got %v for %+v", err, rec)
	assert.Equal(t, 30, second.Len())
}

func TestBackend_RejectsDuplicateTransitions(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend(NewTestDB(t), nil)

	e := events.NewDomainEvent("order.placed", "orders-api", "orders", "checkout", "o-1", "order", map[string]any{})
	r := events.NewRecord(e, events.StatusPublished, "", 0, nil, base)
	r.Sequence = 1
	require.NoError(t, backend.Persist(ctx, r))

	r.Sequence = 2
	err := backend.Persist(ctx, r)
	assert.True(t, apperrors.IsDuplicateEvent(err), "got %v", err)
}

func TestMigrations_AreIdempotent(t *testing.T) {
	db := NewTestDB(t)
	require.NoError(t, AutoMigrate(db))

	pending, err := database.GetPendingMigrations(db, Migrations()...)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, db.Migrator().HasTable(&RecordModel{}))
}

func TestSQLLogger_TagsCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := newSQLLogger(zap.New(core), gormlogger.Info)

	ctx := logger.WithCorrelationID(context.Background(), "corr-42")
	l.Trace(ctx, time.Now(), func() (string, int64) { return "INSERT INTO event_records", 1 }, nil)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("locked"))
	l.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 2", 0 }, nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "sql trace", entries[0].Message)
	assert.Equal(t, "corr-42", entries[0].ContextMap()["correlation_id"])
	assert.Equal(t, "sql error", entries[1].Message)
	assert.Equal(t, "locked", entries[1].ContextMap()["error"])
}
