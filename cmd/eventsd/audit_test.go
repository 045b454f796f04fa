package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

func TestAuditHandler_LogsEnvelopeFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newAuditHandler(zap.New(core))
	assert.Equal(t, auditHandlerName, h.Name())

	e := events.NewDomainEvent("order.placed", "orders-api", "orders", "checkout", "o-9", "order", map[string]any{})
	ctx := logger.WithCorrelationID(context.Background(), e.Metadata.CorrelationID)
	require.NoError(t, h.Handle(ctx, e))

	entries := logs.FilterMessage("event received").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "order.placed", fields["event_name"])
	assert.Equal(t, "orders-api", fields["source"])
	assert.Equal(t, e.ID, fields["event_id"])
	assert.Equal(t, e.Metadata.CorrelationID, fields["correlation_id"])
}

func TestSubscriptions_DefaultsToWildcard(t *testing.T) {
	assert.Equal(t, []string{events.Wildcard}, subscriptions(nil))
	assert.Equal(t, []string{"a.b"}, subscriptions([]string{"a.b"}))
}
