package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

const auditHandlerName = "eventsd-audit"

// newAuditHandler logs every delivered event.
func newAuditHandler(log *zap.Logger) events.Handler {
	log = log.Named("audit")
	return events.NewHandler(auditHandlerName, func(ctx context.Context, e events.Event) error {
		log.Info("event received",
			zap.String(interfaces.KeyEventName, e.Name),
			zap.String(interfaces.KeySource, e.Source),
			zap.String(interfaces.KeyEventID, e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String(interfaces.KeyCorrelationID, logger.CorrelationID(ctx)),
		)
		return nil
	})
}

// subscriptions returns the configured event names, or the wildcard when none are set.
func subscriptions(names []string) []string {
	if len(names) == 0 {
		return []string{events.Wildcard}
	}
	return names
}
