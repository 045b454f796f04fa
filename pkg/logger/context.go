package logger

import (
	"context"

	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

type ctxKey struct{ name string }

var (
	loggerKey      = ctxKey{"logger"}
	correlationKey = ctxKey{"correlation_id"}
)

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l interfaces.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored by WithContext, or a no-op logger.
func FromContext(ctx context.Context) interfaces.Logger {
	if l, ok := ctx.Value(loggerKey).(interfaces.Logger); ok {
		return l
	}
	return NewNoop()
}

// WithFields replaces the logger in ctx with a child carrying fields.
func WithFields(ctx context.Context, fields ...interfaces.Field) context.Context {
	return WithContext(ctx, FromContext(ctx).WithFields(fields...))
}

// WithCorrelationID stores the correlation id of the event being handled.
// Handlers read it back with CorrelationID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
