package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("github.com/narwhalmedia/backbone/eventbus")

func eventAttributes(e events.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event.id", e.ID),
		attribute.String("event.name", e.Name),
		attribute.String("event.source", e.Source),
		attribute.String("event.correlation_id", e.Metadata.CorrelationID),
	}
}

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
