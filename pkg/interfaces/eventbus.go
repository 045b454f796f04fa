package interfaces

import (
	"context"
	"time"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// EventBus provides publish/subscribe for event envelopes. Every
// implementation validates, audits and logs the same way; only the
// transport underneath differs.
type EventBus interface {
	// Publish validates the event, records it as published and hands it to
	// the transport. It returns once the transport accepted the message.
	Publish(ctx context.Context, event events.Event) error

	// PublishBatch validates all events before publishing any of them.
	PublishBatch(ctx context.Context, batch []events.Event) error

	// Subscribe registers a handler for an event name ("*" for all)
	Subscribe(eventName string, handler events.Handler, opts ...RegisterOption) error

	// Unsubscribe removes a handler registration
	Unsubscribe(eventName, handlerName string) error

	// Start starts the receive loops
	Start(ctx context.Context) error

	// Close drains in-flight handlers and releases the transport
	Close(ctx context.Context) error
}

// Registration is a handler bound to an event name.
type Registration struct {
	EventName string
	Handler   events.Handler
	Policy    events.RetryPolicy
	Filter    events.Filter
}

// RegisterOption customizes a Registration.
type RegisterOption func(*Registration)

// WithRetryPolicy overrides the default retry policy of a registration.
func WithRetryPolicy(p events.RetryPolicy) RegisterOption {
	return func(r *Registration) { r.Policy = p }
}

// WithFilter only delivers events for which f returns true.
func WithFilter(f events.Filter) RegisterOption {
	return func(r *Registration) { r.Filter = f }
}

// Message is a serialized envelope in flight.
type Message struct {
	ID            string
	Name          string
	CorrelationID string
	Payload       []byte
}

// DeliverFunc receives a message from a transport. A non-nil error asks the
// transport to redeliver when it can.
type DeliverFunc func(ctx context.Context, msg Message) error

// Transport moves serialized envelopes between processes.
type Transport interface {
	// Send returns once the broker accepted the message
	Send(ctx context.Context, msg Message) error

	// Receive starts delivering messages named eventName to deliver and
	// returns immediately. Delivery stops when ctx is done or on Close.
	Receive(ctx context.Context, eventName string, deliver DeliverFunc) error

	// Close releases broker resources
	Close() error
}

// EventStore is the append-only audit log of event status transitions.
type EventStore interface {
	// Append writes a new record and returns it with its sequence assigned
	Append(ctx context.Context, record events.Record) (events.Record, error)

	// GetEventsBySource returns the newest limit records from source
	GetEventsBySource(ctx context.Context, source string, limit int) ([]events.Record, error)

	// GetEventsByName returns the newest limit records named eventName
	GetEventsByName(ctx context.Context, eventName string, limit int) ([]events.Record, error)

	// GetEventsByCorrelationID returns all records of a correlation id, oldest first
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]events.Record, error)

	// GetEventsSince returns up to limit records at or after since, oldest first
	GetEventsSince(ctx context.Context, since time.Time, limit int) ([]events.Record, error)

	// History returns every record of one event in insertion order
	History(ctx context.Context, eventID string) ([]events.Record, error)

	// Close releases the store
	Close() error
}
