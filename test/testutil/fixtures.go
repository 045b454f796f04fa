package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narwhalmedia/backbone/pkg/events"
)

// CreateTestDomainEvent creates an order.placed domain event with default values.
func CreateTestDomainEvent(source string, opts ...events.Option) events.Event {
	return events.NewDomainEvent("order.placed", source, "orders", "checkout",
		uuid.NewString(), "order", map[string]any{"total": 42.0}, opts...)
}

// CreateTestIntegrationEvent creates an invoice.sent integration event.
func CreateTestIntegrationEvent(source string, opts ...events.Option) events.Event {
	return events.NewIntegrationEvent("invoice.sent", source, "billing", "invoicing",
		[]string{"crm"}, map[string]any{"invoice": uuid.NewString()}, opts...)
}

// CreateTestSystemEvent creates a cache.evicted system event.
func CreateTestSystemEvent(source string, severity events.Severity, opts ...events.Option) events.Event {
	return events.NewSystemEvent("cache.evicted", source, "cdn", "eviction",
		severity, map[string]any{"keys": 3.0}, opts...)
}

// CreateTestLifecycle returns the records of one event published at `at` and
// handled by handler: processing for every attempt, then the terminal status.
func CreateTestLifecycle(e events.Event, handler string, attempts int, terminal events.Status, at time.Time) []events.Record {
	recs := []events.Record{events.NewRecord(e, events.StatusPublished, "", 0, nil, at)}
	for i := 1; i <= attempts; i++ {
		recs = append(recs, events.NewRecord(e, events.StatusProcessing, handler, i, nil, at))
	}
	var cause error
	if terminal == events.StatusFailed {
		cause = fmt.Errorf("attempt %d failed", attempts)
	}
	return append(recs, events.NewRecord(e, terminal, handler, attempts, cause, at))
}

// RecordingHandler records the events it handles and fails the first
// FailFirst invocations.
type RecordingHandler struct {
	HandlerName string
	FailFirst   int

	mu    sync.Mutex
	calls int
	seen  []events.Event
}

// NewRecordingHandler creates a handler that always succeeds.
func NewRecordingHandler(name string) *RecordingHandler {
	return &RecordingHandler{HandlerName: name}
}

func (h *RecordingHandler) Name() string { return h.HandlerName }

func (h *RecordingHandler) Handle(_ context.Context, e events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.FailFirst {
		return errors.New("transient failure")
	}
	h.seen = append(h.seen, e)
	return nil
}

// Calls returns the number of invocations, failed ones included.
func (h *RecordingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// Seen returns the events handled successfully.
func (h *RecordingHandler) Seen() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.seen...)
}
