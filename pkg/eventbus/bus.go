package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

var _ interfaces.EventBus = (*Bus)(nil)

// Bus implements interfaces.EventBus over any Transport. Validation, audit
// records and logging are identical whichever transport is plugged in.
type Bus struct {
	transport  interfaces.Transport
	store      interfaces.EventStore
	registry   *Registry
	dispatcher *Dispatcher
	logger     interfaces.Logger
	metrics    *Metrics

	publishPolicy events.RetryPolicy
	sleep         events.Sleeper
	now           func() time.Time

	mu         sync.Mutex
	runCtx     context.Context
	started    bool
	closed     bool
	receiveAll bool
	loops      map[string]*receiveLoop
}

// receiveLoop is a transport subscription owned by the bus. It is reserved
// in loops before Receive is called so b.mu is never held across
// transport I/O.
type receiveLoop struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithPublishRetry sets the policy for transport sends during Publish.
func WithPublishRetry(p events.RetryPolicy) BusOption {
	return func(b *Bus) {
		if p.Validate() == nil {
			b.publishPolicy = p
		}
	}
}

// WithBusSleeper replaces the real-clock sleep between transport retries.
func WithBusSleeper(s events.Sleeper) BusOption {
	return func(b *Bus) { b.sleep = s }
}

// WithBusClock sets the clock used to stamp published records.
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// WithBusMetrics records publish metrics.
func WithBusMetrics(m *Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus. The dispatcher must share registry.
func NewBus(transport interfaces.Transport, store interfaces.EventStore, registry *Registry, dispatcher *Dispatcher, log interfaces.Logger, opts ...BusOption) *Bus {
	if log == nil {
		log = logger.NewNoop()
	}
	b := &Bus{
		transport:     transport,
		store:         store,
		registry:      registry,
		dispatcher:    dispatcher,
		logger:        log,
		publishPolicy: events.RetryPolicy{MaxAttempts: 3, DelaySeconds: 0.2, ExponentialBackoff: true},
		sleep:         events.Sleep,
		now:           time.Now,
		loops:         make(map[string]*receiveLoop),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates event, records it as published and sends it. Invalid
// events leave no record. When the transport gives up, a handler-less
// failed record follows the published one and a Transport error is returned.
func (b *Bus) Publish(ctx context.Context, event events.Event) error {
	if err := event.Validate(); err != nil {
		b.metrics.incRejected()
		b.logger.Warn("Rejected invalid event", append(
			interfaces.EventFields(event.Name, event.Source, event.ID),
			interfaces.Error(err),
		)...)
		return err
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return apperrors.ShuttingDown("event bus is closed")
	}

	ctx, span := startSpan(ctx, "eventbus.publish", trace.SpanKindProducer, eventAttributes(event)...)
	err := b.publish(ctx, event)
	endSpan(span, err)
	return err
}

func (b *Bus) publish(ctx context.Context, event events.Event) error {
	event = event.WithStatus(events.StatusPublished, event.UpdatedAt)
	if _, err := b.store.Append(ctx, events.NewRecord(event, events.StatusPublished, "", 0, nil, b.now())); err != nil {
		return err
	}

	payload, err := event.Marshal()
	if err != nil {
		return b.publishFailed(ctx, event, apperrors.Wrap(apperrors.ErrorTypeInternal, "encode event", err))
	}
	msg := interfaces.Message{
		ID:            event.ID,
		Name:          event.Name,
		CorrelationID: event.Metadata.CorrelationID,
		Payload:       payload,
	}

	var sendErr error
	for attempt := 1; attempt <= b.publishPolicy.MaxAttempts; attempt++ {
		sendErr = b.transport.Send(ctx, msg)
		if sendErr == nil {
			break
		}
		if !apperrors.IsRetryable(sendErr) || attempt == b.publishPolicy.MaxAttempts {
			break
		}
		b.logger.Warn("Transport send failed, retrying",
			interfaces.String(interfaces.KeyEventID, event.ID),
			interfaces.Int(interfaces.KeyAttempt, attempt),
			interfaces.Error(sendErr),
		)
		if err := b.sleep(ctx, b.publishPolicy.NextDelay(attempt)); err != nil {
			sendErr = errors.Join(sendErr, err)
			break
		}
	}
	if sendErr != nil {
		if !apperrors.IsTransport(sendErr) {
			sendErr = apperrors.Transport("send event", sendErr)
		}
		return b.publishFailed(ctx, event, sendErr)
	}

	b.metrics.incPublished(event.Name)
	b.logger.Info("Event published", append(
		interfaces.EventFields(event.Name, event.Source, event.ID),
		interfaces.String(interfaces.KeyCorrelationID, event.Metadata.CorrelationID),
	)...)
	return nil
}

func (b *Bus) publishFailed(ctx context.Context, event events.Event, cause error) error {
	b.metrics.incPublishFailure(event.Name)
	if _, err := b.store.Append(context.WithoutCancel(ctx),
		events.NewRecord(event, events.StatusFailed, "", 0, cause, b.now())); err != nil {
		b.logger.Error("Failed to record publish failure", interfaces.String(interfaces.KeyEventID, event.ID), interfaces.Error(err))
	}
	b.logger.Error("Event publish failed", append(
		interfaces.EventFields(event.Name, event.Source, event.ID),
		interfaces.Error(cause),
	)...)
	return cause
}

// PublishBatch validates the whole batch first and publishes nothing if any
// event is invalid. Per-event publish errors are joined.
func (b *Bus) PublishBatch(ctx context.Context, batch []events.Event) error {
	for i, e := range batch {
		if err := e.Validate(); err != nil {
			b.metrics.incRejected()
			return fmt.Errorf("event %d of batch: %w", i, err)
		}
	}
	var errs []error
	for _, e := range batch {
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers handler and, once started, makes sure the transport
// delivers eventName to this bus.
func (b *Bus) Subscribe(eventName string, handler events.Handler, opts ...interfaces.RegisterOption) error {
	if err := b.registry.Register(eventName, handler, opts...); err != nil {
		return err
	}
	b.metrics.setHandlers(b.registry.Count())

	b.mu.Lock()
	if !b.started || b.closed {
		b.mu.Unlock()
		return nil
	}
	reserved := b.reserve(eventName)
	b.mu.Unlock()

	if err := b.open(reserved); err != nil {
		_ = b.registry.Unregister(eventName, handler.Name())
		b.metrics.setHandlers(b.registry.Count())
		return err
	}
	return nil
}

// Unsubscribe removes a registration and stops receiving eventName when
// nothing else listens for it.
func (b *Bus) Unsubscribe(eventName, handlerName string) error {
	if err := b.registry.Unregister(eventName, handlerName); err != nil {
		return err
	}
	b.metrics.setHandlers(b.registry.Count())

	b.mu.Lock()
	if eventName != events.Wildcard {
		if !b.registry.Has(eventName) {
			b.stopLoop(eventName)
		}
		b.mu.Unlock()
		return nil
	}

	if b.registry.HasWildcard() || !b.receiveAll {
		b.mu.Unlock()
		return nil
	}
	b.stopLoop(events.Wildcard)
	b.receiveAll = false
	if !b.started || b.closed {
		b.mu.Unlock()
		return nil
	}
	var reserved []*receiveLoop
	for _, name := range b.registry.EventNames() {
		reserved = append(reserved, b.reserve(name)...)
	}
	b.mu.Unlock()

	return b.open(reserved)
}

// Start starts one receive loop per registered event name, or a single
// wildcard loop when a handler subscribed to every event.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperrors.ShuttingDown("event bus is closed")
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.runCtx = ctx
	b.started = true

	var reserved []*receiveLoop
	if b.registry.HasWildcard() {
		reserved = b.reserve(events.Wildcard)
	} else {
		for _, name := range b.registry.EventNames() {
			reserved = append(reserved, b.reserve(name)...)
		}
	}
	b.mu.Unlock()

	return b.open(reserved)
}

// reserve claims the loop slot of eventName. It returns nothing when the
// bus already receives eventName. Must be called with b.mu held.
func (b *Bus) reserve(eventName string) []*receiveLoop {
	if b.receiveAll {
		return nil
	}
	if _, ok := b.loops[eventName]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(b.runCtx)
	l := &receiveLoop{name: eventName, ctx: ctx, cancel: cancel}
	b.loops[eventName] = l
	return []*receiveLoop{l}
}

// stopLoop must be called with b.mu held.
func (b *Bus) stopLoop(eventName string) {
	if l, ok := b.loops[eventName]; ok {
		l.cancel()
		delete(b.loops, eventName)
	}
}

// open calls Receive for reserved loops without holding b.mu, then commits
// or releases each slot. A loop stopped while Receive ran is already
// cancelled and winds down on its own.
func (b *Bus) open(reserved []*receiveLoop) error {
	var errs []error
	for _, l := range reserved {
		err := b.transport.Receive(l.ctx, l.name, b.deliver)

		b.mu.Lock()
		owned := b.loops[l.name] == l
		switch {
		case err != nil:
			l.cancel()
			if owned {
				delete(b.loops, l.name)
			}
			errs = append(errs, err)
		case owned && l.name == events.Wildcard && !b.registry.HasWildcard():
			// Unsubscribed while Receive ran.
			b.stopLoop(l.name)
		case owned && l.name == events.Wildcard:
			// The wildcard loop sees every event; named loops would deliver twice.
			for name, other := range b.loops {
				if other != l {
					other.cancel()
					delete(b.loops, name)
				}
			}
			b.receiveAll = true
		}
		b.mu.Unlock()

		if err == nil && owned {
			b.logger.Debug("Receiving events", interfaces.String(interfaces.KeyEventName, l.name))
		}
	}
	return errors.Join(errs...)
}

// deliver is the transport callback. Malformed and invalid envelopes are
// logged and acknowledged; other errors ask for redelivery.
func (b *Bus) deliver(ctx context.Context, msg interfaces.Message) error {
	event, err := events.Decode(msg.Payload)
	if err != nil {
		b.logger.Error("Dropping undecodable message",
			interfaces.String("message_id", msg.ID),
			interfaces.String(interfaces.KeyEventName, msg.Name),
			interfaces.Error(err),
		)
		return nil
	}
	err = b.dispatcher.Dispatch(ctx, event)
	if apperrors.IsValidation(err) {
		return nil
	}
	return err
}

// Close drains the dispatcher, stops the receive loops and closes the
// transport. The whole call is bounded by the drain timeout plus the cancel
// grace: deliveries still stuck in handlers after that are abandoned. The
// store is left open for its owner to close.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	deadline := time.NewTimer(b.dispatcher.shutdownBudget())
	defer deadline.Stop()

	drainErr := b.dispatcher.Shutdown(ctx)

	b.mu.Lock()
	for name := range b.loops {
		b.stopLoop(name)
	}
	b.mu.Unlock()

	closed := make(chan error, 1)
	go func() { closed <- b.transport.Close() }()

	var closeErr error
	select {
	case err := <-closed:
		if err != nil {
			closeErr = apperrors.Transport("close transport", err)
		}
	case <-deadline.C:
		b.logger.Warn("Abandoning transport deliveries still in progress")
		if drainErr == nil {
			closeErr = apperrors.Transport("close transport", context.DeadlineExceeded)
		}
	case <-ctx.Done():
		b.logger.Warn("Abandoning transport deliveries still in progress", interfaces.Error(ctx.Err()))
		if drainErr == nil {
			closeErr = apperrors.Transport("close transport", ctx.Err())
		}
	}
	return errors.Join(drainErr, closeErr)
}

// Registry returns the registry of the bus.
func (b *Bus) Registry() *Registry { return b.registry }

// Dispatcher returns the dispatcher of the bus.
func (b *Bus) Dispatcher() *Dispatcher { return b.dispatcher }
