package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

// DefaultDrainTimeout bounds Shutdown when no timeout is configured.
const DefaultDrainTimeout = 30 * time.Second

// progressReader is implemented by stores that can report how far a handler
// got with an event. Redelivered events resume from there.
type progressReader interface {
	HandlerState(ctx context.Context, eventID, handler string) (events.HandlerState, error)
}

// Dispatcher invokes the registered handlers of delivered events, retries
// failures per registration policy and records every transition.
type Dispatcher struct {
	registry *Registry
	store    interfaces.EventStore
	logger   interfaces.Logger
	metrics  *Metrics
	sleep    events.Sleeper
	now      func() time.Time

	drainTimeout time.Duration
	cancelGrace  time.Duration
	errs         chan error

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
	chains   map[chainKey]struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// chainKey names the attempt chain of one handler for one event.
type chainKey struct {
	eventID string
	handler string
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSleeper replaces the real-clock backoff sleep.
func WithSleeper(s events.Sleeper) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = s }
}

// WithDispatcherClock sets the clock used to stamp records.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDrainTimeout bounds how long Shutdown waits for in-flight handlers.
func WithDrainTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.drainTimeout = timeout
		}
	}
}

// WithCancelGrace bounds how long Shutdown waits for cancelled handlers to
// record their failure after the drain timeout expired.
func WithCancelGrace(grace time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.cancelGrace = grace }
}

// WithErrorBuffer sets the capacity of the Errors channel.
func WithErrorBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.errs = make(chan error, n)
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over registry that records to store.
func NewDispatcher(registry *Registry, store interfaces.EventStore, log interfaces.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = logger.NewNoop()
	}
	d := &Dispatcher{
		registry:     registry,
		store:        store,
		logger:       log,
		sleep:        events.Sleep,
		now:          time.Now,
		drainTimeout: DefaultDrainTimeout,
		cancelGrace:  time.Second,
		errs:         make(chan error, 64),
		chains:       make(map[chainKey]struct{}),
	}
	d.runCtx, d.cancelRun = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Errors delivers ExhaustedRetries errors. Errors are dropped when the
// channel is full; the store keeps the failed record regardless.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// Dispatch runs every matching handler for event concurrently and waits for
// all of them. Handler failures are recorded and reported on Errors, not
// returned; the returned error means some transition could not be recorded
// and the event should be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, event events.Event) error {
	if err := event.Validate(); err != nil {
		d.logger.Warn("Dropping invalid event",
			interfaces.String(interfaces.KeyEventID, event.ID),
			interfaces.String(interfaces.KeyEventName, event.Name),
			interfaces.Error(err),
		)
		return err
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return apperrors.ShuttingDown("dispatcher is shutting down")
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	d.metrics.addInflight(1)
	defer d.metrics.addInflight(-1)

	var regs []interfaces.Registration
	for _, reg := range d.registry.Handlers(event.Name) {
		if reg.Filter == nil || reg.Filter(event) {
			regs = append(regs, reg)
		}
	}
	if len(regs) == 0 {
		d.logger.Debug("No handlers for event",
			interfaces.String(interfaces.KeyEventName, event.Name),
			interfaces.String(interfaces.KeyEventID, event.ID),
		)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.runCtx, cancel)
	defer stop()

	ctx, span := startSpan(ctx, "eventbus.dispatch", trace.SpanKindConsumer,
		append(eventAttributes(event), attribute.Int("handlers", len(regs)))...)
	ctx = logger.WithCorrelationID(ctx, event.Metadata.CorrelationID)

	results := make([]error, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.run(ctx, event, reg)
		}()
	}
	wg.Wait()

	err := errors.Join(results...)
	endSpan(span, err)
	return err
}

// run drives the attempt chain of one handler.
func (d *Dispatcher) run(ctx context.Context, event events.Event, reg interfaces.Registration) error {
	name := reg.Handler.Name()
	log := d.logger.WithFields(
		interfaces.String(interfaces.KeyEventName, event.Name),
		interfaces.String(interfaces.KeyEventID, event.ID),
		interfaces.String(interfaces.KeyHandler, name),
	)
	// A redelivery can arrive while the first delivery is still retrying;
	// attempts of one chain stay sequential.
	key := chainKey{eventID: event.ID, handler: name}
	if !d.claim(key) {
		log.Debug("Skipping event already being handled")
		return nil
	}
	defer d.release(key)

	// Records must land even after ctx is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	var state events.HandlerState
	if pr, ok := d.store.(progressReader); ok {
		s, err := pr.HandlerState(storeCtx, event.ID, name)
		if err != nil {
			return fmt.Errorf("read progress of %s/%s: %w", event.ID, name, err)
		}
		state = s
	}
	if state.Done() {
		log.Debug("Skipping redelivered event", interfaces.String("status", string(state.Terminal)))
		return nil
	}

	policy := reg.Policy
	attempt := state.Attempts
	var cause error

	for {
		if attempt >= policy.MaxAttempts {
			if cause == nil {
				cause = fmt.Errorf("%d attempt(s) already recorded", attempt)
			}
			break
		}
		if err := ctx.Err(); err != nil {
			if attempt == 0 {
				// Nothing recorded yet; leave the event to redelivery.
				return apperrors.ShuttingDown(fmt.Sprintf("handler %q not started: %v", name, err))
			}
			cause = errors.Join(cause, err)
			break
		}

		attempt++
		if _, err := d.store.Append(storeCtx, events.NewRecord(event, events.StatusProcessing, name, attempt, nil, d.now())); err != nil {
			return fmt.Errorf("record processing of %s/%s: %w", event.ID, name, err)
		}

		start := d.now()
		err := d.invoke(ctx, reg.Handler, event, attempt)
		elapsed := d.now().Sub(start)
		d.metrics.observeAttempt(event.Name, name, elapsed)

		if err == nil {
			if _, err := d.store.Append(storeCtx, events.NewRecord(event, events.StatusProcessed, name, attempt, nil, d.now())); err != nil {
				return fmt.Errorf("record processed of %s/%s: %w", event.ID, name, err)
			}
			d.metrics.incOutcome(event.Name, name, string(events.StatusProcessed))
			log.Info("Event handled",
				interfaces.Int(interfaces.KeyAttempt, attempt),
				interfaces.Duration("duration", elapsed),
			)
			return nil
		}

		cause = err
		if !apperrors.IsRetryable(err) {
			log.Warn("Handler failed with a non-retryable error", interfaces.Int(interfaces.KeyAttempt, attempt), interfaces.Error(err))
			break
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		delay := policy.NextDelay(attempt)
		log.Warn("Handler failed, retrying",
			interfaces.Int(interfaces.KeyAttempt, attempt),
			interfaces.Duration("delay", delay),
			interfaces.Error(err),
		)
		if err := d.sleep(ctx, delay); err != nil {
			cause = errors.Join(cause, err)
			break
		}
	}

	exhausted := apperrors.ExhaustedRetries(name, attempt, cause)
	if _, err := d.store.Append(storeCtx, events.NewRecord(event, events.StatusFailed, name, attempt, cause, d.now())); err != nil {
		return fmt.Errorf("record failure of %s/%s: %w", event.ID, name, err)
	}
	d.metrics.incOutcome(event.Name, name, string(events.StatusFailed))
	log.Error("Handler failed permanently", interfaces.Int("attempts", attempt), interfaces.Error(cause))

	select {
	case d.errs <- exhausted:
	default:
		log.Warn("Error channel full, dropping exhausted retries error")
	}
	return nil
}

func (d *Dispatcher) claim(key chainKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.chains[key]; busy {
		return false
	}
	d.chains[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key chainKey) {
	d.mu.Lock()
	delete(d.chains, key)
	d.mu.Unlock()
}

// invoke calls the handler once, turning panics into handler errors.
func (d *Dispatcher) invoke(ctx context.Context, h events.Handler, event events.Event, attempt int) (err error) {
	ctx, span := startSpan(ctx, "eventbus.handle", trace.SpanKindInternal,
		attribute.String("handler", h.Name()),
		attribute.String("event.id", event.ID),
		attribute.Int("attempt", attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Handler(h.Name(), fmt.Errorf("panic: %v", r))
		}
		endSpan(span, err)
	}()

	if err := h.Handle(ctx, event.Clone()); err != nil {
		if apperrors.IsValidation(err) {
			return err
		}
		return apperrors.Handler(h.Name(), err)
	}
	return nil
}

// shutdownBudget is the longest Shutdown waits before giving up on
// in-flight handlers.
func (d *Dispatcher) shutdownBudget() time.Duration {
	return d.drainTimeout + d.cancelGrace
}

// Shutdown stops accepting events and waits for in-flight dispatches. When
// the drain timeout or ctx expires first, in-flight handlers are cancelled;
// their chains record failed at the next suspension point and Shutdown
// returns a DrainTimeout error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-done:
		d.cancelRun()
		d.logger.Info("Dispatcher drained")
		return nil
	case <-timer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	}

	d.cancelRun()
	grace := time.NewTimer(d.cancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	}

	d.logger.Warn("Dispatcher drain timed out", interfaces.Duration("drain_timeout", d.drainTimeout))
	return apperrors.DrainTimeout(cause)
}
