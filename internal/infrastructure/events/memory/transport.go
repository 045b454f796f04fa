package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

var _ interfaces.Transport = (*Transport)(nil)

// Transport moves messages between buses of the same process through one
// buffered channel per subscription.
type Transport struct {
	subs       map[string][]*subscription
	mu         sync.RWMutex
	logger     interfaces.Logger
	buffer     int
	maxDeliver int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
}

type subscription struct {
	name string
	ch   chan interfaces.Message
	ctx  context.Context
}

// deliveringKey marks the ctx of a delivery with its subscription.
type deliveringKey struct{}

var errSelfFull = errors.New("queue is full and only drained by the calling delivery")

// Option customizes a Transport.
type Option func(*Transport)

// WithMaxDeliver bounds delivery attempts of one message to one subscription.
func WithMaxDeliver(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxDeliver = n
		}
	}
}

// NewTransport creates an in-memory transport. buffer is the capacity of
// each subscription queue.
func NewTransport(buffer int, logger interfaces.Logger, opts ...Option) *Transport {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		subs:       make(map[string][]*subscription),
		logger:     logger,
		buffer:     buffer,
		maxDeliver: 3,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send enqueues msg on every subscription for its name and on wildcard
// subscriptions. It blocks while a queue is full, except when called from a
// delivery of that same subscription: that goroutine is the only consumer
// of the queue, so Send fails with a Transport error instead of
// deadlocking. Messages nobody subscribed to are dropped.
func (t *Transport) Send(ctx context.Context, msg interfaces.Message) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return apperrors.Transport("send "+msg.Name, apperrors.ShuttingDown("memory transport closed"))
	}
	targets := make([]*subscription, 0, len(t.subs[msg.Name])+len(t.subs[events.Wildcard]))
	targets = append(targets, t.subs[msg.Name]...)
	targets = append(targets, t.subs[events.Wildcard]...)
	t.mu.RUnlock()

	delivering, _ := ctx.Value(deliveringKey{}).(*subscription)
	for _, sub := range targets {
		if sub == delivering {
			select {
			case sub.ch <- msg:
				continue
			default:
				return apperrors.Transport("send "+msg.Name, errSelfFull)
			}
		}
		select {
		case sub.ch <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return apperrors.Transport("send "+msg.Name, ctx.Err())
		}
	}
	return nil
}

// Receive starts a delivery goroutine for eventName ("*" for every name).
func (t *Transport) Receive(ctx context.Context, eventName string, deliver interfaces.DeliverFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return apperrors.Transport("receive "+eventName, apperrors.ShuttingDown("memory transport closed"))
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	sub := &subscription{
		name: eventName,
		ch:   make(chan interfaces.Message, t.buffer),
		ctx:  subCtx,
	}
	t.subs[eventName] = append(t.subs[eventName], sub)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer stop()
		defer cancel()
		defer t.remove(sub)

		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.ch:
				t.deliver(subCtx, sub, msg, deliver)
			}
		}
	}()

	t.logger.Debug("Memory subscription started", interfaces.String(interfaces.KeyEventName, eventName))
	return nil
}

func (t *Transport) deliver(ctx context.Context, sub *subscription, msg interfaces.Message, deliver interfaces.DeliverFunc) {
	ctx = context.WithValue(ctx, deliveringKey{}, sub)
	var err error
	for attempt := 1; attempt <= t.maxDeliver; attempt++ {
		if err = deliver(ctx, msg); err == nil {
			return
		}
		if attempt == t.maxDeliver {
			break
		}
		if events.Sleep(ctx, time.Duration(attempt)*10*time.Millisecond) != nil {
			break
		}
	}
	t.logger.Warn("Dropping message after failed deliveries",
		interfaces.String(interfaces.KeyEventName, msg.Name),
		interfaces.String("message_id", msg.ID),
		interfaces.String("subscription", sub.name),
		interfaces.Error(err),
	)
}

func (t *Transport) remove(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[sub.name]
	for i, s := range subs {
		if s == sub {
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			t.subs[sub.name] = append(next, subs[i+1:]...)
			break
		}
	}
	if len(t.subs[sub.name]) == 0 {
		delete(t.subs, sub.name)
	}
}

// Close stops every subscription and waits for in-progress deliveries.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.logger.Info("Memory transport stopped")
	return nil
}
