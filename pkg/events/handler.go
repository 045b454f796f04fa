package events

import "context"

// Handler reacts to delivered events. Name identifies the handler within
// the registrations of one event name and in store records.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// NewHandler names fn.
func NewHandler(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

func (h *namedHandler) Name() string { return h.name }

func (h *namedHandler) Handle(ctx context.Context, event Event) error {
	return h.fn(ctx, event)
}

// Filter decides whether a registration wants an event.
type Filter func(event Event) bool
