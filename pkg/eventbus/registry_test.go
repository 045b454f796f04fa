package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

func noopHandler(name string) events.Handler {
	return events.NewHandler(name, func(ctx context.Context, e events.Event) error { return nil })
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(events.DefaultRetryPolicy())

	require.NoError(t, r.Register("user.created", noopHandler("welcome-mail")))
	require.NoError(t, r.Register("user.created", noopHandler("crm-sync"),
		interfaces.WithRetryPolicy(events.RetryPolicy{MaxAttempts: 5, DelaySeconds: 2, ExponentialBackoff: true})))

	regs := r.Handlers("user.created")
	require.Len(t, regs, 2)
	assert.Equal(t, "welcome-mail", regs[0].Handler.Name())
	assert.Equal(t, events.DefaultRetryPolicy(), regs[0].Policy)
	assert.Equal(t, 5, regs[1].Policy.MaxAttempts)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry(events.DefaultRetryPolicy())
	require.NoError(t, r.Register("user.created", noopHandler("welcome-mail")))

	err := r.Register("user.created", noopHandler("welcome-mail"))
	assert.True(t, apperrors.IsDuplicateRegistration(err))

	// Same handler name on another event is fine.
	assert.NoError(t, r.Register("user.updated", noopHandler("welcome-mail")))
}

func TestRegistry_InvalidRegistrations(t *testing.T) {
	r := NewRegistry(events.DefaultRetryPolicy())

	tests := []struct {
		name      string
		eventName string
		handler   events.Handler
		opts      []interfaces.RegisterOption
	}{
		{name: "empty event name", eventName: "", handler: noopHandler("h")},
		{name: "nil handler", eventName: "user.created", handler: nil},
		{name: "unnamed handler", eventName: "user.created", handler: noopHandler("")},
		{
			name:      "zero attempts",
			eventName: "user.created",
			handler:   noopHandler("h"),
			opts:      []interfaces.RegisterOption{interfaces.WithRetryPolicy(events.RetryPolicy{MaxAttempts: 0})},
		},
		{
			name:      "negative delay",
			eventName: "user.created",
			handler:   noopHandler("h"),
			opts:      []interfaces.RegisterOption{interfaces.WithRetryPolicy(events.RetryPolicy{MaxAttempts: 1, DelaySeconds: -1})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.eventName, tt.handler, tt.opts...)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
	assert.Zero(t, r.Count())
}

func TestRegistry_Wildcard(t *testing.T) {
	r := NewRegistry(events.DefaultRetryPolicy())
	require.NoError(t, r.Register("user.created", noopHandler("audit")))
	require.NoError(t, r.Register("user.created", noopHandler("welcome-mail")))
	require.NoError(t, r.Register(events.Wildcard, noopHandler("audit")))
	require.NoError(t, r.Register(events.Wildcard, noopHandler("metrics")))

	var names []string
	for _, reg := range r.Handlers("user.created") {
		names = append(names, reg.Handler.Name())
	}
	assert.Equal(t, []string{"audit", "welcome-mail", "metrics"}, names)

	names = names[:0]
	for _, reg := range r.Handlers("user.deleted") {
		names = append(names, reg.Handler.Name())
	}
	assert.Equal(t, []string{"audit", "metrics"}, names)
	assert.True(t, r.HasWildcard())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(events.DefaultRetryPolicy())
	require.NoError(t, r.Register("user.created", noopHandler("welcome-mail")))

	assert.True(t, apperrors.IsNotFound(r.Unregister("user.created", "missing")))
	require.NoError(t, r.Unregister("user.created", "welcome-mail"))
	assert.False(t, r.Has("user.created"))
	assert.Empty(t, r.EventNames())
}

func TestNewRegistry_InvalidDefaults(t *testing.T) {
	r := NewRegistry(events.RetryPolicy{MaxAttempts: -3})
	assert.Equal(t, events.DefaultRetryPolicy(), r.Defaults())
}
