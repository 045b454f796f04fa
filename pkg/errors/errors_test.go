package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := Transport("publish user.created", errors.New("connection refused"))
	assert.Equal(t, "TRANSPORT: publish user.created: connection refused", err.Error())
	assert.Equal(t, "VALIDATION: name is required", Validation("name is required").Error())
}

func TestIsHelpersWalkTheChain(t *testing.T) {
	cause := errors.New("timeout")
	err := ExhaustedRetries("mailer", 3, Handler("mailer", cause))
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.True(t, IsExhaustedRetries(wrapped))
	assert.True(t, IsHandler(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrorTypeExhaustedRetries, TypeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: true},
		{name: "handler", err: Handler("h", errors.New("boom")), want: true},
		{name: "transport", err: Transport("send", errors.New("eof")), want: true},
		{name: "validation", err: Validation("bad"), want: false},
		{name: "wrapped validation", err: Handler("h", Validation("bad")), want: false},
		{name: "duplicate event", err: DuplicateEvent("e-1"), want: false},
		{name: "invalid transition", err: InvalidTransition("processed before processing"), want: false},
		{name: "closed transport", err: Transport("send", ShuttingDown("closed")), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDrainTimeoutWrapsCause(t *testing.T) {
	err := DrainTimeout(errors.New("deadline exceeded"))
	assert.True(t, IsDrainTimeout(err))
	assert.Contains(t, err.Error(), "deadline exceeded")
}
