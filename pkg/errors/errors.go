package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed envelope or argument
	ErrorTypeValidation ErrorType = "VALIDATION"
	// ErrorTypeTransport indicates the broker could not be reached
	ErrorTypeTransport ErrorType = "TRANSPORT"
	// ErrorTypeHandler indicates a business failure inside a handler
	ErrorTypeHandler ErrorType = "HANDLER"
	// ErrorTypeExhaustedRetries indicates a handler ran out of attempts
	ErrorTypeExhaustedRetries ErrorType = "EXHAUSTED_RETRIES"
	// ErrorTypeDuplicateRegistration indicates a handler was registered twice for one event name
	ErrorTypeDuplicateRegistration ErrorType = "DUPLICATE_REGISTRATION"
	// ErrorTypeDuplicateEvent indicates an event id was published twice
	ErrorTypeDuplicateEvent ErrorType = "DUPLICATE_EVENT"
	// ErrorTypeInvalidTransition indicates a status record that moves a lifecycle backwards
	ErrorTypeInvalidTransition ErrorType = "INVALID_TRANSITION"
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeShuttingDown indicates the dispatcher no longer accepts events
	ErrorTypeShuttingDown ErrorType = "SHUTTING_DOWN"
	// ErrorTypeDrainTimeout indicates in-flight work did not finish before the drain deadline
	ErrorTypeDrainTimeout ErrorType = "DRAIN_TIMEOUT"
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error returns the error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new application error
func New(errorType ErrorType, message string) error {
	return &AppError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an error with an application error
func Wrap(errorType ErrorType, message string, err error) error {
	return &AppError{
		Type:    errorType,
		Message: message,
		Err:     err,
	}
}

// Validation creates a validation error
func Validation(message string) error {
	return New(ErrorTypeValidation, message)
}

// Transport wraps a broker failure
func Transport(message string, err error) error {
	return Wrap(ErrorTypeTransport, message, err)
}

// Handler wraps the cause returned by a handler
func Handler(handler string, err error) error {
	return Wrap(ErrorTypeHandler, fmt.Sprintf("handler %q failed", handler), err)
}

// ExhaustedRetries wraps the last cause of a handler that ran out of attempts
func ExhaustedRetries(handler string, attempts int, err error) error {
	return Wrap(ErrorTypeExhaustedRetries,
		fmt.Sprintf("handler %q gave up after %d attempt(s)", handler, attempts), err)
}

// DuplicateRegistration creates a duplicate registration error
func DuplicateRegistration(eventName, handler string) error {
	return New(ErrorTypeDuplicateRegistration,
		fmt.Sprintf("handler %q already registered for %q", handler, eventName))
}

// DuplicateEvent creates a duplicate event error
func DuplicateEvent(eventID string) error {
	return New(ErrorTypeDuplicateEvent, fmt.Sprintf("event %s already published", eventID))
}

// InvalidTransition creates an invalid status transition error
func InvalidTransition(message string) error {
	return New(ErrorTypeInvalidTransition, message)
}

// NotFound creates a not found error
func NotFound(message string) error {
	return New(ErrorTypeNotFound, message)
}

// ShuttingDown creates a shutting down error
func ShuttingDown(message string) error {
	return New(ErrorTypeShuttingDown, message)
}

// DrainTimeout wraps the context error of an expired drain
func DrainTimeout(err error) error {
	return Wrap(ErrorTypeDrainTimeout, "in-flight handlers did not finish before the drain deadline", err)
}

// Internal creates an internal error
func Internal(message string) error {
	return New(ErrorTypeInternal, message)
}

// TypeOf returns the ErrorType of the outermost AppError in the chain, or "".
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func is(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return is(err, ErrorTypeValidation)
}

// IsTransport checks if an error is a transport error
func IsTransport(err error) bool {
	return is(err, ErrorTypeTransport)
}

// IsHandler checks if an error is a handler error
func IsHandler(err error) bool {
	return is(err, ErrorTypeHandler)
}

// IsExhaustedRetries checks if an error is an exhausted retries error
func IsExhaustedRetries(err error) bool {
	return is(err, ErrorTypeExhaustedRetries)
}

// IsDuplicateRegistration checks if an error is a duplicate registration error
func IsDuplicateRegistration(err error) bool {
	return is(err, ErrorTypeDuplicateRegistration)
}

// IsDuplicateEvent checks if an error is a duplicate event error
func IsDuplicateEvent(err error) bool {
	return is(err, ErrorTypeDuplicateEvent)
}

// IsInvalidTransition checks if an error is an invalid transition error
func IsInvalidTransition(err error) bool {
	return is(err, ErrorTypeInvalidTransition)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrorTypeNotFound)
}

// IsShuttingDown checks if an error is a shutting down error
func IsShuttingDown(err error) bool {
	return is(err, ErrorTypeShuttingDown)
}

// IsDrainTimeout checks if an error is a drain timeout error
func IsDrainTimeout(err error) bool {
	return is(err, ErrorTypeDrainTimeout)
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrorTypeInternal)
}

// IsRetryable reports whether a retry loop should try again after err.
// Validation failures are never retried; everything else is, because plain
// errors returned by handlers count as business failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case ErrorTypeValidation, ErrorTypeDuplicateEvent, ErrorTypeInvalidTransition,
		ErrorTypeDuplicateRegistration, ErrorTypeShuttingDown:
		return false
	}
	return !IsValidation(err) && !IsShuttingDown(err)
}

// IsDuplicateError checks if an error is a duplicate key error
func IsDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") ||
		strings.Contains(errStr, "UNIQUE constraint") ||
		strings.Contains(errStr, "duplicate entry")
}
