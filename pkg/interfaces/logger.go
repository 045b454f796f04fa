package interfaces

import (
	"context"
	"time"
)

// Keys shared by every log entry that concerns an event.
const (
	KeyEventName     = "event_name"
	KeySource        = "source"
	KeyEventID       = "event_id"
	KeyCorrelationID = "correlation_id"
	KeyHandler       = "handler"
	KeyAttempt       = "attempt"
)

// Logger is the structured logger the event core writes to. Implementations
// must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Fatal logs and terminates the process
	Fatal(msg string, fields ...Field)

	// WithContext returns a logger carrying request-scoped fields found in ctx
	WithContext(ctx context.Context) Logger

	// WithFields returns a child logger that adds fields to every entry
	WithFields(fields ...Field) Logger
}

// Field is one key/value pair of a log entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error stores err under the "error" key.
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// EventFields identifies an event in a log entry.
func EventFields(name, source, id string) []Field {
	return []Field{
		String(KeyEventName, name),
		String(KeySource, source),
		String(KeyEventID, id),
	}
}
