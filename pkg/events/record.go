package events

import (
	"fmt"
	"time"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
)

// Record is one status transition of an event, as kept by an event store.
type Record struct {
	Sequence   int64     `json:"sequence"`
	Event      Event     `json:"event"`
	Status     Status    `json:"status"`
	Handler    string    `json:"handler,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// NewRecord snapshots e at status s.
func NewRecord(e Event, s Status, handler string, attempt int, cause error, at time.Time) Record {
	at = at.UTC()
	r := Record{
		Event:      e.Clone().WithStatus(s, at),
		Status:     s,
		Handler:    handler,
		Attempt:    attempt,
		RecordedAt: at,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

// EventID returns the id of the recorded event.
func (r Record) EventID() string { return r.Event.ID }

type chain struct {
	attempts int
	terminal Status
}

// Lifecycle tracks the transitions already recorded for one event and
// rejects records that would move it backwards.
type Lifecycle struct {
	published    bool
	publishError bool
	chains       map[string]*chain
}

// NewLifecycle returns an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{chains: make(map[string]*chain)}
}

// Replay rebuilds a lifecycle from records in insertion order.
func Replay(records []Record) *Lifecycle {
	l := NewLifecycle()
	for _, r := range records {
		l.Apply(r)
	}
	return l
}

// Check returns an error if r cannot follow the recorded transitions.
func (l *Lifecycle) Check(r Record) error {
	if r.Event.ID == "" {
		return apperrors.Validation("record has no eventId")
	}
	if !r.Status.Valid() {
		return apperrors.Validation(fmt.Sprintf("record has unknown status %q", r.Status))
	}

	switch r.Status {
	case StatusPublished:
		if r.Handler != "" {
			return apperrors.Validation("published records carry no handler")
		}
		if l.published {
			return apperrors.DuplicateEvent(r.Event.ID)
		}
		return nil

	case StatusProcessing:
		if r.Handler == "" {
			return apperrors.Validation("processing records need a handler")
		}
		c := l.chains[r.Handler]
		if c != nil && c.terminal != "" {
			return apperrors.InvalidTransition(fmt.Sprintf(
				"event %s handler %q already %s", r.Event.ID, r.Handler, c.terminal))
		}
		want := 1
		if c != nil {
			want = c.attempts + 1
		}
		if r.Attempt != want {
			return apperrors.InvalidTransition(fmt.Sprintf(
				"event %s handler %q: expected attempt %d, got %d", r.Event.ID, r.Handler, want, r.Attempt))
		}
		return nil

	default:
		if r.Handler == "" {
			if r.Status != StatusFailed {
				return apperrors.InvalidTransition("only failed may be recorded without a handler")
			}
			if !l.published || l.publishError {
				return apperrors.InvalidTransition(fmt.Sprintf(
					"event %s: publish failure needs a single published record", r.Event.ID))
			}
			return nil
		}
		c := l.chains[r.Handler]
		if c == nil || c.attempts == 0 {
			return apperrors.InvalidTransition(fmt.Sprintf(
				"event %s handler %q: %s before processing", r.Event.ID, r.Handler, r.Status))
		}
		if c.terminal != "" {
			return apperrors.InvalidTransition(fmt.Sprintf(
				"event %s handler %q already %s", r.Event.ID, r.Handler, c.terminal))
		}
		return nil
	}
}

// Apply records r without checking it.
func (l *Lifecycle) Apply(r Record) {
	switch {
	case r.Status == StatusPublished:
		l.published = true
	case r.Handler == "":
		l.publishError = true
	case r.Status == StatusProcessing:
		c := l.chains[r.Handler]
		if c == nil {
			c = &chain{}
			l.chains[r.Handler] = c
		}
		c.attempts = r.Attempt
	default:
		c := l.chains[r.Handler]
		if c == nil {
			c = &chain{}
			l.chains[r.Handler] = c
		}
		c.terminal = r.Status
	}
}

// Published reports whether a published record exists.
func (l *Lifecycle) Published() bool { return l.published }

// Attempts returns the number of processing attempts recorded for handler.
func (l *Lifecycle) Attempts(handler string) int {
	if c := l.chains[handler]; c != nil {
		return c.attempts
	}
	return 0
}

// HandlerState is the progress of one handler on one event.
type HandlerState struct {
	Attempts int
	Terminal Status
}

// Done reports whether the chain reached a terminal status.
func (h HandlerState) Done() bool { return h.Terminal != "" }

// State returns the progress of handler's chain.
func (l *Lifecycle) State(handler string) HandlerState {
	if c := l.chains[handler]; c != nil {
		return HandlerState{Attempts: c.attempts, Terminal: c.terminal}
	}
	return HandlerState{}
}

// Terminal returns the terminal status of handler's chain, if any.
func (l *Lifecycle) Terminal(handler string) (Status, bool) {
	if c := l.chains[handler]; c != nil && c.terminal != "" {
		return c.terminal, true
	}
	return "", false
}
