package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
)

// DefaultVersion is the schema tag stamped on events that don't set one.
const DefaultVersion = "1.0"

// Kind discriminates the role of an event.
type Kind string

const (
	// KindDomain is a state change inside one bounded context.
	KindDomain Kind = "domain"
	// KindIntegration crosses service boundaries.
	KindIntegration Kind = "integration"
	// KindSystem reports on infrastructure health.
	KindSystem Kind = "system"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDomain, KindIntegration, KindSystem:
		return true
	}
	return false
}

// Status is the delivery state of an event.
type Status string

const (
	StatusPublished  Status = "published"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPublished, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition may follow s.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Severity grades system events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Metadata carries tracing and routing information alongside the payload.
type Metadata struct {
	Microservice   string            `json:"microservice"`
	Functionality  string            `json:"functionality"`
	CorrelationID  string            `json:"correlationId"`
	TargetServices []string          `json:"targetServices,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Event is the envelope moved between services. Only Status and UpdatedAt
// change after creation, and only through WithStatus.
type Event struct {
	ID        string         `json:"eventId"`
	Name      string         `json:"eventName"`
	Version   string         `json:"eventVersion"`
	Source    string         `json:"source"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  Metadata       `json:"metadata"`

	AggregateID      string `json:"aggregateId,omitempty"`
	AggregateType    string `json:"aggregateType,omitempty"`
	AggregateVersion int    `json:"aggregateVersion,omitempty"`

	Severity        Severity `json:"severity,omitempty"`
	SystemComponent string   `json:"systemComponent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Status    Status    `json:"status"`
}

// Option customizes an event at construction time.
type Option func(*Event)

// WithCorrelationID overrides the generated correlation id.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.Metadata.CorrelationID = id
		}
	}
}

// WithVersion sets the schema version tag.
func WithVersion(v string) Option {
	return func(e *Event) { e.Version = v }
}

// WithAttribute adds a free-form metadata attribute.
func WithAttribute(key, value string) Option {
	return func(e *Event) {
		if e.Metadata.Attributes == nil {
			e.Metadata.Attributes = make(map[string]string)
		}
		e.Metadata.Attributes[key] = value
	}
}

// WithAggregateVersion sets the version of the aggregate that produced a domain event.
func WithAggregateVersion(v int) Option {
	return func(e *Event) { e.AggregateVersion = v }
}

// WithSystemComponent names the component a system event is about.
func WithSystemComponent(c string) Option {
	return func(e *Event) { e.SystemComponent = c }
}

// WithClock fixes the creation instant, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Event) {
		t := now().UTC()
		e.Timestamp, e.CreatedAt, e.UpdatedAt = t, t, t
	}
}

func newEvent(kind Kind, name, source, microservice, functionality string, data map[string]any) Event {
	now := time.Now().UTC()
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   DefaultVersion,
		Source:    source,
		Kind:      kind,
		Timestamp: now,
		Data:      data,
		Metadata: Metadata{
			Microservice:  microservice,
			Functionality: functionality,
			CorrelationID: uuid.NewString(),
		},
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPublished,
	}
}

func apply(e Event, opts []Option) Event {
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// NewDomainEvent creates an event describing a change to one aggregate.
func NewDomainEvent(name, source, microservice, functionality, aggregateID, aggregateType string, data map[string]any, opts ...Option) Event {
	e := newEvent(KindDomain, name, source, microservice, functionality, data)
	e.AggregateID = aggregateID
	e.AggregateType = aggregateType
	return apply(e, opts)
}

// NewIntegrationEvent creates an event addressed to other services.
func NewIntegrationEvent(name, source, microservice, functionality string, targets []string, data map[string]any, opts ...Option) Event {
	e := newEvent(KindIntegration, name, source, microservice, functionality, data)
	e.Metadata.TargetServices = append([]string(nil), targets...)
	return apply(e, opts)
}

// NewSystemEvent creates an infrastructure event.
func NewSystemEvent(name, source, microservice, functionality string, severity Severity, data map[string]any, opts ...Option) Event {
	e := newEvent(KindSystem, name, source, microservice, functionality, data)
	e.Severity = severity
	return apply(e, opts)
}

// Validate checks the envelope and the fields required by its kind.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return apperrors.Validation("eventId is required")
	case e.Name == "":
		return apperrors.Validation("eventName is required")
	case e.Source == "":
		return apperrors.Validation("source is required")
	case e.Data == nil:
		return apperrors.Validation("data is required")
	case e.Metadata.Microservice == "":
		return apperrors.Validation("metadata.microservice is required")
	case e.Metadata.Functionality == "":
		return apperrors.Validation("metadata.functionality is required")
	}
	if e.Status != "" && !e.Status.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown status %q", e.Status))
	}

	switch e.Kind {
	case KindDomain:
		if e.AggregateID == "" || e.AggregateType == "" {
			return apperrors.Validation("domain events need aggregateId and aggregateType")
		}
	case KindIntegration:
		if len(e.Metadata.TargetServices) == 0 {
			return apperrors.Validation("integration events need at least one target service")
		}
	case KindSystem:
		if !e.Severity.Valid() {
			return apperrors.Validation(fmt.Sprintf("unknown severity %q", e.Severity))
		}
	default:
		return apperrors.Validation(fmt.Sprintf("unknown kind %q", e.Kind))
	}
	return nil
}

// WithStatus returns a copy of e moved to status s.
func (e Event) WithStatus(s Status, at time.Time) Event {
	e.Status = s
	e.UpdatedAt = at.UTC()
	return e
}

// Clone returns a copy that shares no maps or slices with e.
func (e Event) Clone() Event {
	if e.Data != nil {
		data := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	if e.Metadata.Attributes != nil {
		attrs := make(map[string]string, len(e.Metadata.Attributes))
		for k, v := range e.Metadata.Attributes {
			attrs[k] = v
		}
		e.Metadata.Attributes = attrs
	}
	e.Metadata.TargetServices = append([]string(nil), e.Metadata.TargetServices...)
	return e
}

// Marshal encodes the event in its wire format.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire envelope. The result is not validated.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, apperrors.Wrap(apperrors.ErrorTypeValidation, "malformed event envelope", err)
	}
	if e.Version == "" {
		e.Version = DefaultVersion
	}
	return e, nil
}
