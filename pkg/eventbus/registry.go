package eventbus

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
	"github.com/narwhalmedia/backbone/pkg/events"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
)

// Registry maps event names to ordered handler registrations. It is filled
// at startup through explicit Register calls.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string][]interfaces.Registration
	defaults events.RetryPolicy
}

// NewRegistry returns an empty registry whose registrations default to policy.
func NewRegistry(defaults events.RetryPolicy) *Registry {
	if defaults.Validate() != nil {
		defaults = events.DefaultRetryPolicy()
	}
	return &Registry{
		byName:   make(map[string][]interfaces.Registration),
		defaults: defaults,
	}
}

// Register binds handler to eventName. Registering the same handler name
// twice for one event name is an error.
func (r *Registry) Register(eventName string, handler events.Handler, opts ...interfaces.RegisterOption) error {
	if eventName == "" {
		return apperrors.Validation("event name is required")
	}
	if handler == nil || handler.Name() == "" {
		return apperrors.Validation("handler must be non-nil and named")
	}

	reg := interfaces.Registration{
		EventName: eventName,
		Handler:   handler,
		Policy:    r.defaults,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	if err := reg.Policy.Validate(); err != nil {
		return fmt.Errorf("handler %q: %w", handler.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byName[eventName] {
		if existing.Handler.Name() == handler.Name() {
			return apperrors.DuplicateRegistration(eventName, handler.Name())
		}
	}
	r.byName[eventName] = append(r.byName[eventName], reg)
	return nil
}

// Unregister removes the registration of handlerName for eventName.
func (r *Registry) Unregister(eventName, handlerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byName[eventName]
	for i, reg := range regs {
		if reg.Handler.Name() != handlerName {
			continue
		}
		next := make([]interfaces.Registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.byName, eventName)
		} else {
			r.byName[eventName] = next
		}
		return nil
	}
	return apperrors.NotFound(fmt.Sprintf("handler %q for %q", handlerName, eventName))
}

// Handlers returns the registrations that receive eventName: exact ones in
// registration order, then wildcard ones whose handler name is not taken.
func (r *Registry) Handlers(eventName string) []interfaces.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exact := r.byName[eventName]
	out := make([]interfaces.Registration, 0, len(exact))
	out = append(out, exact...)
	if eventName == events.Wildcard {
		return out
	}

	for _, reg := range r.byName[events.Wildcard] {
		taken := false
		for _, e := range exact {
			if e.Handler.Name() == reg.Handler.Name() {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, reg)
		}
	}
	return out
}

// EventNames returns the names with at least one registration, sorted.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether eventName itself has registrations.
func (r *Registry) Has(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[eventName]) > 0
}

// HasWildcard reports whether any handler subscribed to every event.
func (r *Registry) HasWildcard() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[events.Wildcard]) > 0
}

// Count returns the number of registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, regs := range r.byName {
		n += len(regs)
	}
	return n
}

// Defaults returns the policy applied to registrations without one.
func (r *Registry) Defaults() events.RetryPolicy {
	return r.defaults
}
