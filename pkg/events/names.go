package events

// Event names shared by services.
const (
	UserCreated = "user.created"
	UserUpdated = "user.updated"
	UserDeleted = "user.deleted"

	SystemHealthChanged = "system.health_changed"
	HandlerExhausted    = "system.handler_exhausted"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Entity lifecycle actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EntityEventName builds the name of a generic entity event, e.g. "order.created".
func EntityEventName(entityType, action string) string {
	return entityType + "." + action
}

// NewEntityEvent creates a domain event for a generic entity lifecycle action.
func NewEntityEvent(entityType, action, entityID, source, microservice string, data map[string]any, opts ...Option) Event {
	return NewDomainEvent(EntityEventName(entityType, action), source, microservice,
		entityType+"_"+action, entityID, entityType, data, opts...)
}
