package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers. Delivery is asynchronous.
// Usage: bus.Publish(PoolResizedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case WorkerStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case PoolResizedEvent:
		event.Publish(b.dispatcher, e)
	case UnitDispatchedEvent:
		event.Publish(b.dispatcher, e)
	case ConfigReloadedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function. The handler's
// parameter type selects the events it receives. Returns an unsubscribe
// function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e WorkerStateChangedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(WorkerStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PoolResizedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(UnitDispatchedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
