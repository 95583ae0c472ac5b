// Package events carries session and snapshot notifications from the
// control loop to the observers (metrics, web status stream).
package events

import (
	"github.com/kelindar/event"
)

// Publisher is the side of the bus the control loop sees.
type Publisher interface {
	Publish(ev Event)
}

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Handlers run asynchronously and never block the publisher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case FeedSwitched:
		event.Publish(b.dispatcher, e)
	case FeedsReloaded:
		event.Publish(b.dispatcher, e)
	case SnapshotFinished:
		event.Publish(b.dispatcher, e)
	case FrameRendered:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers a handler; its parameter type selects the events
// it receives. Returns an unsubscribe function. Unknown handler types
// get a no-op.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(FeedSwitched):
		return event.Subscribe(b.dispatcher, h)
	case func(FeedsReloaded):
		return event.Subscribe(b.dispatcher, h)
	case func(SnapshotFinished):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameRendered):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
