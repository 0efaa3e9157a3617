// Package eventbus provides event-driven communication infrastructure for
// the engine's internal dispatch.
package eventbus

import (
	"context"

	"github.com/stokehq/stoke/pkg/events"
)

// Event is any typed payload the engine or scheduler puts on the bus.
type Event interface {
	GetType() events.EventType
}

// EventPublisher is the write half of the bus. The key partitions delivery;
// callers pass the workflow ID so one workflow's events stay ordered.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber is the read half: register handlers per event type, then
// Subscribe to start consuming. Handle must be called before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler processes one decoded event. Returning an error nacks the
// message so the channel redelivers it.
type EventHandler func(ctx context.Context, event interface{}) error

// EventBus combines both halves plus lifecycle concerns.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
