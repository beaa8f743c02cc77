// Package eventbus carries engine lifecycle events to subscribers over watermill.
package eventbus

import (
	"context"

	"github.com/dukex/formflow/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, Event) error {
	return nil
}

// Nop returns a publisher that drops every event.
func Nop() EventPublisher {
	return nopPublisher{}
}
