package testutil

import (
	"context"
	"sync"

	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
)

// EventRecorder is an EventPublisher that keeps everything it is given.
type EventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *EventRecorder) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *EventRecorder) Events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]eventbus.Event(nil), r.events...)
}

func (r *EventRecorder) Count(eventType events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.events {
		if e.GetType() == eventType {
			n++
		}
	}

	return n
}
