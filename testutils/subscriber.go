package testutils

import (
	"sync"

	"github.com/couchbase/stellar-sdam/core/events"
)

// CapturingSubscriber records every event published to it.
type CapturingSubscriber struct {
	lock   sync.Mutex
	events []events.Event
}

var _ events.Subscriber = (*CapturingSubscriber)(nil)

func NewCapturingSubscriber() *CapturingSubscriber {
	return &CapturingSubscriber{}
}

func (s *CapturingSubscriber) Publish(evt events.Event) {
	s.lock.Lock()
	s.events = append(s.events, evt)
	s.lock.Unlock()
}

func (s *CapturingSubscriber) Events() []events.Event {
	s.lock.Lock()
	defer s.lock.Unlock()

	captured := make([]events.Event, len(s.events))
	copy(captured, s.events)
	return captured
}

// EventsOfType returns the captured events of type T, in publication order.
func EventsOfType[T events.Event](s *CapturingSubscriber) []T {
	var matching []T
	for _, evt := range s.Events() {
		if typed, ok := evt.(T); ok {
			matching = append(matching, typed)
		}
	}
	return matching
}
