package events

// Subscriber receives monitoring events.  Publish is called synchronously
// from the component raising the event and must not block.
type Subscriber interface {
	Publish(evt Event)
}

type SubscriberFunc func(evt Event)

func (f SubscriberFunc) Publish(evt Event) {
	f(evt)
}

type nopSubscriber struct{}

func (nopSubscriber) Publish(Event) {}

// Nop is a Subscriber which discards every event.
var Nop Subscriber = nopSubscriber{}

type multiSubscriber []Subscriber

func (m multiSubscriber) Publish(evt Event) {
	for _, s := range m {
		s.Publish(evt)
	}
}

// Multi returns a Subscriber which forwards every event to each of the
// passed subscribers in order.  Nil subscribers are skipped.
func Multi(subscribers ...Subscriber) Subscriber {
	var filtered multiSubscriber
	for _, s := range subscribers {
		if s != nil {
			filtered = append(filtered, s)
		}
	}

	switch len(filtered) {
	case 0:
		return Nop
	case 1:
		return filtered[0]
	}
	return filtered
}

// OrNop returns s, or Nop if s is nil.
func OrNop(s Subscriber) Subscriber {
	if s == nil {
		return Nop
	}
	return s
}
