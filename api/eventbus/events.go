package eventbus

// EventID describes a topic on the event stream.
type EventID interface {
	Value() uint
	String() string
}

// SubscriberID holds a subscription to a topic.
type SubscriberID struct {
	// C receives the published event data.
	C chan any

	active bool
	unsub  func()
}

// Active reports whether the subscription is still registered.
func (s *SubscriberID) Active() bool {
	return s.active
}

// Unsubscribe removes the subscription. C is closed once the
// handler processes the removal.
func (s *SubscriberID) Unsubscribe() {
	if !s.active {
		return
	}

	s.active = false
	if s.unsub != nil {
		s.unsub()
	}
}
