// Package eventbus distributes bridge notifications, such as session state
// changes, to observers like the status indicator. Publishing never blocks:
// a subscriber that falls behind misses events instead of stalling the
// controller.
package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// DefaultCapacity is the per-subscriber buffer of the default handler.
const DefaultCapacity = 16

// Publisher publishes events to the event stream.
type Publisher interface {
	Publish(id uint, name string, data any)
}

// Subscriber subscribes to topics of the event stream.
type Subscriber interface {
	Subscribe(id uint, name string) SubscriberID
}

// Handler provides both sides of the event stream.
type Handler interface {
	Publisher
	Subscriber
}

// pubsubHandler is the default handler backed by a pubsub instance.
type pubsubHandler struct {
	ps *pubsub.PubSub[uint, any]
}

// nilHandler drops published events and hands out closed subscriptions.
type nilHandler struct{}

var bus struct {
	p Publisher
	s Subscriber

	mu sync.RWMutex
}

func init() {
	Register(NewPubSubHandler(DefaultCapacity))
}

// Register installs h as the publisher and subscriber.
func Register(h Handler) {
	if h == nil {
		return
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.p = h
	bus.s = h
}

// Disable drops all further events. It is used when nothing observes the bus.
func Disable() {
	Register(nilHandler{})
}

// Publish sends data on the topic of id.
func Publish(id EventID, data any) {
	if id == nil {
		return
	}

	bus.mu.RLock()
	p := bus.p
	bus.mu.RUnlock()

	p.Publish(id.Value(), id.String(), data)
}

// Subscribe returns a subscription to the topic of id.
func Subscribe(id EventID) SubscriberID {
	if id == nil {
		return nilHandler{}.Subscribe(0, "")
	}

	bus.mu.RLock()
	s := bus.s
	bus.mu.RUnlock()

	return s.Subscribe(id.Value(), id.String())
}

// NewPubSubHandler returns a handler buffering capacity events per subscriber.
func NewPubSubHandler(capacity int) Handler {
	return &pubsubHandler{ps: pubsub.New[uint, any](capacity)}
}

func (h *pubsubHandler) Publish(id uint, _ string, data any) {
	h.ps.TryPub(data, id)
}

func (h *pubsubHandler) Subscribe(id uint, _ string) SubscriberID {
	ch := h.ps.Sub(id)

	return SubscriberID{
		C:      ch,
		active: true,
		unsub: func() {
			// Unsub blocks until the pubsub loop drains ch.
			go h.ps.Unsub(ch, id)
		},
	}
}

func (nilHandler) Publish(uint, string, any) {}

func (nilHandler) Subscribe(uint, string) SubscriberID {
	ch := make(chan any)
	close(ch)

	return SubscriberID{C: ch}
}
