// Package eventqueue provides an unbounded hand-off from a producer that
// must never block to a single consumer channel.
package eventqueue

import (
	"sync"

	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
)

// Queue buffers control events between a listener and the consumer.
type Queue struct {
	mu     sync.Mutex
	items  []bluetooth.ControlEvent
	closed bool

	signal chan struct{}
	stop   chan struct{}
	once   sync.Once

	out chan bluetooth.ControlEvent
}

// New returns a queue and starts its delivery goroutine.
func New() *Queue {
	q := &Queue{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan bluetooth.ControlEvent),
	}

	go q.run()

	return q
}

// Out returns the consumer side.
func (q *Queue) Out() <-chan bluetooth.ControlEvent {
	return q.out
}

// Push queues an event. It never blocks.
func (q *Queue) Push(ev bluetooth.ControlEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	q.notify()
}

// Close ends the stream once the queued events are delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

// Shutdown ends the stream immediately, dropping undelivered events.
func (q *Queue) Shutdown() {
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()

			if closed {
				return
			}

			select {
			case <-q.signal:
			case <-q.stop:
				return
			}

			continue
		}

		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stop:
			return
		}
	}
}
