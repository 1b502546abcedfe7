// Package events carries the outward notifications of the delivery core.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/italolelis/content_delivery/internal/telemetry"
)

const defaultBuffer = 64

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithTelemetry counts events dropped for slow subscribers.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(b *Bus) { b.telemetry = tel }
}

// Bus delivers published events to every subscriber in publish order from a
// single dispatch goroutine. Delivery never waits for a subscriber: an event
// that does not fit a subscriber's buffer is dropped for that subscriber.
// A nil *Bus discards everything.
type Bus struct {
	in        chan Event
	done      chan struct{}
	finished  chan struct{}
	once      sync.Once
	telemetry *telemetry.Telemetry
	dropped   atomic.Uint64

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

// NewBus starts a bus whose publish queue holds buffer events.
func NewBus(buffer int, opts ...Option) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b := &Bus{
		in:       make(chan Event, buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		subs:     make(map[int]*subscription),
	}

	for _, opt := range opts {
		opt(b)
	}

	go b.dispatch()

	return b
}

// Publish queues ev for delivery. It blocks only while the dispatcher drains
// a full queue and drops events once the bus is closed.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}

	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.in <- ev:
	case <-b.done:
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a func that ends the subscription. The channel is closed when the bus
// closes; after the subscription ends it receives nothing more.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &subscription{ch: make(chan Event, buffer), done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		close(sub.ch)

		return sub.ch, func() {}
	default:
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once

	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(sub.done)
		})
	}
}

// Close stops accepting events, flushes the queue to subscribers with room
// left and closes every remaining subscription channel.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.once.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.mu.Unlock()
	})

	<-b.finished
}

func (b *Bus) dispatch() {
	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for id, sub := range b.subs {
			delete(b.subs, id)
			close(sub.ch)
		}

		close(b.finished)
	}()

	for {
		select {
		case ev := <-b.in:
			b.deliver(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.in:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}

	return b.dropped.Load()
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.telemetry.RecordEventDropped(ev.Name())
		}
	}
}
