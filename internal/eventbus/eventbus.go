// Package eventbus fans observational events out to in-process listeners:
// assignment decisions for the metrics sinks, delivery failures for the app
// log, robot offline notices. Publish never blocks and a lagging listener
// misses events, so nothing load-bearing rides the bus; the assignment
// stream in particular has its own lossless channel.
package eventbus

import "sync"

// Event is any value published on the bus.
type Event interface{}

// EventBus is the publish side plus subscription management.
type EventBus interface {
	Publish(Event)
	Subscribe() <-chan Event
	Unsubscribe(<-chan Event)
	Close()
}

// subscriberBuffer is the per-listener channel capacity. Bursts beyond it
// while a listener lags are dropped.
const subscriberBuffer = 16

// Bus is the default EventBus. Listeners are keyed by their receive channel
// so Unsubscribe is a lookup, not a scan.
type Bus struct {
	mu     sync.RWMutex
	subs   map[<-chan Event]chan Event
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers the event to every listener that has buffer room.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a listener and returns its channel. Subscribing to a
// closed bus yields an already-closed channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = ch
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the listener and closes its channel.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[sub]
	if !ok {
		return
	}
	delete(b.subs, sub)
	if !b.closed {
		close(ch)
	}
}

// Close closes every listener channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
}

// Filter subscribes to the bus and forwards only events of type T on the
// returned channel. The forwarding goroutine exits when the bus closes the
// underlying subscription.
func Filter[T any](bus EventBus) <-chan T {
	src := bus.Subscribe()
	out := make(chan T, subscriberBuffer)
	go func() {
		defer close(out)
		for e := range src {
			if v, ok := e.(T); ok {
				select {
				case out <- v:
				default:
				}
			}
		}
	}()
	return out
}
