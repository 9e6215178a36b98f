package queue

import (
	"sync"
)

// Event is one change to a task.  Subscribers get the full task so
// they can apply events idempotently.
type Event struct {
	Task Task
	// Live marks a progress-only update which was not written to
	// disk.
	Live bool
	// Deleted marks the removal of the task's row
	Deleted bool
}

// eventBuffer is the channel depth of a subscription
const eventBuffer = 64

// Broadcaster fans task events out to subscribers.  Publishing never
// blocks: a subscriber which doesn't keep up loses its oldest events.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster makes a Broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber.  Call cancel to unsubscribe -
// the channel is closed once unsubscribed.
func (b *Broadcaster) Subscribe() (events <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, eventBuffer)
	b.subs[id] = ch
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish sends the event to every subscriber.  A full subscription
// drops its oldest event to make room.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}
