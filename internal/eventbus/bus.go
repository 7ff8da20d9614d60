package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// defaultQueueCapacity bounds how many events a consumer may accumulate
// before Progress events for the same id start coalescing. State
// transitions are never dropped, so a slow consumer can still grow the
// queue past this size when those keep arriving.
const defaultQueueCapacity = 256

// Bus fans events out to subscribed consumers. Each consumer owns an
// independent, ordered queue; a slow consumer never blocks Publish or
// other consumers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*queue
}

// New returns an empty Bus ready to accept subscribers.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*queue)}
}

// Subscribe registers a new consumer and returns its handle, used for
// Drain and Unsubscribe.
func (b *Bus) Subscribe() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscribers[id] = newQueue(defaultQueueCapacity)

	return id
}

// Unsubscribe removes a consumer. Further Publish calls stop delivering
// to it; its queued events are discarded.
func (b *Bus) Unsubscribe(subscriber string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, subscriber)
}

// Publish delivers e to every current subscriber. Progress events may
// coalesce with an already-queued Progress event for the same id;
// every other kind is always appended.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range b.subscribers {
		q.push(e)
	}
}

// Drain returns every event queued for subscriber since its last Drain,
// in FIFO order, and empties its queue. poll_events(): an unknown or
// unsubscribed handle drains to an empty slice rather than erroring,
// since a racing Unsubscribe is not a caller mistake.
func (b *Bus) Drain(subscriber string) []Event {
	b.mu.Lock()
	q, ok := b.subscribers[subscriber]
	b.mu.Unlock()

	if !ok {
		return nil
	}

	return q.drain()
}
