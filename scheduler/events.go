package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types
const (
	EventJobStarted     = "job-started"
	EventJobSucceeded   = "job-succeeded"
	EventJobFailed      = "job-failed"
	EventJobRescheduled = "job-rescheduled"
)

// Event is one lifecycle notification. Fields beyond Type, JobID and At
// are populated per event type.
type Event struct {
	Type          string     `json:"type"`
	JobID         string     `json:"job_id"`
	RunID         string     `json:"run_id,omitempty"`
	At            time.Time  `json:"at"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorClass    string     `json:"error_class,omitempty"`
	WillRetry     bool       `json:"will_retry,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	NextDue       *time.Time `json:"next_due,omitempty"`
}

// EventBus fans lifecycle events out to subscribers over bounded
// channels. Delivery is best-effort: a subscriber that cannot keep up
// loses events rather than stalling the publisher, and the bus counts
// what it dropped.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool

	bufferSize int
	dropped    atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels buffer the given
// number of events.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Unsubscribing closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking. Full
// subscriber buffers drop the event and bump the dropped counter.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down, closing every subscriber channel. Publishes
// after close are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
