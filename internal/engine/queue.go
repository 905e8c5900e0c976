package engine

import (
	"sync"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeDrain replays ready outbox tasks.
	EventTypeDrain EventType = iota + 1
	// EventTypeSync resyncs Entities, or every entity when empty.
	EventTypeSync
	// EventTypeReconnect runs the back-online sequence: drain, resync and
	// re-resolve live queries.
	EventTypeReconnect
	// EventTypePrune removes succeeded tasks past retention.
	EventTypePrune
)

func (t EventType) String() string {
	switch t {
	case EventTypeDrain:
		return "drain"
	case EventTypeSync:
		return "sync"
	case EventTypeReconnect:
		return "reconnect"
	case EventTypePrune:
		return "prune"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the Run loop.
type Event struct {
	Type     EventType
	Entities []string
}

// eventQueue is a thread-safe FIFO queue for events.
//
// Producers are the write path, timers and the connectivity watcher; the
// Run loop is the only consumer. The signal channel lets the loop wait
// on the queue and its context together.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. A drain or prune that is
// already waiting absorbs an identical one. Returns false if the queue is
// closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if !q.coalesceLocked(e) {
		q.events = append(q.events, e)
	}

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

func (q *eventQueue) coalesceLocked(e Event) bool {
	if e.Type != EventTypeDrain && e.Type != EventTypePrune {
		return false
	}
	for _, queued := range q.events {
		if queued.Type == e.Type {
			return true
		}
	}
	return false
}

// TryDequeue attempts to dequeue without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Release the Entities slice held by the backing array.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
