package engine

import (
	"sync"

	"github.com/powersync-ja/powersync-sqlite-core/internal/oplog"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeCheckpoint announces a new checkpoint to work towards.
	EventTypeCheckpoint EventType = iota + 1
	// EventTypeData delivers a batch of bucket operations.
	EventTypeData
	// EventTypeCheckpointComplete signals that the transport has delivered
	// all data for a checkpoint.
	EventTypeCheckpointComplete
	// EventTypeWriteAck acknowledges an uploaded local write by client id.
	EventTypeWriteAck
	// EventTypeWriteReject reports a server-side rejection of a local write.
	EventTypeWriteReject
)

// Event wraps sync protocol lines for the event queue.
type Event struct {
	Type       EventType
	Checkpoint *oplog.Checkpoint // EventTypeCheckpoint, EventTypeCheckpointComplete
	Data       *oplog.DataLine   // EventTypeData
	ClientID   string            // EventTypeWriteAck, EventTypeWriteReject
	Reason     string            // EventTypeWriteReject, optional server message
}

// CheckpointEvent builds an event announcing a checkpoint.
func CheckpointEvent(cp oplog.Checkpoint) Event {
	return Event{Type: EventTypeCheckpoint, Checkpoint: &cp}
}

// DataEvent builds an event delivering a batch of operations for a bucket.
func DataEvent(line oplog.DataLine) Event {
	return Event{Type: EventTypeData, Data: &line}
}

// CheckpointCompleteEvent builds an event marking a checkpoint's data as
// fully delivered.
func CheckpointCompleteEvent(cp oplog.Checkpoint) Event {
	return Event{Type: EventTypeCheckpointComplete, Checkpoint: &cp}
}

// WriteAckEvent builds an event acknowledging an uploaded write.
func WriteAckEvent(clientID string) Event {
	return Event{Type: EventTypeWriteAck, ClientID: clientID}
}

// WriteRejectEvent builds an event reporting a rejected write.
func WriteRejectEvent(clientID, reason string) Event {
	return Event{Type: EventTypeWriteReject, ClientID: clientID, Reason: reason}
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so a transport can enqueue a whole checkpoint's
// worth of data lines without blocking.
//
// Thread-safety is provided for external enqueuing (transports, upload
// workers) while the Engine's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64), // Pre-allocate for typical workloads
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// CRITICAL: Nil out the slot to allow GC to collect the Event's pointers
	// (Checkpoint, Data). Without this, the underlying array retains
	// references until reallocated, causing memory leaks under steady load.
	q.events[0] = Event{}

	// Fix memory retention: reset slice when empty
	if len(q.events) == 1 {
		// Last element - reset to empty slice with original capacity
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
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
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return // Already closed
	}

	q.closed = true
	close(q.signal) // Wakes all waiters
}
