package web

import (
	"encoding/json"
	"sync"
)

const defaultKeepEvents = 30

// EventQueue is a fixed-size ring of status events with a running
// sequence number. The sequence starts at -1 and counts every event
// ever appended; the ring keeps only the newest ones, so a client
// further behind than the ring is long gets the whole ring.
type EventQueue struct {
	mu     sync.Mutex
	events []json.RawMessage
	head   int
	count  int
	cap    int
	seq    int64
	notify chan struct{}
}

// NewEventQueue creates a ring with the given capacity.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = defaultKeepEvents
	}
	return &EventQueue{
		events: make([]json.RawMessage, capacity),
		cap:    capacity,
		seq:    -1,
		notify: make(chan struct{}),
	}
}

// Append adds one event, overwriting the oldest when full, and wakes
// every waiter.
func (q *EventQueue) Append(ev json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events[q.head] = ev
	q.head = (q.head + 1) % q.cap
	if q.count < q.cap {
		q.count++
	}
	q.seq++
	close(q.notify)
	q.notify = make(chan struct{})
}

// State returns the newest sequence number, the ring length and a
// channel that is closed when the next event arrives. Taking the
// channel and the sequence under one lock lets a long-poller decide
// to wait without missing an event in between.
func (q *EventQueue) State() (seq int64, length int, wait <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq, q.count, q.notify
}

// Since returns the events after the given sequence number in arrival
// order, at most a full ring's worth.
func (q *EventQueue) Since(seq int64) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	dif := q.seq - seq
	if dif <= 0 {
		return nil
	}
	if dif > int64(q.count) {
		dif = int64(q.count)
	}
	n := int(dif)
	out := make([]json.RawMessage, 0, n)
	for i := n; i > 0; i-- {
		idx := (q.head - i + q.cap) % q.cap
		out = append(out, q.events[idx])
	}
	return out
}
