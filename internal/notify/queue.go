// Package notify buffers human-readable messages and delivers them to
// an external webhook. Producers enqueue and move on; a polling
// consumer owns delivery so a slow or dead webhook never back-pressures
// the trading path.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one queued notification. The id survives a requeue, so a
// receiver seeing the same id twice is looking at a redelivery, not a
// new event.
type Message struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Queue is the in-memory message buffer. Enqueue never blocks and the
// queue is bounded only by process memory.
type Queue struct {
	mu    sync.Mutex
	items []Message
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends one message. Empty strings are dropped.
func (q *Queue) Enqueue(text string) {
	if text == "" {
		return
	}
	msg := Message{ID: uuid.New().String(), Text: text}
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain pops every pending message in enqueue order.
func (q *Queue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// requeue puts undelivered messages back at the front, ahead of
// anything enqueued during the failed drain.
func (q *Queue) requeue(items []Message) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(items, q.items...)
	q.mu.Unlock()
}
