// Package queueing provides the FIFO used to hand scheduling requests from
// producer goroutines to the goroutine that owns the emulated clock.
package queueing

import (
	"context"
	"log"
	"sync/atomic"
)

// slot is one link of the chain. A slot's payload is written by the writer
// before the size counter is incremented and torn down by the reader exactly
// once before the counter is decremented.
type slot[T any] struct {
	payload T
	live    bool
	next    *slot[T]
}

// A Queue is a single-writer, single-reader FIFO. Push may run concurrently
// with Front, Pop and Empty as long as there is only one goroutine on each
// side. The size counter is the only synchronization point.
type Queue[T any] struct {
	size atomic.Int64

	// Owned by the writer.
	tail *slot[T]

	// Owned by the reader.
	head *slot[T]

	ready chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	wait bool
}

// WithWait enables WaitForData on the queue.
func WithWait() QueueOption {
	return func(c *queueConfig) {
		c.wait = true
	}
}

// NewQueue creates an empty Queue.
func NewQueue[T any](opts ...QueueOption) *Queue[T] {
	cfg := queueConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	sentinel := &slot[T]{}
	q := &Queue[T]{
		head: sentinel,
		tail: sentinel,
	}

	if cfg.wait {
		q.ready = make(chan struct{}, 1)
	}

	return q
}

// Push appends v. Only one goroutine may push at a time.
func (q *Queue[T]) Push(v T) {
	cur := q.tail
	cur.payload = v
	cur.live = true

	next := &slot[T]{}
	cur.next = next
	q.tail = next

	q.size.Add(1)

	if q.ready != nil {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

// Size returns the number of published elements.
func (q *Queue[T]) Size() int {
	return int(q.size.Load())
}

// Empty tells if no element is visible to the reader.
func (q *Queue[T]) Empty() bool {
	return q.size.Load() == 0
}

// Front returns the oldest element without removing it. It panics when the
// queue is empty.
func (q *Queue[T]) Front() *T {
	if q.size.Load() == 0 {
		log.Panic("queueing: front of an empty queue")
	}

	return &q.head.payload
}

// Pop removes and returns the oldest element. It panics when the queue is
// empty.
func (q *Queue[T]) Pop() T {
	if q.size.Load() == 0 {
		log.Panic("queueing: pop from an empty queue")
	}

	cur := q.head
	v := q.teardown(cur)
	q.head = cur.next

	q.size.Add(-1)

	return v
}

// TryPop pops the oldest element if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	if q.size.Load() == 0 {
		var zero T
		return zero, false
	}

	return q.Pop(), true
}

func (q *Queue[T]) teardown(s *slot[T]) T {
	if !s.live {
		log.Panic("queueing: slot torn down twice")
	}

	v := s.payload

	var zero T
	s.payload = zero
	s.live = false

	return v
}

// Clear pops every visible element. Reader side only.
func (q *Queue[T]) Clear() {
	for q.size.Load() > 0 {
		q.Pop()
	}
}

// WaitForData blocks until at least one element is visible or ctx is done.
// It panics if the queue was not created with WithWait.
func (q *Queue[T]) WaitForData(ctx context.Context) error {
	if q.ready == nil {
		log.Panic("queueing: queue created without wait support")
	}

	for q.size.Load() == 0 {
		select {
		case <-q.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
