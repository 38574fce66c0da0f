package queueing

import "sync"

// A SubmissionQueue is a Queue whose write side is serialized by a lock so
// that any number of producers may push. The read side stays lock-free and
// must be used by a single goroutine.
type SubmissionQueue[T any] struct {
	writeLock sync.Mutex
	q         *Queue[T]
}

// NewSubmissionQueue creates an empty SubmissionQueue.
func NewSubmissionQueue[T any](opts ...QueueOption) *SubmissionQueue[T] {
	return &SubmissionQueue[T]{
		q: NewQueue[T](opts...),
	}
}

// Push appends v. Safe for concurrent producers.
func (s *SubmissionQueue[T]) Push(v T) {
	s.writeLock.Lock()
	s.q.Push(v)
	s.writeLock.Unlock()
}

// Empty tells if nothing is waiting to be drained.
func (s *SubmissionQueue[T]) Empty() bool {
	return s.q.Empty()
}

// Size returns the number of elements waiting to be drained.
func (s *SubmissionQueue[T]) Size() int {
	return s.q.Size()
}

// Front returns the oldest element. Reader side only.
func (s *SubmissionQueue[T]) Front() *T {
	return s.q.Front()
}

// Pop removes the oldest element. Reader side only.
func (s *SubmissionQueue[T]) Pop() T {
	return s.q.Pop()
}

// Drain pops the elements visible when Drain starts and hands them to fn in
// submission order. Elements pushed while draining are left for the next
// call. It returns the number of elements drained.
func (s *SubmissionQueue[T]) Drain(fn func(T)) int {
	n := s.q.Size()
	for i := 0; i < n; i++ {
		fn(s.q.Pop())
	}

	return n
}

// Clear discards everything waiting to be drained. Reader side only.
func (s *SubmissionQueue[T]) Clear() {
	s.q.Clear()
}
