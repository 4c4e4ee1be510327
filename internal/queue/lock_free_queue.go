package queue

import (
	"sync/atomic"
)

// itemNode represents a node in the lock free queue.
type itemNode[T any] struct {
	value T
	next  atomic.Pointer[itemNode[T]]
}

// lockFreeQueue is a lock-free, concurrent Michael-Scott queue.
//
// It implements the Queue interface.
type lockFreeQueue[T any] struct {
	head   atomic.Pointer[itemNode[T]]
	tail   atomic.Pointer[itemNode[T]]
	length atomic.Int32
}

var _ Queue[int] = (*lockFreeQueue[int])(nil)

// NewLockFreeQueue creates a new lock-free queue.
//
// Enqueue, Dequeue and Peek are safe for concurrent use by multiple goroutines.
func NewLockFreeQueue[T any]() Queue[T] {
	q := &lockFreeQueue[T]{}
	n := &itemNode[T]{}
	q.head.Store(n)
	q.tail.Store(n)

	return q
}

// Enqueue adds an item to the tail of the queue.
func (q *lockFreeQueue[T]) Enqueue(item T) {
	n := &itemNode[T]{value: item}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		// Are tail and next consistent?
		if tail != q.tail.Load() {
			continue
		}

		if next == nil {
			// Try to link node at the end of the linked list.
			if tail.next.CompareAndSwap(nil, n) {
				// Try to swing tail to the inserted node.
				q.tail.CompareAndSwap(tail, n)
				q.length.Add(1)

				return
			}
		} else {
			// tail was not pointing to the last node, try to swing it to the next node.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Dequeue removes and returns the item at the head of the queue.
func (q *lockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		// Are head, tail, and next consistent?
		if head != q.head.Load() {
			continue
		}

		if head == tail {
			if next == nil {
				return zero, false
			}
			// tail is falling behind, try to advance it.
			q.tail.CompareAndSwap(tail, next)

			continue
		}

		// Read value before CAS, otherwise another dequeue might reuse the next node.
		data := next.value
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)

			return data, true
		}
	}
}

// Peek returns the item at the head of the queue without removing it.
func (q *lockFreeQueue[T]) Peek() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}

		if head != tail {
			return next.value, true
		}
		if next == nil {
			return zero, false
		}
		q.tail.CompareAndSwap(tail, next)
	}
}

// IsEmpty returns true if the queue is empty, false otherwise.
func (q *lockFreeQueue[T]) IsEmpty() bool {
	return q.length.Load() <= 0
}

// Length returns the number of items in the queue.
func (q *lockFreeQueue[T]) Length() int {
	return int(q.length.Load())
}
