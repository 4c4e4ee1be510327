// Package queue provides the unbounded queues used on the always-accepted delivery path.
package queue

// Queue defines the interface for an unbounded FIFO queue.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue, ok is false if the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	Peek() (item T, ok bool)
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
