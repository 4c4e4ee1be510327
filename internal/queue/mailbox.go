package queue

// Mailbox is an unbounded multi-producer queue with a wakeup channel for a single consumer.
//
// Push never blocks and never drops. The consumer waits on Ready and then drains with Pop until
// it reports false.
type Mailbox[T any] struct {
	q     Queue[T]
	ready chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		q:     NewLockFreeQueue[T](),
		ready: make(chan struct{}, 1),
	}
}

// Push appends an item and wakes the consumer.
func (m *Mailbox[T]) Push(item T) {
	m.q.Enqueue(item)
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item.
func (m *Mailbox[T]) Pop() (T, bool) {
	return m.q.Dequeue()
}

// Ready is signaled after Push. A signal can cover several items.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	return m.q.Length()
}
