// Package queue provides the FIFO containers backing per-session exchange queues.
package queue

// Queue defines the interface for a FIFO queue of items of type T.
type Queue[T comparable] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false if the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	Peek() (item T, ok bool)
	// Remove deletes the first occurrence of item, preserving the order of the rest.
	// It reports whether the item was found.
	Remove(item T) bool
	// Drain removes and returns all items in FIFO order.
	Drain() []T
	// Reset to an empty queue
	Reset()
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
