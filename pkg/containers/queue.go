package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue abstracts a generics FIFO queue, which is thread-safe
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
}

// SliceQueue is a FIFO queue implementing Queue. Receiving from C
// blocks until the queue becomes non-empty; C carries at most one
// pending signal, so consumers must drain the queue after each receive.
type SliceQueue[T any] struct {
	C chan struct{}

	mu    sync.Mutex
	size  int
	inner deque.Deque
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		C:     make(chan struct{}, 1),
		inner: deque.NewDeque(),
	}
}

// Add pushes an element to the queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.inner.PushBack(elem)
	q.size++
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the head of the queue. It returns false if the queue is
// empty.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var none T
		return none, false
	}
	elem := q.inner.PopFront().(T)
	q.size--
	return elem, true
}

// Peek returns the head of the queue without removing it. It returns
// false if the queue is empty.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var none T
		return none, false
	}
	return q.inner.Front().(T), true
}

// Size returns the number of queued elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}
