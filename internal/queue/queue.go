package queue

import (
	"context"
	"errors"
)

var ErrFull = errors.New("queue full")

// Bounded is a fixed-capacity FIFO for one producer and one consumer.
// Pushes and pops never allocate after construction.
type Bounded[T any] struct {
	ch chan T
}

func New[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v without blocking and reports whether there was room.
func (q *Bounded[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Push blocks until v is enqueued or ctx is done.
func (q *Bounded[T]) Push(ctx context.Context, v T) error {
	if q.TryPush(v) {
		return nil
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPop dequeues the oldest element without blocking.
func (q *Bounded[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain removes every queued element, passing each to fn when fn is not nil.
// It returns the number of elements removed.
func (q *Bounded[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.TryPop()
		if !ok {
			return n
		}
		if fn != nil {
			fn(v)
		}
		n++
	}
}

func (q *Bounded[T]) Len() int { return len(q.ch) }
func (q *Bounded[T]) Cap() int { return cap(q.ch) }
