package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var errQueueClosed = errors.New("pool: available queue closed")

// queue is the FIFO of idle objects. Waiters are served in arrival order and a pushed object
// goes straight to the oldest waiter.
type queue[T comparable] struct {
	mu      sync.Mutex
	items   []T
	waiters []chan T
	closed  bool
	done    chan struct{}
}

func newQueue[T comparable]() *queue[T] {
	return &queue[T]{done: make(chan struct{})}
}

// push hands v to the oldest waiter or appends it. It reports false once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- v
		return true
	}
	q.items = append(q.items, v)
	return true
}

// poll waits up to timeout for an object. The boolean is false when the wait expired.
func (q *queue[T]) poll(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T
	q.mu.Lock()
	if len(q.items) > 0 {
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return v, true, nil
	}
	if q.closed {
		q.mu.Unlock()
		return zero, false, errQueueClosed
	}
	if timeout <= 0 {
		q.mu.Unlock()
		return zero, false, nil
	}
	w := make(chan T, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case v := <-w:
		return v, true, nil
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-q.done:
		cause = errQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.Index(q.waiters, w); i >= 0 {
		q.waiters = slices.Delete(q.waiters, i, i+1)
		return zero, false, cause
	}
	// A push won the race with the timeout and already handed over an object.
	return <-w, true, nil
}

func (q *queue[T]) remove(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.Index(q.items, v); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
		return true
	}
	return false
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close empties the queue, wakes every waiter and returns the idle objects it held.
func (q *queue[T]) close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	items := q.items
	q.items = nil
	return items
}
