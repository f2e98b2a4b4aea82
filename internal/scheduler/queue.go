package scheduler

import (
	"sync"

	"taskloom/internal/registry"
)

// WorkQueue is the FIFO of TaskIds known to be Dirty with a live root.
// It is an MPMC concurrent queue: many producers
// (invalidation, child scheduling) and many consumers (pool workers)
// operate on it concurrently. Unlike a bounded channel, Push never blocks:
// a scheduler that cannot keep up must not stall whoever discovered the
// dirty task (an in-progress task invalidating one of its own future
// siblings, say).
type WorkQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []registry.TaskId
	closed bool
}

// NewWorkQueue returns an empty queue.
func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues id. Safe to call concurrently with Pop and with other
// Push calls.
func (q *WorkQueue) Push(id registry.TaskId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, id)
	q.cond.Signal()
}

// Pop blocks until an item is available or the queue is closed, in which
// case ok is false.
func (q *WorkQueue) Pop() (id registry.TaskId, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return 0, false
	}
	id = q.items[0]
	q.items = q.items[1:]
	return id, true
}

// Len reports the number of items currently queued, for diagnostics.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop with ok=false. Pending items are
// discarded; callers should have already stopped producing before Close.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
