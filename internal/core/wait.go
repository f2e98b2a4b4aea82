package core

import (
	"context"
	"time"

	"taskloom/internal/registry"
)

// pollInterval bounds how long WaitDone sleeps between observing a Dirty
// or Unloaded task (neither of which carries a CompletionEvent) before
// re-checking its state. A task only gains an event once the scheduler
// flips it to InProgress; until then there is nothing to block
// on, so this is a short poll rather than a dedicated pre-InProgress wait
// channel.
const pollInterval = time.Millisecond

// WaitDone blocks until id reaches Done, returning its Done state. It
// suspends on the task's CompletionEvent while InProgress (the
// read-a-not-yet-complete-cell suspension point); if id is
// currently Dirty or Unloaded (not yet picked up by the scheduler) it
// polls briefly, since the caller is expected to have already made id
// reachable from a root so the scheduler enqueues it imminently.
func (t *Table) WaitDone(ctx context.Context, id registry.TaskId) (*Done, error) {
	for {
		r := t.getOrCreate(id)
		r.mu.Lock()
		switch s := r.state.(type) {
		case *Done:
			r.mu.Unlock()
			return s, nil
		case *InProgress:
			ev := s.Event
			r.mu.Unlock()
			select {
			case <-ev.Done():
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default: // Dirty, Unloaded
			r.mu.Unlock()
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}
