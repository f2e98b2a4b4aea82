package engine

import (
	"context"
	"sync/atomic"
	"time"

	"taskloom/internal/aggregation"
	"taskloom/internal/core"
	"taskloom/internal/registry"
	"taskloom/internal/trace"
)

// outputCell addresses the implicit cell every task writes its return value
// into. Additional cells use nonzero indices.
var outputCell = core.CellId{}

// cellEquality adapts the host's value equality to cell diffing: failure
// values never compare equal, a nil host equality treats every write as
// changed (conservative invalidation).
type cellEquality struct {
	host core.BlobEquality
}

func (c cellEquality) Equal(a, b core.Blob) bool {
	if _, failed := a.(taskFailure); failed {
		return false
	}
	if _, failed := b.(taskFailure); failed {
		return false
	}
	if c.host == nil {
		return false
	}
	return c.host.Equal(a, b)
}

// runTask is the scheduler's TaskFunc: the whole execution path of one
// task, from the Dirty -> InProgress transition through cell diffing and
// reader invalidation. It never returns an error to the pool; failures
// become the task's output.
func (e *Engine) runTask(ctx context.Context, id registry.TaskId) {
	ip, ok := e.table.Schedule(id)
	if !ok {
		return
	}
	trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventTaskScheduled, TaskID: taskIDString(id)})
	e.withDrain(func(q *aggregation.ChangesQueue) {
		e.agg.ApplyTaskChange(q, id, &aggregation.Change{
			DirtyDelta: map[registry.TaskId]int32{id: -1},
		})
	})

	e.mu.Lock()
	prevChildren := make(map[registry.TaskId]struct{}, len(e.children[id]))
	for c := range e.children[id] {
		prevChildren[c] = struct{}{}
	}
	e.mu.Unlock()

	value, err := e.execute(ctx, id)
	if err != nil {
		value = taskFailure{Err: err}
	}
	if werr := e.table.WriteCell(id, outputCell, value); werr != nil {
		e.log.WithError(werr).WithField("task", id).Errorf("engine: staging output cell failed")
	}

	res, cerr := e.table.Complete(id, cellEquality{host: e.eq})
	if cerr != nil {
		e.log.WithError(cerr).WithField("task", id).Errorf("engine: completing task failed")
		return
	}

	e.unwireDroppedChildren(id, prevChildren)

	for _, reader := range res.InvalidatedReaders {
		if reader == id {
			continue
		}
		e.invalidateReader(reader, id)
	}

	if err != nil {
		trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventTaskPanicked, TaskID: taskIDString(id), Reason: "ExecutionFailed"})
	} else {
		trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventTaskExecuted, TaskID: taskIDString(id)})
		e.roots.OnTaskDone(id)
	}
	atomic.AddInt64(&e.executed, 1)

	if res.Restale {
		e.invalidate(id, "StaleExecution", "")
	}

	// the final unfinished decrement; skipped if the task already counted
	// itself finished mid-execution
	if !ip.CountAsFinished {
		e.withDrain(func(q *aggregation.ChangesQueue) {
			e.agg.ApplyTaskChange(q, id, &aggregation.Change{UnfinishedDelta: -1})
		})
	}
}

// execute decodes the task's arguments and runs its registered body,
// converting panics into errors.
func (e *Engine) execute(ctx context.Context, id registry.TaskId) (value core.Blob, err error) {
	fn, args, ok := e.reg.Lookup(id)
	if !ok {
		return nil, ErrUnknownTask
	}
	entry, ok := e.reg.Function(fn)
	if !ok {
		return nil, registry.ErrUnknownFunction
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &TaskPanicError{Task: id, Value: r}
		}
	}()

	var decoded any = args.Canonical
	if entry.Decode != nil {
		decoded, err = entry.Decode(args.Canonical)
		if err != nil {
			return nil, err
		}
	}
	ec := &ExecContext{e: e, id: id, ctx: ctx}
	return entry.Body(ec, decoded)
}

// unwireDroppedChildren removes aggregation edges to children the previous
// execution had but this one did not call again.
func (e *Engine) unwireDroppedChildren(id registry.TaskId, prev map[registry.TaskId]struct{}) {
	var current map[registry.TaskId]struct{}
	if done, ok := e.table.State(id).(*core.Done); ok {
		current = done.Children
	}
	var dropped []registry.TaskId
	e.mu.Lock()
	for c := range prev {
		if _, kept := current[c]; !kept {
			dropped = append(dropped, c)
			delete(e.children[id], c)
		}
	}
	e.mu.Unlock()
	if len(dropped) == 0 {
		return
	}
	e.withDrain(func(q *aggregation.ChangesQueue) {
		for _, c := range dropped {
			e.agg.RemoveChild(e, q, id, c)
		}
	})
}

// wireChild records a freshly observed parent -> child relation in the
// engine's edge set and the aggregation tree. Edges that would close a
// cycle in the child graph are not wired; the corresponding read surfaces a
// CircularDependency error instead.
func (e *Engine) wireChild(parent, child registry.TaskId) {
	if parent == child {
		return
	}
	e.mu.Lock()
	if _, exists := e.children[parent][child]; exists {
		e.mu.Unlock()
		return
	}
	if e.childPathExistsLocked(child, parent) {
		e.mu.Unlock()
		return
	}
	if e.children[parent] == nil {
		e.children[parent] = map[registry.TaskId]struct{}{}
	}
	e.children[parent][child] = struct{}{}
	e.mu.Unlock()

	e.withDrain(func(q *aggregation.ChangesQueue) {
		e.agg.AddChild(e, q, parent, child)
	})
}

// childPathExistsLocked reports whether to is reachable from from over the
// wired child edges. Iterative; the graph may be deep.
func (e *Engine) childPathExistsLocked(from, to registry.TaskId) bool {
	seen := map[registry.TaskId]struct{}{from: {}}
	frontier := []registry.TaskId{from}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if id == to {
			return true
		}
		for c := range e.children[id] {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				frontier = append(frontier, c)
			}
		}
	}
	return false
}

// registerWait atomically checks for a suspension cycle and, if none,
// records reader as waiting on owner. The check and the registration happen
// under one lock so that of two tasks racing into a mutual wait, the second
// always observes the first.
func (e *Engine) registerWait(reader, owner registry.TaskId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dependsOnLocked(owner, reader) {
		return &core.CircularDependencyError{Reader: reader, Owner: owner}
	}
	e.waiting[reader] = owner
	return nil
}

func (e *Engine) clearWait(reader registry.TaskId) {
	e.mu.Lock()
	delete(e.waiting, reader)
	e.mu.Unlock()
}

// dependsOnLocked reports whether from transitively depends on to, walking
// both live suspension edges and the dependency sets recorded by completed
// executions.
func (e *Engine) dependsOnLocked(from, to registry.TaskId) bool {
	seen := map[registry.TaskId]struct{}{from: {}}
	frontier := []registry.TaskId{from}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if id == to {
			return true
		}
		push := func(next registry.TaskId) {
			if _, dup := seen[next]; !dup {
				seen[next] = struct{}{}
				frontier = append(frontier, next)
			}
		}
		if owner, ok := e.waiting[id]; ok {
			push(owner)
		}
		if done, ok := e.table.State(id).(*core.Done); ok {
			for _, dep := range done.Deps {
				push(dep.Task)
			}
		}
	}
	return false
}

// ExecContext is the surface a running task body sees: child calls, cell
// reads and writes, collectible emission, and the count-as-finished
// optimization. It implements registry.TaskExecContext.
type ExecContext struct {
	e   *Engine
	id  registry.TaskId
	ctx context.Context
}

// Done reports cancellation of the surrounding worker context.
func (ec *ExecContext) Done() <-chan struct{} { return ec.ctx.Done() }

// TaskId returns the executing task's id.
func (ec *ExecContext) TaskId() registry.TaskId { return ec.id }

// Call interns (fn, args), records the result as a child of the executing
// task, and wires it into the aggregation tree so it becomes schedulable
// under this task's roots. It does not wait; pair with ReadOutput.
func (ec *ExecContext) Call(fn registry.FunctionRef, args registry.ArgsBlob) (registry.TaskId, error) {
	child, err := ec.e.Intern(fn, args)
	if err != nil {
		return 0, err
	}
	if err := ec.e.table.RecordChild(ec.id, child); err != nil {
		return 0, err
	}
	ec.e.wireChild(ec.id, child)
	return child, nil
}

// ReadOutput records a dependency on child's output and blocks until the
// child is Done, returning its output value or error. Reads of a task that
// transitively depends on the reader fail with a CircularDependency error.
func (ec *ExecContext) ReadOutput(child registry.TaskId) (core.Blob, error) {
	if err := ec.e.table.RecordDependency(ec.id, core.TaskDependency{
		Kind: core.DependencyOutput,
		Task: child,
	}); err != nil {
		return nil, err
	}
	return ec.readCellBlocking(child, outputCell)
}

// ReadCell records a dependency on one cell of owner and blocks until it is
// readable.
func (ec *ExecContext) ReadCell(owner registry.TaskId, cell core.CellId) (core.Blob, error) {
	if err := ec.e.table.RecordDependency(ec.id, core.TaskDependency{
		Kind: core.DependencyCell,
		Task: owner,
		Cell: cell,
	}); err != nil {
		return nil, err
	}
	return ec.readCellBlocking(owner, cell)
}

func (ec *ExecContext) readCellBlocking(owner registry.TaskId, cell core.CellId) (core.Blob, error) {
	if owner == ec.id {
		return nil, &core.CircularDependencyError{Reader: ec.id, Owner: owner}
	}
	for {
		if value, ok := ec.e.table.ReadCell(ec.id, owner, cell); ok {
			if failure, failed := value.(taskFailure); failed {
				return nil, &DependencyFailedError{Task: owner, Err: failure.Err}
			}
			return value, nil
		}
		if err := ec.e.registerWait(ec.id, owner); err != nil {
			return nil, err
		}
		switch s := ec.e.table.State(owner).(type) {
		case *core.InProgress:
			select {
			case <-s.Event.Done():
			case <-ec.ctx.Done():
				ec.e.clearWait(ec.id)
				return nil, ec.ctx.Err()
			}
		case *core.Done:
			// completed between the read attempt and the state check
		default: // Dirty, Unloaded: scheduled but not yet picked up
			select {
			case <-time.After(time.Millisecond):
			case <-ec.ctx.Done():
				ec.e.clearWait(ec.id)
				return nil, ec.ctx.Err()
			}
		}
		ec.e.clearWait(ec.id)
	}
}

// WriteCell stages an additional output cell; it becomes visible to readers
// when the task completes, subject to equality pruning.
func (ec *ExecContext) WriteCell(cell core.CellId, value core.Blob) error {
	return ec.e.table.WriteCell(ec.id, cell, value)
}

// EmitCollectible stages a collectible value under trait.
func (ec *ExecContext) EmitCollectible(trait core.TraitId, value core.RawVc) error {
	return ec.e.table.RecordCollectible(ec.id, trait, value)
}

// CountAsFinished declares the task effectively done mid-execution,
// dropping its unfinished contribution without a state transition.
func (ec *ExecContext) CountAsFinished() {
	if !ec.e.table.MarkCountAsFinished(ec.id) {
		return
	}
	ec.e.withDrain(func(q *aggregation.ChangesQueue) {
		ec.e.agg.ApplyTaskChange(q, ec.id, &aggregation.Change{UnfinishedDelta: -1})
	})
}
