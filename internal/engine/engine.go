package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"taskloom/internal/aggregation"
	"taskloom/internal/core"
	"taskloom/internal/obslog"
	"taskloom/internal/registry"
	"taskloom/internal/root"
	"taskloom/internal/scheduler"
	"taskloom/internal/trace"
)

// Options configures an Engine. Zero values select workable defaults: a
// fresh registry, conservative cell equality (every write invalidates), the
// default logger, no blue tasks, one worker per CPU.
type Options struct {
	Registry *registry.Registry
	// Equality is the host's value-type equality capability used for cell
	// diffing. nil treats every write as changed.
	Equality core.BlobEquality
	Logger   obslog.Logger
	// IsBlue marks hot aggregation points that absorb an extra layer of
	// connectivity. nil marks nothing.
	IsBlue   func(registry.TaskId) bool
	PoolSize int
	// Meter enables scheduler metrics when non-nil.
	Meter metric.Meter
	// Sink receives canonical lifecycle events. nil discards them.
	Sink trace.Sink
}

// Engine is the backend facade: one instance owns a registry, a state
// table, an aggregation tree, a scheduler, and the root lifecycle, and
// exposes the host API over them. Multiple independent engines may coexist
// in one process.
type Engine struct {
	sessionID string

	reg     *registry.Registry
	table   *core.Table
	agg     *aggregation.Tree
	queue   *scheduler.WorkQueue
	pool    *scheduler.Pool
	roots   *root.Manager
	barrier *root.UpdateBarrier

	eq     core.BlobEquality
	log    obslog.Logger
	isBlue func(registry.TaskId) bool
	sink   trace.Sink
	tracer oteltrace.Tracer

	// drainMu globally serializes changes-queue application; every Info
	// delta reaches the tree through exactly one drain at a time.
	drainMu sync.Mutex

	// mu guards the wired child-edge set and the suspension (wait) edges
	// used for cycle detection.
	mu       sync.Mutex
	children map[registry.TaskId]map[registry.TaskId]struct{}
	waiting  map[registry.TaskId]registry.TaskId

	executed int64 // atomic: completions since the last UpdateInfo
}

// New constructs and starts an engine. Call Close to stop its workers.
func New(opts Options) (*Engine, error) {
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	log := opts.Logger
	if log == nil {
		log = obslog.Default()
	}
	isBlue := opts.IsBlue
	if isBlue == nil {
		isBlue = func(registry.TaskId) bool { return false }
	}
	sink := opts.Sink
	if sink == nil {
		sink = trace.NopSink{}
	}

	e := &Engine{
		sessionID: uuid.NewString(),
		reg:       reg,
		table:     core.NewTable(),
		agg:       aggregation.NewTree(),
		queue:     scheduler.NewWorkQueue(),
		eq:        opts.Equality,
		log:       log,
		isBlue:    isBlue,
		sink:      sink,
		tracer:    otel.Tracer("taskloom/engine"),
		children:  map[registry.TaskId]map[registry.TaskId]struct{}{},
		waiting:   map[registry.TaskId]registry.TaskId{},
	}
	e.roots = root.NewManager(e.agg, e)

	var metrics scheduler.Metrics
	if opts.Meter != nil {
		var err error
		metrics, err = scheduler.NewMetrics(opts.Meter)
		if err != nil {
			return nil, err
		}
	}
	e.pool = scheduler.NewPool(e.queue, e.runTask, opts.PoolSize, metrics)
	e.barrier = root.NewUpdateBarrier(e.roots, e.pool, time.Millisecond)
	e.pool.Start()
	return e, nil
}

// SessionID identifies this engine instance, e.g. in trace events and
// eviction checkpoints.
func (e *Engine) SessionID() string { return e.sessionID }

// Close stops the worker pool. In-flight task bodies run to completion.
func (e *Engine) Close() { e.pool.Stop() }

// IsBlue implements aggregation.Context.
func (e *Engine) IsBlue(id registry.TaskId) bool { return e.isBlue(id) }

// ItemInfo implements aggregation.Context: a task contributes
// unfinished=1 unless Done, Unloaded, or InProgress with the
// count-as-finished flag, and appears in the dirty multiset iff Dirty.
func (e *Engine) ItemInfo(id registry.TaskId) *aggregation.Info {
	info := &aggregation.Info{
		DirtyTasks:   map[registry.TaskId]int32{},
		Collectibles: map[uint32]map[registry.TaskId]int32{},
	}
	switch s := e.table.State(id).(type) {
	case core.Dirty:
		info.Unfinished = 1
		info.DirtyTasks[id] = 1
	case *core.InProgress:
		if !s.CountAsFinished {
			info.Unfinished = 1
		}
	}
	return info
}

// RegisterFunction adds a task function during process init.
func (e *Engine) RegisterFunction(name string, decode registry.Decoder, body registry.Body) (registry.FunctionRef, error) {
	return e.reg.RegisterFunction(name, decode, body)
}

// Intern returns the TaskId for (fn, args), allocating it on first use. The
// task starts Dirty and is scheduled once it becomes reachable from a live
// root.
func (e *Engine) Intern(fn registry.FunctionRef, args registry.ArgsBlob) (registry.TaskId, error) {
	id, err := e.reg.Intern(fn, args)
	if err != nil {
		return 0, err
	}
	e.table.State(id) // materialize the row in its initial Dirty state
	return id, nil
}

// withDrain runs f with a fresh changes queue under the global drain lock,
// drains it, and pumps the scheduler with whatever became dirty under a
// live root.
func (e *Engine) withDrain(f func(q *aggregation.ChangesQueue)) {
	e.drainMu.Lock()
	_, span := e.tracer.Start(context.Background(), "aggregation.drain")
	q := aggregation.NewChangesQueue()
	f(q)
	q.Drain()
	span.End()
	e.drainMu.Unlock()
	e.pump()
}

// pump enqueues every dirty task visible under a connected root. Duplicate
// pushes are harmless: the Dirty -> InProgress transition is a CAS and the
// losers drop out.
func (e *Engine) pump() {
	for _, tt := range e.roots.Trees() {
		info := tt.SnapshotInfo()
		if info.RootType == aggregation.NoRoot {
			continue
		}
		for id := range info.DirtyTasks {
			e.queue.Push(id)
		}
	}
}

// ConnectRoot attaches id as a root of the given kind and returns the
// caller's handle.
func (e *Engine) ConnectRoot(id registry.TaskId, kind root.Kind) *root.Handle {
	e.table.State(id)
	var h *root.Handle
	e.withDrain(func(q *aggregation.ChangesQueue) {
		h = e.roots.Connect(q, id, kind)
	})
	trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventRootConnected, TaskID: taskIDString(id)})
	return h
}

// DisconnectRoot detaches h. Tasks that became unreachable are destroyed by
// the next SweepUnreachable call, not eagerly.
func (e *Engine) DisconnectRoot(h *root.Handle) {
	e.roots.Disconnect(h)
	trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventRootDisconnected, TaskID: taskIDString(h.ID)})
}

// Invalidate marks id for re-execution: Done -> Dirty, or stale if
// currently InProgress. Idempotent on an already-Dirty task.
func (e *Engine) Invalidate(id registry.TaskId) {
	e.invalidate(id, "ExternalInvalidation", "")
}

// InvalidateCell invalidates the task owning the cell; re-execution
// recomputes the cell and equality pruning decides whether readers follow.
func (e *Engine) InvalidateCell(id registry.TaskId, cell core.CellId) {
	e.invalidate(id, "CellInvalidation", strconv.Itoa(cell.TypeId)+"/"+strconv.Itoa(cell.Index))
}

func (e *Engine) invalidate(id registry.TaskId, reason, cell string) {
	if !e.table.Invalidate(id) {
		return
	}
	ev := trace.TraceEvent{Kind: trace.EventTaskInvalidated, TaskID: taskIDString(id), Reason: reason}
	if cell != "" {
		ev.Cells = []string{cell}
	}
	trace.SafeRecord(e.sink, ev)
	e.withDrain(func(q *aggregation.ChangesQueue) {
		e.agg.ApplyTaskChange(q, id, &aggregation.Change{
			UnfinishedDelta: 1,
			DirtyDelta:      map[registry.TaskId]int32{id: 1},
		})
	})
}

// invalidateReader marks a reader dirty because cause's cell write changed.
func (e *Engine) invalidateReader(reader, cause registry.TaskId) {
	if !e.table.Invalidate(reader) {
		return
	}
	trace.SafeRecord(e.sink, trace.TraceEvent{
		Kind:        trace.EventTaskInvalidated,
		TaskID:      taskIDString(reader),
		Reason:      "CellChanged",
		CauseTaskID: taskIDString(cause),
	})
	e.withDrain(func(q *aggregation.ChangesQueue) {
		e.agg.ApplyTaskChange(q, reader, &aggregation.Change{
			UnfinishedDelta: 1,
			DirtyDelta:      map[registry.TaskId]int32{reader: 1},
		})
	})
}

// UpdateResult reports one successful update barrier wait.
type UpdateResult struct {
	Elapsed time.Duration
	// ExecutedCount is the number of task executions that completed since
	// the previous successful UpdateInfo call.
	ExecutedCount int
}

// UpdateInfo waits for a period of inactivity of at least minDelay after
// the last task completion under any root, bounded by maxTimeout. ok is
// false on timeout.
func (e *Engine) UpdateInfo(ctx context.Context, minDelay, maxTimeout time.Duration) (UpdateResult, bool) {
	info, ok := e.barrier.Wait(ctx, minDelay, maxTimeout)
	if !ok {
		return UpdateResult{}, false
	}
	count := atomic.SwapInt64(&e.executed, 0)
	return UpdateResult{Elapsed: info.Elapsed, ExecutedCount: int(count)}, true
}

// ReadTaskOutput blocks until id is Done and returns its output value, or
// the error its execution produced.
func (e *Engine) ReadTaskOutput(ctx context.Context, id registry.TaskId) (core.Blob, error) {
	if _, _, ok := e.reg.Lookup(id); !ok {
		return nil, ErrUnknownTask
	}
	if _, err := e.table.WaitDone(ctx, id); err != nil {
		return nil, err
	}
	value, ok := e.table.OutputValue(id)
	if !ok {
		return nil, ErrUnknownTask
	}
	if failure, failed := value.(taskFailure); failed {
		return nil, failure.Err
	}
	return value, nil
}

// SweepUnreachable destroys every task that was reachable from a
// disconnected root and is no longer reachable from any connected one:
// state rows are dropped and child edges removed from the aggregation
// tree. Destroyed TaskIds keep their identity; re-interning revives them
// in a fresh Dirty state.
func (e *Engine) SweepUnreachable() int {
	reachable := map[registry.TaskId]struct{}{}
	var frontier []registry.TaskId
	for _, id := range e.roots.Handles() {
		reachable[id] = struct{}{}
		frontier = append(frontier, id)
	}
	e.mu.Lock()
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for child := range e.children[id] {
			if _, seen := reachable[child]; !seen {
				reachable[child] = struct{}{}
				frontier = append(frontier, child)
			}
		}
	}
	doomed := map[registry.TaskId]struct{}{}
	for parent, kids := range e.children {
		if _, ok := reachable[parent]; !ok {
			doomed[parent] = struct{}{}
		}
		for child := range kids {
			if _, ok := reachable[child]; !ok {
				doomed[child] = struct{}{}
			}
		}
	}
	victims := map[registry.TaskId]map[registry.TaskId]struct{}{}
	for d := range doomed {
		victims[d] = e.children[d]
		delete(e.children, d)
	}
	e.mu.Unlock()

	destroyed := 0
	for d, kids := range victims {
		if len(kids) > 0 {
			e.withDrain(func(q *aggregation.ChangesQueue) {
				for child := range kids {
					e.agg.RemoveChild(e, q, d, child)
				}
			})
		}
		e.table.Delete(d)
		destroyed++
		trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventTaskEvicted, TaskID: taskIDString(d), Reason: "Unreachable"})
	}
	return destroyed
}

// Unload evicts a Done task to the Unloaded state, dropping its cells while
// keeping its identity. The eviction policy in internal/recovery decides
// when to call this.
func (e *Engine) Unload(id registry.TaskId) bool {
	if !e.table.Unload(id) {
		return false
	}
	trace.SafeRecord(e.sink, trace.TraceEvent{Kind: trace.EventTaskEvicted, TaskID: taskIDString(id), Reason: "Evicted"})
	return true
}

// ChildCount reports the number of wired direct children of id, the cheap
// stand-in for aggregated descendant size the eviction policy consumes.
func (e *Engine) ChildCount(id registry.TaskId) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.children[id])
}

// DoneTasks returns every task currently in the Done state, for the
// eviction sweep.
func (e *Engine) DoneTasks() []registry.TaskId {
	var out []registry.TaskId
	for _, id := range e.table.Snapshot() {
		if _, ok := e.table.State(id).(*core.Done); ok {
			out = append(out, id)
		}
	}
	return out
}

func taskIDString(id registry.TaskId) string {
	return strconv.FormatUint(uint64(id), 10)
}
