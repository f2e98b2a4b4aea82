package core

import (
	"sync"

	"taskloom/internal/registry"
)

// State is the sum type of per-task lifecycle states: Dirty, InProgress,
// Done, or Unloaded. It is implemented as an
// interface with an unexported marker method rather than a flat enum
// because each variant carries its own payload.
type State interface {
	isState()
}

// Dirty means the task needs re-execution; it is scheduled iff it is
// reachable from a live root. Table leaves Stale false: an invalidation
// that arrives while the task is InProgress is recorded on InProgress.Stale
// instead, which forces a re-schedule on completion regardless of output
// diff.
type Dirty struct {
	Stale bool
	// PriorCells carries forward the cell values from the Done state this
	// Dirty superseded, so the next Complete can diff new writes against
	// them (equality pruning). Empty for a never-yet-executed or
	// freshly-Unloaded task.
	PriorCells []Cell
}

func (Dirty) isState() {}

// CompletionEvent is a one-shot broadcast: Fire is idempotent, Done()
// returns a channel closed exactly once, on Fire.
type CompletionEvent struct {
	once sync.Once
	ch   chan struct{}
}

// NewCompletionEvent returns a fresh, unfired event.
func NewCompletionEvent() *CompletionEvent {
	return &CompletionEvent{ch: make(chan struct{})}
}

// Fire signals the event. Safe to call more than once or concurrently.
func (e *CompletionEvent) Fire() { e.once.Do(func() { close(e.ch) }) }

// Done returns a channel closed when the event fires.
func (e *CompletionEvent) Done() <-chan struct{} { return e.ch }

// InProgress means the task is currently executing on some worker.
// CountAsFinished is an optimization whereby a task declares itself
// "effectively done" mid-execution, changing its unfinished contribution
// from 1 to 0 without a state transition. The Pending* fields accumulate
// what the running execution has observed so far; they are committed into
// a Done state's Cells/Children/Deps/Collectibles on completion, or
// discarded if the task re-enters Dirty without completing.
type InProgress struct {
	CountAsFinished bool
	Event           *CompletionEvent
	Stale           bool

	PendingCells        map[CellId]Blob
	PendingChildren     map[registry.TaskId]struct{}
	PendingDeps         []TaskDependency
	PendingDepSet       map[registry.TaskId]struct{} // fast cycle-membership check
	PendingCollectibles CollectibleSet
	PriorCells          []Cell // carried from the superseded Dirty, for diffing in Complete
}

func (*InProgress) isState() {}

// Done holds the outputs of the task's last execution.
type Done struct {
	Cells        []Cell
	Children     map[registry.TaskId]struct{}
	Deps         []TaskDependency
	Collectibles CollectibleSet
}

func (*Done) isState() {}

// Unloaded marks a task evicted from memory that retains its identity
// (TaskId) but none of its last execution's outputs. Re-scheduling an
// Unloaded task re-executes it from scratch.
type Unloaded struct{}

func (Unloaded) isState() {}

// DependencyKind discriminates the three kinds of TaskDependency.
type DependencyKind int

const (
	DependencyOutput DependencyKind = iota
	DependencyCell
	DependencyCollectibles
)

// TraitId names a collectible trait.
type TraitId uint32

// TaskDependency is one edge recorded during a task's last execution: a
// read of another task's output, of a specific cell, or of a collectibles
// set under a trait.
type TaskDependency struct {
	Kind  DependencyKind
	Task  registry.TaskId
	Cell  CellId  // valid iff Kind == DependencyCell
	Trait TraitId // valid iff Kind == DependencyCollectibles
}

// RawVc is a raw reference to a value cell, used as the key of a
// collectible's value multiset.
type RawVc struct {
	Task registry.TaskId
	Cell CellId
}

// CollectibleBucket is the per-trait collectible state: the multiset of
// live values and the set of tasks that depend on this trait's set.
type CollectibleBucket struct {
	Values     map[RawVc]int32
	Dependents map[registry.TaskId]struct{}
}

// CollectibleSet maps a trait to its collectible bucket.
type CollectibleSet map[TraitId]*CollectibleBucket
