package core

import (
	"sync"

	"taskloom/internal/registry"
)

// Table is the per-task state machine store. Each TaskId's
// state transition is guarded by a per-task mutex; cross-task operations
// must acquire these mutexes in ascending TaskId order to avoid
// deadlock with aggregation-node locks, which are acquired child-before-
// parent in internal/aggregation.
type Table struct {
	mu    sync.RWMutex
	rows  map[registry.TaskId]*row
}

type row struct {
	mu    sync.Mutex
	state State
}

// NewTable returns an empty state table.
func NewTable() *Table {
	return &Table{rows: map[registry.TaskId]*row{}}
}

// getOrCreate returns the row for id, creating it in the initial Dirty
// state if absent.
func (t *Table) getOrCreate(id registry.TaskId) *row {
	t.mu.RLock()
	r, ok := t.rows[id]
	t.mu.RUnlock()
	if ok {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.rows[id]; ok {
		return r
	}
	r = &row{state: Dirty{Stale: false}}
	t.rows[id] = r
	return r
}

// State returns the current state of id, creating it as fresh Dirty if it
// has never been observed.
func (t *Table) State(id registry.TaskId) State {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Schedule attempts the Dirty -> InProgress transition for id. It returns
// the new InProgress state and true on success, or the task's current
// state and false if it was not Dirty (e.g. a racing scheduler already won,
// or the task has no work to do).
func (t *Table) Schedule(id registry.TaskId) (*InProgress, bool) {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	dirty, ok := r.state.(Dirty)
	if !ok {
		return nil, false
	}
	ip := &InProgress{
		Event:               NewCompletionEvent(),
		PendingCells:        map[CellId]Blob{},
		PendingChildren:     map[registry.TaskId]struct{}{},
		PendingDepSet:       map[registry.TaskId]struct{}{},
		PendingCollectibles: CollectibleSet{},
		PriorCells:          dirty.PriorCells,
	}
	r.state = ip
	return ip, true
}

// MarkCountAsFinished sets the CountAsFinished optimization flag on an
// InProgress task without changing its state. Returns false if id is not
// InProgress.
func (t *Table) MarkCountAsFinished(id registry.TaskId) bool {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return false
	}
	ip.CountAsFinished = true
	return true
}

// RecordChild registers child as synchronously caused to exist by id during
// its in-progress execution. Returns ErrNotInProgress if id is not running.
func (t *Table) RecordChild(id, child registry.TaskId) error {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return &NotInProgressError{Task: id, Found: r.state}
	}
	ip.PendingChildren[child] = struct{}{}
	return nil
}

// RecordDependency appends dep to id's in-progress dependency list and adds
// dep.Task to its pending dependency set. It performs no cycle check of its
// own; Table does not retain the full transitive closure, so detecting a
// cycle is left to the caller.
func (t *Table) RecordDependency(id registry.TaskId, dep TaskDependency) error {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return &NotInProgressError{Task: id, Found: r.state}
	}
	ip.PendingDeps = append(ip.PendingDeps, dep)
	ip.PendingDepSet[dep.Task] = struct{}{}
	return nil
}

// DependencySet returns the set of tasks id currently depends on while
// InProgress, for cycle-detection at dependency-recording time.
func (t *Table) DependencySet(id registry.TaskId) (map[registry.TaskId]struct{}, bool) {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return nil, false
	}
	return ip.PendingDepSet, true
}

// WriteCell stages a cell write on the in-progress task id; it is not
// visible to readers until Complete commits it into a Done state.
func (t *Table) WriteCell(id registry.TaskId, cellID CellId, value Blob) error {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return &NotInProgressError{Task: id, Found: r.state}
	}
	ip.PendingCells[cellID] = value
	return nil
}

// MarkStale flags an InProgress task as stale, forcing a re-schedule on
// completion regardless of output diff.
func (t *Table) MarkStale(id registry.TaskId) bool {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return false
	}
	ip.Stale = true
	return true
}

// CompleteResult summarizes the effect of a Complete call, for the caller
// (internal/engine) to translate into aggregation-tree deltas and
// scheduler decisions.
type CompleteResult struct {
	// InvalidatedReaders is the set of tasks that read a cell whose value
	// changed, deduplicated, to be marked Dirty by the caller.
	InvalidatedReaders []registry.TaskId
	// Restale is true if the task was marked stale while executing and
	// must be re-scheduled immediately rather than settling into Done.
	Restale bool
}

// Complete transitions id from InProgress to Done, diffing staged cell
// writes against the prior Done cells (if any) using eq. Equal writes are
// no-ops; unequal writes bump the cell's version and collect every prior
// reader into InvalidatedReaders. If the task was marked
// stale mid-execution, the caller must re-schedule it immediately
// (CompleteResult.Restale); Complete still
// settles the task into Done so readers observe a result while the restale
// proceeds, then the caller should invoke Invalidate to move it back to
// Dirty.
func (t *Table) Complete(id registry.TaskId, eq BlobEquality) (*CompleteResult, error) {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return nil, &NotInProgressError{Task: id, Found: r.state}
	}

	prior := make(map[CellId]Cell, len(ip.PriorCells))
	for _, c := range ip.PriorCells {
		prior[c.ID] = c
	}

	seen := map[registry.TaskId]struct{}{}
	var invalidated []registry.TaskId
	cells := make([]Cell, 0, len(ip.PendingCells))
	for cellID, value := range ip.PendingCells {
		if old, existed := prior[cellID]; existed {
			if eq != nil && eq.Equal(old.Value, value) {
				cells = append(cells, old)
				continue
			}
			for reader := range old.Readers {
				if _, dup := seen[reader]; !dup {
					seen[reader] = struct{}{}
					invalidated = append(invalidated, reader)
				}
			}
			newCell := newCell(cellID, value)
			newCell.Version = old.Version + 1
			cells = append(cells, newCell)
			continue
		}
		cells = append(cells, newCell(cellID, value))
	}

	done := &Done{
		Cells:        cells,
		Children:     ip.PendingChildren,
		Deps:         ip.PendingDeps,
		Collectibles: ip.PendingCollectibles,
	}
	r.state = done
	ip.Event.Fire()

	return &CompleteResult{InvalidatedReaders: invalidated, Restale: ip.Stale}, nil
}

// ReadCell reads cellID owned by owner on behalf of reader, recording
// reader in the cell's reader set and the dependency on reader's pending
// dependency list. ok is false if owner is not Done (caller must suspend
// reader on owner's completion event instead).
func (t *Table) ReadCell(reader, owner registry.TaskId, cellID CellId) (value Blob, ok bool) {
	r := t.getOrCreate(owner)
	r.mu.Lock()
	defer r.mu.Unlock()
	done, isDone := r.state.(*Done)
	if !isDone {
		return nil, false
	}
	for i := range done.Cells {
		if done.Cells[i].ID == cellID {
			done.Cells[i].AddReader(reader)
			return done.Cells[i].Value, true
		}
	}
	return nil, false
}

// RecordCollectible stages an emitted collectible value under trait on the
// in-progress task id.
func (t *Table) RecordCollectible(id registry.TaskId, trait TraitId, vc RawVc) error {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, ok := r.state.(*InProgress)
	if !ok {
		return &NotInProgressError{Task: id, Found: r.state}
	}
	bucket := ip.PendingCollectibles[trait]
	if bucket == nil {
		bucket = &CollectibleBucket{Values: map[RawVc]int32{}, Dependents: map[registry.TaskId]struct{}{}}
		ip.PendingCollectibles[trait] = bucket
	}
	bucket.Values[vc]++
	return nil
}

// ReadersOf returns the recorded readers of one cell of a Done task, in no
// particular order. It returns nil if owner is not Done or has no such cell.
func (t *Table) ReadersOf(owner registry.TaskId, cellID CellId) []registry.TaskId {
	r := t.getOrCreate(owner)
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.state.(*Done)
	if !ok {
		return nil
	}
	for i := range done.Cells {
		if done.Cells[i].ID == cellID {
			out := make([]registry.TaskId, 0, len(done.Cells[i].Readers))
			for reader := range done.Cells[i].Readers {
				out = append(out, reader)
			}
			return out
		}
	}
	return nil
}

// OutputValue returns the value of cell (0,0) of a Done task without
// recording a reader, for host-facing reads that must not participate in
// invalidation tracking.
func (t *Table) OutputValue(id registry.TaskId) (Blob, bool) {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.state.(*Done)
	if !ok {
		return nil, false
	}
	for i := range done.Cells {
		if done.Cells[i].ID == (CellId{}) {
			return done.Cells[i].Value, true
		}
	}
	return nil, false
}

// Invalidate transitions id from Done to Dirty{stale:false}, or marks an
// InProgress task stale. It is idempotent on an already-Dirty task: a
// second invalidation must not increment ancestor counters. Returns true
// iff this call performed a
// genuine Done->Dirty transition the caller must roll into the aggregation
// tree as +1 unfinished.
func (t *Table) Invalidate(id registry.TaskId) bool {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s := r.state.(type) {
	case *Done:
		r.state = Dirty{Stale: false, PriorCells: s.Cells}
		return true
	case *InProgress:
		s.Stale = true
		return false
	case Dirty:
		return false
	case Unloaded:
		r.state = Dirty{Stale: false}
		return true
	default:
		return false
	}
}

// Unload evicts a Done task to Unloaded, dropping its cells and children
// references. Only valid from Done; returns false otherwise. The decision
// of *when* to call this belongs to the eviction policy plug-in in
// internal/recovery, never to Table itself.
func (t *Table) Unload(id registry.TaskId) bool {
	r := t.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.(*Done); !ok {
		return false
	}
	r.state = Unloaded{}
	return true
}

// Delete removes id's row entirely, used when a task becomes unreachable
// from every root.
func (t *Table) Delete(id registry.TaskId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, id)
}

// Snapshot returns every TaskId currently tracked, for diagnostics and
// tests. Order is unspecified.
func (t *Table) Snapshot() []registry.TaskId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]registry.TaskId, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	return ids
}
