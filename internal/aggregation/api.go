package aggregation

import "taskloom/internal/registry"

// Tree is the package's host-facing facade: internal/engine, internal/root
// and internal/scheduler drive the aggregation tree exclusively through
// these methods rather than touching BottomTree/TopTree/Leaf directly.
type Tree struct {
	leaves *LeafTable
}

// NewTree returns an empty aggregation tree.
func NewTree() *Tree {
	return &Tree{leaves: NewLeafTable()}
}

// AddChild wires child as a direct child of parent (child location Left),
// attaching parent's height-0 bottom tree as one of the child's uppers the
// first time this relation is observed and propagating the child's current
// Info — and, through the child's own bottom tree, its whole subtree — up
// parent's aggregation chain.
func (t *Tree) AddChild(ctx Context, q *ChangesQueue, parent, child registry.TaskId) {
	if parent == child {
		return
	}
	parentBT := t.leaves.bottomTreeAt(ctx, parent, 0)
	childLeaf := t.leaves.get(child)
	childLeaf.AddUpper(ctx, q, t.leaves, child, parentBT, Left)
}

// RemoveChild is the inverse of AddChild, used when a task re-executes
// without calling a child it previously called (the children relation is
// recomputed fresh on every execution).
func (t *Tree) RemoveChild(ctx Context, q *ChangesQueue, parent, child registry.TaskId) {
	if parent == child {
		return
	}
	parentBT := t.leaves.bottomTreeAt(ctx, parent, 0)
	childLeaf := t.leaves.get(child)
	childLeaf.RemoveUpper(ctx, q, t.leaves, child, parentBT, Left)
}

// ConnectRoot attaches id as an aggregation root of the given kind,
// returning the TopTree whose aggregated Info the caller reads and waits on
// via WaitUnfinishedZero/Unfinished. If the task's own Info has not yet
// been pushed into its left-upper edge (a freshly self-wired root), it is
// pushed here so the rollup counts the root task itself. The caller owns
// draining q.
func (t *Tree) ConnectRoot(ctx Context, q *ChangesQueue, id registry.TaskId, kind RootKind) *TopTree {
	tt := t.leaves.topTreeAt(ctx, id, 0)
	tt.SetRootType(kind)

	leaf := t.leaves.get(id)
	leaf.mu.Lock()
	needAnchor := !leaf.anchored && leaf.leftUpper != nil
	left := leaf.leftUpper
	if needAnchor {
		leaf.anchored = true
	}
	leaf.mu.Unlock()
	if needAnchor {
		if change := infoToAddChange(ctx.ItemInfo(id)); change != nil {
			q.AddBottomChange(left, change)
		}
	}
	return tt
}

// DisconnectRoot clears root_type on tt. Aggregation teardown for tasks no
// longer reachable from any root is the caller's responsibility
// (internal/engine's SweepUnreachable walks its own child edges from the
// remaining roots and destroys what it cannot reach).
func (t *Tree) DisconnectRoot(tt *TopTree) {
	tt.SetRootType(NoRoot)
}

// ApplyTaskChange pushes a per-task Info delta (e.g. a Dirty<->Done state
// transition's effect on Unfinished/DirtyTasks) into id's aggregation
// chain via its leaf edges. Delegated parents receive the delta
// transitively through the left upper. The caller is responsible for
// draining q afterward.
func (t *Tree) ApplyTaskChange(q *ChangesQueue, id registry.TaskId, change *Change) {
	if change.IsZero() {
		return
	}
	leaf := t.leaves.get(id)
	for _, parent := range leaf.uppers() {
		q.AddBottomChange(parent, change)
	}
}

// RootInfo returns the merged Info of the trees directly above id, for
// diagnostics.
func (t *Tree) RootInfo(id registry.TaskId) *Info {
	return t.leaves.RootInfo(id)
}
