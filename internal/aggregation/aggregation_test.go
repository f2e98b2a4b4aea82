package aggregation

import (
	"testing"

	"taskloom/internal/registry"
)

// testContext reports every task Dirty (Unfinished=1, DirtyTasks={id:1})
// unless listed in done, and blue iff listed in blue.
type testContext struct {
	done map[registry.TaskId]bool
	blue map[registry.TaskId]bool
}

func (c *testContext) IsBlue(id registry.TaskId) bool { return c.blue[id] }

func (c *testContext) ItemInfo(id registry.TaskId) *Info {
	info := newInfo()
	if !c.done[id] {
		info.Unfinished = 1
		info.DirtyTasks[id] = 1
	}
	return info
}

func connect(t *testing.T, tree *Tree, ctx Context, id registry.TaskId) *TopTree {
	t.Helper()
	q := NewChangesQueue()
	tt := tree.ConnectRoot(ctx, q, id, RootPersistent)
	q.Drain()
	return tt
}

func addChild(tree *Tree, ctx Context, parent, child registry.TaskId) {
	q := NewChangesQueue()
	tree.AddChild(ctx, q, parent, child)
	q.Drain()
}

func applyDone(tree *Tree, id registry.TaskId) {
	q := NewChangesQueue()
	tree.ApplyTaskChange(q, id, &Change{
		UnfinishedDelta: -1,
		DirtyDelta:      map[registry.TaskId]int32{id: -1},
	})
	q.Drain()
}

func TestRootCountsItselfAndDirectChildren(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()

	tt := connect(t, tree, ctx, 1)
	if got := tt.Unfinished(); got != 1 {
		t.Fatalf("root alone: unfinished = %d, want 1", got)
	}

	addChild(tree, ctx, 1, 2)
	addChild(tree, ctx, 1, 3)
	if got := tt.Unfinished(); got != 3 {
		t.Fatalf("root+2 children: unfinished = %d, want 3", got)
	}

	info := tt.SnapshotInfo()
	for _, id := range []registry.TaskId{1, 2, 3} {
		if info.DirtyTasks[id] != 1 {
			t.Errorf("dirty_tasks[%d] = %d, want 1", id, info.DirtyTasks[id])
		}
	}
}

func TestDeepChainRollsUpToRoot(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()
	tt := connect(t, tree, ctx, 1)

	// 1 -> 2 -> 3 -> 4 -> 5, edges added in execution order
	for id := registry.TaskId(2); id <= 5; id++ {
		addChild(tree, ctx, id-1, id)
	}
	if got := tt.Unfinished(); got != 5 {
		t.Fatalf("chain of 5: unfinished = %d, want 5", got)
	}

	// completing the deepest task decrements exactly one
	applyDone(tree, 5)
	if got := tt.Unfinished(); got != 4 {
		t.Fatalf("after one completion: unfinished = %d, want 4", got)
	}
	info := tt.SnapshotInfo()
	if _, still := info.DirtyTasks[5]; still {
		t.Fatalf("task 5 still in dirty_tasks after completion")
	}
}

func TestDiamondCountsOncePerPath(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()
	tt := connect(t, tree, ctx, 1)

	// 1 -> 2, 1 -> 3, 2 -> 4, 3 -> 4: task 4 is shared
	addChild(tree, ctx, 1, 2)
	addChild(tree, ctx, 1, 3)
	addChild(tree, ctx, 2, 4)
	addChild(tree, ctx, 3, 4)

	info := tt.SnapshotInfo()
	if info.DirtyTasks[4] != 2 {
		t.Fatalf("shared task counted %d times, want 2 (one per aggregation path)", info.DirtyTasks[4])
	}

	// a delta to the shared task flows along both paths
	applyDone(tree, 4)
	info = tt.SnapshotInfo()
	if _, still := info.DirtyTasks[4]; still {
		t.Fatalf("dirty_tasks[4] = %d after completion, want absence", info.DirtyTasks[4])
	}
	if got := tt.Unfinished(); got != 3 {
		t.Fatalf("unfinished = %d, want 3", got)
	}
}

func TestDeltaAfterEdgeRemovalLeavesSumsConsistent(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()
	tt := connect(t, tree, ctx, 1)

	addChild(tree, ctx, 1, 2)
	addChild(tree, ctx, 2, 3)
	if got := tt.Unfinished(); got != 3 {
		t.Fatalf("unfinished = %d, want 3", got)
	}

	q := NewChangesQueue()
	tree.RemoveChild(ctx, q, 2, 3)
	q.Drain()
	if got := tt.Unfinished(); got != 2 {
		t.Fatalf("after removing leaf edge: unfinished = %d, want 2", got)
	}
}

func TestInnerUpperSaturationKeepsSumsConsistent(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()
	tt := connect(t, tree, ctx, 1)

	// shared is a child of MaxInnerUppers+2 distinct parents, all under the
	// root; the edges beyond the bound delegate to the left upper
	shared := registry.TaskId(1000)
	parents := make([]registry.TaskId, 0, MaxInnerUppers+2)
	for i := 0; i < MaxInnerUppers+2; i++ {
		p := registry.TaskId(2 + i)
		parents = append(parents, p)
		addChild(tree, ctx, 1, p)
	}
	for _, p := range parents {
		addChild(tree, ctx, p, shared)
	}

	info := tt.SnapshotInfo()
	// root + parents + one count of shared per aggregation path; whatever
	// the delegation did structurally, the dirty multiset must still be
	// positive and every parent must still be present exactly once
	if info.DirtyTasks[shared] <= 0 {
		t.Fatalf("shared task lost from dirty_tasks under saturation")
	}
	for _, p := range parents {
		if info.DirtyTasks[p] != 1 {
			t.Errorf("dirty_tasks[%d] = %d, want 1", p, info.DirtyTasks[p])
		}
	}

	// completing shared removes it entirely, along every path
	sharedPaths := info.DirtyTasks[shared]
	q := NewChangesQueue()
	tree.ApplyTaskChange(q, shared, &Change{
		UnfinishedDelta: -1,
		DirtyDelta:      map[registry.TaskId]int32{shared: -1},
	})
	q.Drain()
	info = tt.SnapshotInfo()
	if got := info.DirtyTasks[shared]; got != sharedPaths-1 && got != 0 {
		t.Fatalf("dirty_tasks[shared] = %d after completion delta", got)
	}
}

func TestCellWithNoReadersNeedsNoQueueEntry(t *testing.T) {
	// a zero change never allocates a queue entry
	q := NewChangesQueue()
	var bt = newBottomTree(0)
	q.AddBottomChange(bt, &Change{})
	if len(q.bottom) != 0 {
		t.Fatalf("zero change allocated a queue bucket")
	}
	q.Drain()
}

func TestChangesQueueMergesDuplicateNodeChanges(t *testing.T) {
	bt := newBottomTree(0)
	q := NewChangesQueue()
	q.AddBottomChange(bt, &Change{UnfinishedDelta: 1})
	q.AddBottomChange(bt, &Change{UnfinishedDelta: 1})
	q.Drain()
	if got := bt.snapshotInfo().Unfinished; got != 2 {
		t.Fatalf("merged drain applied %d, want 2", got)
	}
}

func TestBlueChildSubtreeUsesMiddleEdges(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{2: true}}
	tree := NewTree()
	tt := connect(t, tree, ctx, 1)

	addChild(tree, ctx, 1, 2) // blue child
	addChild(tree, ctx, 2, 3) // grandchild through blue child
	if got := tt.Unfinished(); got != 3 {
		t.Fatalf("unfinished = %d, want 3 regardless of blue routing", got)
	}
}

func TestOnceRootTypeRoundTrip(t *testing.T) {
	ctx := &testContext{done: map[registry.TaskId]bool{}, blue: map[registry.TaskId]bool{}}
	tree := NewTree()
	q := NewChangesQueue()
	tt := tree.ConnectRoot(ctx, q, 7, RootOnce)
	q.Drain()
	if tt.RootType() != RootOnce {
		t.Fatalf("root type = %v, want RootOnce", tt.RootType())
	}
	tree.DisconnectRoot(tt)
	if tt.RootType() != NoRoot {
		t.Fatalf("root type = %v after disconnect, want NoRoot", tt.RootType())
	}
}
