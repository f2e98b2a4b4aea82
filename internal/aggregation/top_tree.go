package aggregation

import "sync"

// TopTree is one node of the top half of the aggregation tree. Depth 0
// wraps a single bottom-tree chain; depth d+1 wraps a collection of depth-d
// top trees. Top trees exist purely to keep the final root rollup shallow
// once a task is already within range of some root; the blue-node
// connectivity trick only matters inside the bottom trees' branching, so a
// TopTree has no edge locations.
type TopTree struct {
	depth uint8

	mu    sync.Mutex
	info  *Info
	upper map[*TopTree]int32 // multiset of parent top trees

	// cond is broadcast every time info changes, letting internal/root
	// implement the update barrier as a poll-on-broadcast loop over
	// Unfinished rather than reimplementing a per-node event.
	cond *sync.Cond
}

func newTopTree(depth uint8) *TopTree {
	t := &TopTree{
		depth: depth,
		info:  newInfo(),
		upper: map[*TopTree]int32{},
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// addTopTreeParent attaches parent as an upper of t, propagating t's
// current Info as an add-change the first time this parent is observed.
func (t *TopTree) addTopTreeParent(q *ChangesQueue, parent *TopTree) {
	t.mu.Lock()
	t.upper[parent]++
	isNew := t.upper[parent] == 1
	var change *Change
	if isNew {
		change = infoToAddChange(t.info)
	}
	t.mu.Unlock()
	if !isNew {
		return
	}
	if change != nil {
		q.AddTopChange(parent, change)
	}
}

func (t *TopTree) removeTopTreeParent(q *ChangesQueue, parent *TopTree) {
	t.mu.Lock()
	n := t.upper[parent] - 1
	isLast := n <= 0
	if isLast {
		delete(t.upper, parent)
	} else {
		t.upper[parent] = n
	}
	var change *Change
	if isLast {
		change = infoToRemoveChange(t.info)
	}
	t.mu.Unlock()
	if !isLast {
		return
	}
	if change != nil {
		q.AddTopChange(parent, change)
	}
}

// applyChange folds change into t's Info, wakes anyone waiting on
// Unfinished reaching zero, and propagates the same delta to every upper
// parent via the changes queue.
func (t *TopTree) applyChange(q *ChangesQueue, change *Change) {
	t.mu.Lock()
	t.info.apply(change)
	t.cond.Broadcast()
	parents := make([]*TopTree, 0, len(t.upper))
	for p, n := range t.upper {
		if n > 0 {
			parents = append(parents, p)
		}
	}
	t.mu.Unlock()
	for _, p := range parents {
		q.AddTopChange(p, change)
	}
}

// snapshotInfo returns a copy of t's current Info for read-only queries.
func (t *TopTree) snapshotInfo() *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.clone()
}

// SnapshotInfo returns a copy of t's current aggregated Info.
func (t *TopTree) SnapshotInfo() *Info { return t.snapshotInfo() }

// SetRootType marks t as an aggregation root of the given kind; NoRoot
// clears it on disconnect.
func (t *TopTree) SetRootType(kind RootKind) {
	t.mu.Lock()
	t.info.RootType = kind
	t.mu.Unlock()
}

// RootType reports the node's current root marking.
func (t *TopTree) RootType() RootKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.RootType
}

// WaitUnfinishedZero blocks until t's aggregated Unfinished count is zero
// or done is closed, whichever comes first. It is the primitive
// internal/root builds the update barrier on top of.
func (t *TopTree) WaitUnfinishedZero(done <-chan struct{}) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.info.Unfinished != 0 {
		select {
		case <-done:
			return
		default:
		}
		t.cond.Wait()
	}
}

// Unfinished returns the current aggregated unfinished count.
func (t *TopTree) Unfinished() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.Unfinished
}
