package aggregation

import (
	"sync"

	"taskloom/internal/registry"
)

// BottomTree is one node of the bottom half of the aggregation tree. The
// height-0 tree of a task aggregates that task's descendants (each direct
// child's leaf edge plus each child's own height-0 tree); height h+1 wraps
// the height-h tree below it on the chain toward a root's top tree. Each
// node keeps a (parent, location) multiset of uppers so that a node shared
// along several aggregation paths contributes once per path.
type BottomTree struct {
	height uint8

	mu    sync.Mutex
	info  *Info
	upper map[bottomUpperKey]int32 // (parent, location) multiset: how many distinct paths reach this parent at this location
}

// bottomUpperKey names a parent aggregation node. Exactly one of bottom/top
// is set.
type bottomUpperKey struct {
	bottom   *BottomTree
	top      *TopTree
	location ChildLocation
}

func newBottomTree(height uint8) *BottomTree {
	return &BottomTree{
		height: height,
		info:   newInfo(),
		upper:  map[bottomUpperKey]int32{},
	}
}

// addBottomTreeParent attaches parent as an upper of b at location,
// propagating b's current Info as an add-change the first time this
// (parent, location) pair appears.
func (b *BottomTree) addBottomTreeParent(q *ChangesQueue, parent *BottomTree, location ChildLocation) {
	key := bottomUpperKey{bottom: parent, location: location}
	b.mu.Lock()
	b.upper[key]++
	isNew := b.upper[key] == 1
	var change *Change
	if isNew {
		change = infoToAddChange(b.info)
	}
	b.mu.Unlock()
	if !isNew {
		return
	}
	if change != nil {
		q.AddBottomChange(parent, change)
	}
}

func (b *BottomTree) removeBottomTreeParent(q *ChangesQueue, parent *BottomTree, location ChildLocation) {
	key := bottomUpperKey{bottom: parent, location: location}
	b.mu.Lock()
	n := b.upper[key] - 1
	isLast := n <= 0
	if isLast {
		delete(b.upper, key)
	} else {
		b.upper[key] = n
	}
	var change *Change
	if isLast {
		change = infoToRemoveChange(b.info)
	}
	b.mu.Unlock()
	if !isLast {
		return
	}
	if change != nil {
		q.AddBottomChange(parent, change)
	}
}

// addTopTreeParent is the top-tree analogue of addBottomTreeParent.
func (b *BottomTree) addTopTreeParent(q *ChangesQueue, parent *TopTree) {
	key := bottomUpperKey{top: parent}
	b.mu.Lock()
	b.upper[key]++
	isNew := b.upper[key] == 1
	var change *Change
	if isNew {
		change = infoToAddChange(b.info)
	}
	b.mu.Unlock()
	if !isNew {
		return
	}
	if change != nil {
		q.AddTopChange(parent, change)
	}
}

func (b *BottomTree) removeTopTreeParent(q *ChangesQueue, parent *TopTree) {
	key := bottomUpperKey{top: parent}
	b.mu.Lock()
	n := b.upper[key] - 1
	isLast := n <= 0
	if isLast {
		delete(b.upper, key)
	} else {
		b.upper[key] = n
	}
	var change *Change
	if isLast {
		change = infoToRemoveChange(b.info)
	}
	b.mu.Unlock()
	if !isLast {
		return
	}
	if change != nil {
		q.AddTopChange(parent, change)
	}
}

// applyChange folds change into b's Info and propagates the same delta to
// every upper parent via the changes queue.
func (b *BottomTree) applyChange(q *ChangesQueue, change *Change) {
	b.mu.Lock()
	b.info.apply(change)
	parents := make([]bottomUpperKey, 0, len(b.upper))
	for k, n := range b.upper {
		if n > 0 {
			parents = append(parents, k)
		}
	}
	b.mu.Unlock()
	for _, p := range parents {
		if p.top != nil {
			q.AddTopChange(p.top, change)
		} else if p.bottom != nil {
			q.AddBottomChange(p.bottom, change)
		}
	}
}

// snapshotInfo returns a copy of b's current Info for read-only queries.
func (b *BottomTree) snapshotInfo() *Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info.clone()
}

func infoToAddChange(info *Info) *Change {
	c := &Change{UnfinishedDelta: info.Unfinished}
	if len(info.DirtyTasks) > 0 {
		c.DirtyDelta = make(map[registry.TaskId]int32, len(info.DirtyTasks))
		for k, v := range info.DirtyTasks {
			c.DirtyDelta[k] = v
		}
	}
	if len(info.Collectibles) > 0 {
		c.CollectibleDelta = make(map[uint32]map[registry.TaskId]int32, len(info.Collectibles))
		for trait, m := range info.Collectibles {
			cm := make(map[registry.TaskId]int32, len(m))
			for k, v := range m {
				cm[k] = v
			}
			c.CollectibleDelta[trait] = cm
		}
	}
	if c.IsZero() {
		return nil
	}
	return c
}

func infoToRemoveChange(info *Info) *Change {
	c := &Change{UnfinishedDelta: -info.Unfinished}
	if len(info.DirtyTasks) > 0 {
		c.DirtyDelta = make(map[registry.TaskId]int32, len(info.DirtyTasks))
		for k, v := range info.DirtyTasks {
			c.DirtyDelta[k] = -v
		}
	}
	if len(info.Collectibles) > 0 {
		c.CollectibleDelta = make(map[uint32]map[registry.TaskId]int32, len(info.Collectibles))
		for trait, m := range info.Collectibles {
			cm := make(map[registry.TaskId]int32, len(m))
			for k, v := range m {
				cm[k] = -v
			}
			c.CollectibleDelta[trait] = cm
		}
	}
	if c.IsZero() {
		return nil
	}
	return c
}
