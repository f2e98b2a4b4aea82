package aggregation

import (
	"sync"

	"taskloom/internal/registry"
)

// leafUpperKey names one aggregation edge from a task's leaf to a parent
// bottom tree.
type leafUpperKey struct {
	parent *BottomTree
	loc    ChildLocation
}

// Leaf is the per-task anchor into the aggregation tree. Every task owns
// exactly one Leaf, lazily populated the first time it is observed as
// someone's child or connected as a root.
//
// A task's own Info contribution travels along its leaf edges (leftUpper
// plus innerUpper); its descendants' contributions travel along its
// height-0 bottom tree, which mirrors every leaf edge so the rollup is
// complete at any graph depth. leftUpper is the sole strong-reference
// parent; innerUpper holds the rest up to MaxInnerUppers, beyond which new
// parents aggregate the left upper's whole tree instead (the delegated
// set).
type Leaf struct {
	mu sync.Mutex

	bottomTrees []*BottomTree // index by height
	topTrees    []*TopTree    // index by depth

	leftUpper  *BottomTree
	innerUpper map[leafUpperKey]int32
	delegated  map[leafUpperKey]int32 // parents served through the left upper after saturation

	// anchored is true once the task's own Info has been pushed along the
	// left-upper edge; a self-wired left upper (a root with no parents)
	// starts unanchored until ConnectRoot pushes it.
	anchored bool
}

func newLeaf() *Leaf {
	return &Leaf{innerUpper: map[leafUpperKey]int32{}, delegated: map[leafUpperKey]int32{}}
}

// shadowLocation labels the subtree edge that carries id's descendants into
// a parent: blue tasks couple their descendants as Middle, others as Right.
func shadowLocation(ctx Context, id registry.TaskId) ChildLocation {
	if ctx.IsBlue(id) {
		return Middle
	}
	return Right
}

// AddUpper wires id's Leaf into parent at the given location, pushing the
// task's current Info the first time this edge appears and mirroring the
// edge on the task's height-0 bottom tree so descendants follow. Beyond
// MaxInnerUppers distinct inner edges, the new parent instead aggregates
// the left upper tree as a whole.
func (leaf *Leaf) AddUpper(ctx Context, q *ChangesQueue, leaves *LeafTable, id registry.TaskId, parent *BottomTree, loc ChildLocation) {
	key := leafUpperKey{parent: parent, loc: loc}
	leaf.mu.Lock()
	var isNew, saturate bool
	switch {
	case loc == Left && leaf.leftUpper == nil:
		leaf.leftUpper = parent
		leaf.anchored = true
		isNew = true
	case leaf.innerUpper[key] > 0:
		leaf.innerUpper[key]++
	case leaf.delegated[key] > 0:
		leaf.delegated[key]++
	case len(leaf.innerUpper) >= MaxInnerUppers:
		leaf.delegated[key] = 1
		saturate = true
	default:
		leaf.innerUpper[key] = 1
		isNew = true
	}
	left := leaf.leftUpper
	var shadow *BottomTree
	if len(leaf.bottomTrees) > 0 {
		shadow = leaf.bottomTrees[0]
	}
	leaf.mu.Unlock()

	if saturate {
		if left != nil && left != parent {
			left.addBottomTreeParent(q, parent, loc)
		}
		return
	}
	if !isNew {
		return
	}
	if change := infoToAddChange(ctx.ItemInfo(id)); change != nil {
		q.AddBottomChange(parent, change)
	}
	if shadow != nil && shadow != parent {
		shadow.addBottomTreeParent(q, parent, shadowLocation(ctx, id))
	}
}

// RemoveUpper is the inverse of AddUpper, called once a task stops being a
// child of parent (e.g. because the parent re-executed without calling it
// this time).
func (leaf *Leaf) RemoveUpper(ctx Context, q *ChangesQueue, leaves *LeafTable, id registry.TaskId, parent *BottomTree, loc ChildLocation) {
	key := leafUpperKey{parent: parent, loc: loc}
	leaf.mu.Lock()
	var isLast, wasDelegated bool
	switch {
	case loc == Left && leaf.leftUpper == parent:
		leaf.leftUpper = nil
		leaf.anchored = false
		isLast = true
	case leaf.innerUpper[key] > 0:
		if n := leaf.innerUpper[key] - 1; n <= 0 {
			delete(leaf.innerUpper, key)
			isLast = true
		} else {
			leaf.innerUpper[key] = n
		}
	case leaf.delegated[key] > 0:
		wasDelegated = true
		if n := leaf.delegated[key] - 1; n <= 0 {
			delete(leaf.delegated, key)
		} else {
			leaf.delegated[key] = n
			wasDelegated = false
		}
	}
	left := leaf.leftUpper
	var shadow *BottomTree
	if len(leaf.bottomTrees) > 0 {
		shadow = leaf.bottomTrees[0]
	}
	leaf.mu.Unlock()

	if wasDelegated {
		if left != nil && left != parent {
			left.removeBottomTreeParent(q, parent, loc)
		}
		return
	}
	if !isLast {
		return
	}
	if change := infoToRemoveChange(ctx.ItemInfo(id)); change != nil {
		q.AddBottomChange(parent, change)
	}
	if shadow != nil && shadow != parent {
		shadow.removeBottomTreeParent(q, parent, shadowLocation(ctx, id))
	}
}

// uppers returns the task's current direct leaf edges (left + inner),
// excluding delegated parents, which receive deltas transitively through
// the left upper.
func (leaf *Leaf) uppers() []*BottomTree {
	leaf.mu.Lock()
	defer leaf.mu.Unlock()
	out := make([]*BottomTree, 0, 1+len(leaf.innerUpper))
	if leaf.leftUpper != nil {
		out = append(out, leaf.leftUpper)
	}
	for k, n := range leaf.innerUpper {
		if n > 0 {
			out = append(out, k.parent)
		}
	}
	return out
}

// LeafTable owns every task's Leaf and lazily builds bottom/top tree chains
// on demand.
type LeafTable struct {
	mu   sync.Mutex
	rows map[registry.TaskId]*Leaf
}

// NewLeafTable returns an empty leaf table.
func NewLeafTable() *LeafTable {
	return &LeafTable{rows: map[registry.TaskId]*Leaf{}}
}

func (lt *LeafTable) get(id registry.TaskId) *Leaf {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.rows[id]
	if !ok {
		l = newLeaf()
		lt.rows[id] = l
	}
	return l
}

// bottomTreeAt returns (creating as needed) the height-h BottomTree rooted
// at id, building the chain from height 0 upward. A freshly created
// height-0 tree is either self-wired as the task's left upper (a task with
// no parents yet, i.e. a root) or attached under every existing leaf edge
// so the task's descendants roll up along the same paths the task itself
// does.
func (lt *LeafTable) bottomTreeAt(ctx Context, id registry.TaskId, height uint8) *BottomTree {
	leaf := lt.get(id)
	leaf.mu.Lock()
	for len(leaf.bottomTrees) <= int(height) {
		leaf.bottomTrees = append(leaf.bottomTrees, nil)
	}
	if bt := leaf.bottomTrees[height]; bt != nil {
		leaf.mu.Unlock()
		return bt
	}
	bt := newBottomTree(height)
	leaf.bottomTrees[height] = bt

	var selfWire bool
	var edges []*BottomTree
	if height == 0 {
		if leaf.leftUpper == nil {
			leaf.leftUpper = bt
			selfWire = true
			// anchored stays false: the task's own Info is pushed by
			// ConnectRoot, the only path that self-wires
		} else {
			edges = append(edges, leaf.leftUpper)
			for k, n := range leaf.innerUpper {
				if n > 0 {
					edges = append(edges, k.parent)
				}
			}
		}
	}
	leaf.mu.Unlock()

	if height == 0 {
		if !selfWire {
			q := NewChangesQueue()
			loc := shadowLocation(ctx, id)
			for _, parent := range edges {
				if parent != bt {
					bt.addBottomTreeParent(q, parent, loc)
				}
			}
			q.Drain()
		}
		return bt
	}

	below := lt.bottomTreeAt(ctx, id, height-1)
	q := NewChangesQueue()
	below.addBottomTreeParent(q, bt, Left)
	q.Drain()
	return bt
}

// topTreeAt returns (creating as needed) the depth-d TopTree rooted at id.
// A depth-d top tree wraps the bottom tree four heights up, keeping
// top-tree fan-out shallow relative to the bottom tree's own chaining.
func (lt *LeafTable) topTreeAt(ctx Context, id registry.TaskId, depth uint8) *TopTree {
	leaf := lt.get(id)
	leaf.mu.Lock()
	for len(leaf.topTrees) <= int(depth) {
		leaf.topTrees = append(leaf.topTrees, nil)
	}
	if tt := leaf.topTrees[depth]; tt != nil {
		leaf.mu.Unlock()
		return tt
	}
	tt := newTopTree(depth)
	leaf.topTrees[depth] = tt
	leaf.mu.Unlock()

	bt := lt.bottomTreeAt(ctx, id, depth+4)
	q := NewChangesQueue()
	bt.addTopTreeParent(q, tt)
	q.Drain()
	return tt
}

// RootInfo walks a task's leaf edges and returns the merged Info of the
// trees above it.
func (lt *LeafTable) RootInfo(id registry.TaskId) *Info {
	leaf := lt.get(id)
	result := newInfo()
	for _, parent := range leaf.uppers() {
		result.apply(infoToAddChange(parent.snapshotInfo()))
	}
	return result
}
