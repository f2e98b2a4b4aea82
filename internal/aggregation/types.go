package aggregation

import "taskloom/internal/registry"

// MaxInnerUppers bounds the number of inner parents a task's leaf may
// accumulate. Beyond the bound, a new parent aggregates the task's left
// upper tree as a whole instead of the task alone, keeping per-operation
// cost proportional to MaxInnerUppers rather than to how widely the task is
// shared.
const MaxInnerUppers = 16

// ChildLocation labels an aggregation edge by how the aggregated content
// relates to the parent node.
type ChildLocation int

const (
	// Left: a direct child's own contribution.
	Left ChildLocation = iota
	// Middle: a subtree reached through a blue child; aggregated with the
	// same priority as a direct child, absorbing one extra layer of
	// connectivity.
	Middle
	// Right: a subtree reached through a non-blue child.
	Right
)

func (l ChildLocation) String() string {
	switch l {
	case Left:
		return "left"
	case Middle:
		return "middle"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// RootKind distinguishes a persistent Root from a self-disposing Once root.
// NoRoot means the node is not (currently) a root.
type RootKind int

const (
	NoRoot RootKind = iota
	RootOnce
	RootPersistent
)

// Info is the aggregated rollup stored at every aggregation node: the
// elementwise sum of its descendants' per-task contributions.
type Info struct {
	Unfinished   int32
	DirtyTasks   map[registry.TaskId]int32
	Collectibles map[uint32]map[registry.TaskId]int32 // TraitId -> per-emitter count
	RootType     RootKind
}

func newInfo() *Info {
	return &Info{DirtyTasks: map[registry.TaskId]int32{}, Collectibles: map[uint32]map[registry.TaskId]int32{}}
}

func (i *Info) clone() *Info {
	c := newInfo()
	c.Unfinished = i.Unfinished
	c.RootType = i.RootType
	for k, v := range i.DirtyTasks {
		c.DirtyTasks[k] = v
	}
	for trait, m := range i.Collectibles {
		cm := make(map[registry.TaskId]int32, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.Collectibles[trait] = cm
	}
	return c
}

// Change is an additive delta to an Info. Because every Info field here is a
// sum, applying the same Change at a node and then propagating it unmodified
// to that node's parents is correct; no before/after snapshot diffing is
// needed.
type Change struct {
	UnfinishedDelta   int32
	DirtyDelta        map[registry.TaskId]int32
	CollectibleDelta  map[uint32]map[registry.TaskId]int32
}

// IsZero reports whether applying change would have no observable effect.
func (c *Change) IsZero() bool {
	if c == nil {
		return true
	}
	if c.UnfinishedDelta != 0 {
		return false
	}
	for _, v := range c.DirtyDelta {
		if v != 0 {
			return false
		}
	}
	for _, m := range c.CollectibleDelta {
		for _, v := range m {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// Merge folds other into c in place.
func (c *Change) Merge(other *Change) {
	if other == nil {
		return
	}
	c.UnfinishedDelta += other.UnfinishedDelta
	if len(other.DirtyDelta) > 0 {
		if c.DirtyDelta == nil {
			c.DirtyDelta = map[registry.TaskId]int32{}
		}
		for k, v := range other.DirtyDelta {
			c.DirtyDelta[k] += v
		}
	}
	if len(other.CollectibleDelta) > 0 {
		if c.CollectibleDelta == nil {
			c.CollectibleDelta = map[uint32]map[registry.TaskId]int32{}
		}
		for trait, m := range other.CollectibleDelta {
			if c.CollectibleDelta[trait] == nil {
				c.CollectibleDelta[trait] = map[registry.TaskId]int32{}
			}
			for k, v := range m {
				c.CollectibleDelta[trait][k] += v
			}
		}
	}
}

func (c *Change) clone() *Change {
	out := &Change{UnfinishedDelta: c.UnfinishedDelta}
	if len(c.DirtyDelta) > 0 {
		out.DirtyDelta = make(map[registry.TaskId]int32, len(c.DirtyDelta))
		for k, v := range c.DirtyDelta {
			out.DirtyDelta[k] = v
		}
	}
	if len(c.CollectibleDelta) > 0 {
		out.CollectibleDelta = make(map[uint32]map[registry.TaskId]int32, len(c.CollectibleDelta))
		for trait, m := range c.CollectibleDelta {
			cm := make(map[registry.TaskId]int32, len(m))
			for k, v := range m {
				cm[k] = v
			}
			out.CollectibleDelta[trait] = cm
		}
	}
	return out
}

// apply folds change into info in place, pruning zero-count entries.
func (info *Info) apply(change *Change) {
	if change == nil {
		return
	}
	info.Unfinished += change.UnfinishedDelta
	for k, v := range change.DirtyDelta {
		nv := info.DirtyTasks[k] + v
		if nv == 0 {
			delete(info.DirtyTasks, k)
		} else {
			info.DirtyTasks[k] = nv
		}
	}
	for trait, m := range change.CollectibleDelta {
		bucket := info.Collectibles[trait]
		if bucket == nil {
			bucket = map[registry.TaskId]int32{}
			info.Collectibles[trait] = bucket
		}
		for k, v := range m {
			nv := bucket[k] + v
			if nv == 0 {
				delete(bucket, k)
			} else {
				bucket[k] = nv
			}
		}
		if len(bucket) == 0 {
			delete(info.Collectibles, trait)
		}
	}
}

// Context supplies the backend policy the aggregation tree itself must not
// hardcode: which tasks are "blue", and a task's own per-task Info
// contribution. It is implemented by internal/engine.
type Context interface {
	// IsBlue reports whether id absorbs one extra layer of aggregation
	// connectivity from its descendants. Immutable per task lifetime.
	IsBlue(id registry.TaskId) bool
	// ItemInfo returns id's own per-task Info contribution (Unfinished=1
	// iff Dirty or InProgress without the count-as-finished flag,
	// DirtyTasks={id:1} iff Dirty).
	ItemInfo(id registry.TaskId) *Info
}

// AddChangeOf returns the Change that adds info to a node, or nil if info
// is empty. RemoveChangeOf is its inverse.
func AddChangeOf(info *Info) *Change    { return infoToAddChange(info) }
func RemoveChangeOf(info *Info) *Change { return infoToRemoveChange(info) }
