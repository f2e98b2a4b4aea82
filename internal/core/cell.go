package core

import "taskloom/internal/registry"

// CellId addresses one typed output slot of a task. An inline fast path
// for index 0 with a sparse spill map for the rest would be a size
// optimization, not a semantic distinction, so every index is stored
// uniformly and the fast path is left to the allocator/GC.
type CellId struct {
	TypeId int
	Index  int
}

// Blob is an opaque, value-typed task output. Equality between two Blobs
// of the same value-type is a host-supplied capability, not something core
// can know in general.
type Blob = any

// BlobEquality is the value-type equality capability a host supplies to
// diff cell writes. A nil Equality reports every write as changed
// (conservative invalidation), matching the "failed to serialize" failure
// write path.
type BlobEquality interface {
	Equal(a, b Blob) bool
}

// Cell is one typed output slot of a Done task.
type Cell struct {
	ID      CellId
	Value   Blob
	Version uint64
	Readers map[registry.TaskId]struct{}
}

func newCell(id CellId, value Blob) Cell {
	return Cell{ID: id, Value: value, Version: 0, Readers: map[registry.TaskId]struct{}{}}
}

// AddReader records reader as having read this cell since its last write.
func (c *Cell) AddReader(reader registry.TaskId) {
	if c.Readers == nil {
		c.Readers = map[registry.TaskId]struct{}{}
	}
	c.Readers[reader] = struct{}{}
}

// PruneReader drops reader from the set, e.g. because the reader task no
// longer exists and is silently pruned on the next write.
func (c *Cell) PruneReader(reader registry.TaskId) {
	delete(c.Readers, reader)
}
