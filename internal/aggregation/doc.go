// Package aggregation implements the two-level (bottom tree + top tree)
// aggregation tree that rolls up "is any descendant dirty/unfinished?"
// efficiently under concurrent mutation, together with the depth-ordered
// changes queue that applies deltas to it in an order that keeps every
// node's Info equal to the elementwise sum of its children's contributions.
//
// The structure is kept deliberately concrete: Info and Change are this
// package's own types and items are registry.TaskIds, since taskloom only
// ever aggregates one kind of item. Policy the tree must not hardcode
// (which tasks are "blue", what a task's own Info contribution is) comes in
// through the Context interface, supplied by internal/engine.
package aggregation
