// Package core implements the per-task state machine (Dirty, InProgress,
// Done, Unloaded) and the cell store backing task outputs and dependency
// tracking. It holds no knowledge of the aggregation tree or scheduler;
// both are layered on top in internal/aggregation, internal/scheduler, and
// internal/engine, which translate state transitions and cell writes into
// aggregation-tree deltas and scheduling decisions.
package core
