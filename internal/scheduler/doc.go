// Package scheduler implements the work queue of dirty TaskIds with a
// live root and the fixed worker
// pool that executes task bodies. It knows nothing about task identity,
// cell diffing, or aggregation; internal/engine supplies the per-task
// execution closure and drives the Dirty->InProgress->Done transitions
// around each call through internal/core and internal/aggregation.
package scheduler
