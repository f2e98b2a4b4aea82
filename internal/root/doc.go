// Package root implements root lifecycle and the update barrier:
// connect_root/disconnect, the Once-root auto-disposal rule, and
// update_info's wait-for-quiescence contract. It sits directly on
// internal/aggregation (for the root TopTree's aggregated Info) and
// internal/scheduler (for the worker-pool idle signal); internal/engine
// wires OnTaskDone into the task-completion path so a Once root knows when
// to auto-disconnect.
package root
