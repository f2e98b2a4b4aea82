// Package lockfile maps lockfile deltas to package-level change sets. It is
// a pure function of (previous lockfile bytes, current lockfile bytes,
// workspace layout): deterministic, no task allocation, no aggregation-tree
// access. The caller feeds the result back into the engine as cell
// invalidations on the synthetic per-package external-deps cells.
package lockfile
