// Package engine wires the incremental computation core together and
// exposes the host-facing API: function registration, task interning, root
// lifecycle, invalidation, the update barrier, and blocking output reads.
// It owns the execution path (the scheduler's TaskFunc), the global
// serialization of changes-queue drains, and the policy callbacks the
// aggregation tree and state machine must not hardcode.
package engine
