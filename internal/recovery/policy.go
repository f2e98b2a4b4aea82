package recovery

import "time"

// EvictionPolicy decides whether a Done task should be evicted to the
// Unloaded state. The trigger is deliberately a plug-in: hosts with
// different memory/recompute tradeoffs supply their own predicate.
type EvictionPolicy interface {
	ShouldEvict(meta TaskMeta, now time.Time) bool
}

// AgeSizePolicy is the default predicate: evict a task once it has been
// Done for longer than MaxAge, or immediately when its recorded descendant
// count exceeds MaxDescendants (large subtrees are the expensive ones to
// keep resident, and the cheapest to rebuild incrementally).
type AgeSizePolicy struct {
	MaxAge         time.Duration
	MaxDescendants int
}

func (p AgeSizePolicy) ShouldEvict(meta TaskMeta, now time.Time) bool {
	if p.MaxAge > 0 && now.Sub(meta.CompletedAt) > p.MaxAge {
		return true
	}
	if p.MaxDescendants > 0 && meta.DescendantCount > p.MaxDescendants {
		return true
	}
	return false
}

// KeepAllPolicy never evicts; useful in tests and for hosts that prefer
// unbounded residency.
type KeepAllPolicy struct{}

func (KeepAllPolicy) ShouldEvict(TaskMeta, time.Time) bool { return false }
