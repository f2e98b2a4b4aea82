package root

import (
	"context"
	"time"

	"taskloom/internal/scheduler"
)

// UpdateInfo is returned by a successful Wait: how long the wait actually
// took and how many tasks were in progress when settlement was confirmed
// (always 0 by construction; kept so hosts can log it).
type UpdateInfo struct {
	Elapsed         time.Duration
	InProgressCount int
}

// UpdateBarrier implements update_info(min_delay, max_timeout): waits for
// a period of inactivity of at least minDelay after the
// last task completion under any root, bounded by maxTimeout. "Inactivity"
// means both the worker pool has no in-flight task bodies and every
// connected root's aggregated Unfinished count is zero; either one
// restarts the minDelay quiescence window.
type UpdateBarrier struct {
	roots *Manager
	pool  *scheduler.Pool

	pollInterval time.Duration
}

// NewUpdateBarrier returns a barrier over roots/pool. pollInterval governs
// how finely the quiescence window is checked; callers in tests may want
// it small, production hosts can leave it at the default via
// NewDefaultUpdateBarrier.
func NewUpdateBarrier(roots *Manager, pool *scheduler.Pool, pollInterval time.Duration) *UpdateBarrier {
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	return &UpdateBarrier{roots: roots, pool: pool, pollInterval: pollInterval}
}

// settled reports whether the system is quiescent right now: the worker
// pool is idle and every connected root's aggregated Unfinished is zero.
func (b *UpdateBarrier) settled() bool {
	if b.pool.InProgress() != 0 {
		return false
	}
	for _, tt := range b.roots.Trees() {
		if tt.Unfinished() != 0 {
			return false
		}
	}
	return true
}

// Wait blocks until the system has been continuously settled for at least
// minDelay, or ctx/maxTimeout expires first. Returns (info, true) on
// settlement, (UpdateInfo{}, false) on timeout.
func (b *UpdateBarrier) Wait(ctx context.Context, minDelay, maxTimeout time.Duration) (UpdateInfo, bool) {
	start := time.Now()
	deadline := start.Add(maxTimeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var settledSince time.Time
	for {
		now := time.Now()
		if now.After(deadline) {
			return UpdateInfo{}, false
		}
		if b.settled() {
			if settledSince.IsZero() {
				settledSince = now
			}
			if now.Sub(settledSince) >= minDelay {
				return UpdateInfo{Elapsed: now.Sub(start), InProgressCount: 0}, true
			}
		} else {
			settledSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return UpdateInfo{}, false
		case <-ticker.C:
		}
	}
}
