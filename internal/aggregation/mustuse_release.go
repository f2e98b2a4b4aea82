//go:build !taskloom_debug

package aggregation

// armDebugFinalizer is a no-op outside of taskloom_debug builds.
func armDebugFinalizer(*ChangesQueue) {}
