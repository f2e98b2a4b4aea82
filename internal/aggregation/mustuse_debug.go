//go:build taskloom_debug

package aggregation

import "runtime"

// armDebugFinalizer enforces the "Drain must be called before the queue is
// dropped" discipline in debug builds: rather than a linear type (which Go
// cannot express), a finalizer checks the drained flag and panics if the
// queue was garbage collected first. Compiled only under the taskloom_debug
// build tag so release builds pay nothing for it.
func armDebugFinalizer(q *ChangesQueue) {
	runtime.SetFinalizer(q, func(q *ChangesQueue) {
		if !q.drained {
			panic("aggregation: ChangesQueue.Drain was not called before the queue was dropped")
		}
	})
}
