package engine

import (
	"fmt"

	"taskloom/internal/registry"
)

// ErrTaskPanic is surfaced as a task's output when its function body
// panicked.
var ErrTaskPanic = fmt.Errorf("engine: task panicked")

// ErrUnknownTask is returned for operations on a TaskId this engine never
// interned.
var ErrUnknownTask = fmt.Errorf("engine: unknown task")

// TaskPanicError records the panic value of a failed task body. It is
// stored in the task's output cell and propagates to readers as an error.
type TaskPanicError struct {
	Task  registry.TaskId
	Value any
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("engine: task %d panicked: %v", e.Task, e.Value)
}

func (e *TaskPanicError) Unwrap() error { return ErrTaskPanic }

// DependencyFailedError wraps the error output of a dependency observed by
// a reader, so callers can distinguish their own failure from an inherited
// one while errors.Is still matches the root cause.
type DependencyFailedError struct {
	Task registry.TaskId
	Err  error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("engine: dependency task %d failed: %v", e.Task, e.Err)
}

func (e *DependencyFailedError) Unwrap() error { return e.Err }

// taskFailure is the value stored in a task's output cell when its
// execution ended in an error. Failure values never compare equal during
// cell diffing, so readers are always re-notified when errors come and go.
type taskFailure struct {
	Err error
}
