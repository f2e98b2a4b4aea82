package registry

import "fmt"

// ErrRegistryFrozen is returned by RegisterFunction once the table has been
// frozen by the first call to Intern (or an explicit Freeze). Registration
// is single-threaded and init-only; the function table is read-only for
// the remainder of the process.
var ErrRegistryFrozen = fmt.Errorf("registry: function table is frozen")

// ErrUnknownFunction is returned by Intern when FunctionRef does not name a
// registered function.
var ErrUnknownFunction = fmt.Errorf("registry: unknown function ref")

// FrozenError wraps ErrRegistryFrozen with the offending function name.
type FrozenError struct {
	Name string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("registry: cannot register %q: table already frozen", e.Name)
}

func (e *FrozenError) Unwrap() error { return ErrRegistryFrozen }
