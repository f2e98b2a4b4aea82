package registry

// TaskId is the dense integer handle used everywhere else in the engine to
// name a task once registered. It is stable for the life of the process
// (really: the life of the owning Registry) and is never reused, even after
// the task it names is destroyed.
type TaskId uint32

// FunctionRef is an opaque token identifying a registered task function. It
// is an index into the Registry's frozen function table.
type FunctionRef uint32

// ArgsBlob is a hashable, equality-comparable, serializable argument tuple.
// Hash is used to bucket identities; Canonical is the exact-equality
// tiebreaker compared when two identities share a Hash, and doubles as the
// serialized form a TaskBlob equality capability can diff against.
type ArgsBlob struct {
	Hash      uint64
	Canonical []byte
}

// Equal reports whether two ArgsBlobs represent the same argument tuple.
func (a ArgsBlob) Equal(other ArgsBlob) bool {
	if a.Hash != other.Hash {
		return false
	}
	if len(a.Canonical) != len(other.Canonical) {
		return false
	}
	for i := range a.Canonical {
		if a.Canonical[i] != other.Canonical[i] {
			return false
		}
	}
	return true
}

// Decoder turns a serialized argument blob back into a typed value the
// function body can consume. Implementations are supplied by the host at
// registration time.
type Decoder func(canonical []byte) (any, error)

// Body is the function-call closure stored in the frozen function table.
// ctx carries cancellation for the suspension points defined in the
// concurrency model; args is the value produced by Decoder.
type Body func(ctx TaskExecContext, args any) (any, error)

// TaskExecContext is the minimal surface a task body needs from the
// scheduler while running; it is implemented by internal/scheduler and
// passed through opaquely here to avoid an import cycle.
type TaskExecContext interface {
	// Done reports cancellation of the surrounding root, per the
	// "cancellation has no mid-execution effect" contract: task bodies are
	// required to be bounded and may ignore this if they wish.
	Done() <-chan struct{}
}

// FunctionEntry is one row of the frozen function table.
type FunctionEntry struct {
	Name    string // diagnostics only
	Decode  Decoder
	Body    Body
}
