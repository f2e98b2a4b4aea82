package registry

import (
	"sync"
	"sync/atomic"
)

type identityKey struct {
	fn   FunctionRef
	hash uint64
}

type identityEntry struct {
	args ArgsBlob
	id   TaskId
}

type identityBucket struct {
	mu      sync.Mutex
	entries []identityEntry
}

// identityRecord is what a TaskId names, looked up in the reverse
// direction from Lookup. Every (function, args) identity interned gets
// exactly one of these, written once at allocation time and never mutated
// afterward, since a TaskId's identity is permanent for the life of the
// process.
type identityRecord struct {
	fn   FunctionRef
	args ArgsBlob
}

// Registry interns (function, args) identities into dense TaskIds and holds
// the frozen table of registered task functions. The zero value is not
// usable; construct with New.
type Registry struct {
	nextID  uint32   // atomic, next TaskId to allocate
	buckets sync.Map // identityKey -> *identityBucket
	reverse sync.Map // TaskId -> *identityRecord, the identity a TaskId names

	tableMu sync.Mutex
	frozen  atomic.Bool
	table   []FunctionEntry
}

// New returns an empty Registry ready for function registration.
func New() *Registry {
	return &Registry{}
}

// RegisterFunction adds a function to the frozen-once table and returns the
// FunctionRef later Intern calls use to name it. Registration is
// single-threaded and must complete before the first Intern call; calling
// it afterwards returns a *FrozenError.
func (r *Registry) RegisterFunction(name string, decode Decoder, body Body) (FunctionRef, error) {
	if r.frozen.Load() {
		return 0, &FrozenError{Name: name}
	}
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if r.frozen.Load() {
		return 0, &FrozenError{Name: name}
	}
	ref := FunctionRef(len(r.table))
	r.table = append(r.table, FunctionEntry{Name: name, Decode: decode, Body: body})
	return ref, nil
}

// Freeze closes the function table to further registration. Intern freezes
// it implicitly on first call; hosts that want registration errors to
// surface before any task runs may call this explicitly at the end of
// process init.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Function looks up a registered function by ref. The second result is
// false if ref is out of range.
func (r *Registry) Function(ref FunctionRef) (FunctionEntry, bool) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if int(ref) < 0 || int(ref) >= len(r.table) {
		return FunctionEntry{}, false
	}
	return r.table[ref], true
}

// Intern returns the TaskId for (fn, args), allocating one on first call for
// a given identity. Concurrent calls for the same identity return the same
// TaskId; exactly one of the racing callers allocates it, and no allocated
// TaskId is ever discarded (TaskIds are dense and monotone).
func (r *Registry) Intern(fn FunctionRef, args ArgsBlob) (TaskId, error) {
	if _, ok := r.Function(fn); !ok {
		return 0, ErrUnknownFunction
	}
	r.frozen.Store(true)

	key := identityKey{fn: fn, hash: args.Hash}
	bucketAny, _ := r.buckets.LoadOrStore(key, &identityBucket{})
	bucket := bucketAny.(*identityBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	for _, e := range bucket.entries {
		if e.args.Equal(args) {
			return e.id, nil
		}
	}
	id := TaskId(atomic.AddUint32(&r.nextID, 1))
	bucket.entries = append(bucket.entries, identityEntry{args: args, id: id})
	r.reverse.Store(id, &identityRecord{fn: fn, args: args})
	return id, nil
}

// Lookup returns the (function, args) identity id names. ok is false if id
// was never allocated by this Registry.
func (r *Registry) Lookup(id TaskId) (fn FunctionRef, args ArgsBlob, ok bool) {
	v, found := r.reverse.Load(id)
	if !found {
		return 0, ArgsBlob{}, false
	}
	rec := v.(*identityRecord)
	return rec.fn, rec.args, true
}

// Len reports the number of distinct TaskIds allocated so far.
func (r *Registry) Len() int {
	return int(atomic.LoadUint32(&r.nextID))
}
