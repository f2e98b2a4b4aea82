package registry

import (
	"sync"
	"testing"
)

func noopBody(TaskExecContext, any) (any, error) { return nil, nil }

func TestInternIsIdempotent(t *testing.T) {
	r := New()
	ref, err := r.RegisterFunction("sum", nil, noopBody)
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}
	args := ArgsBlob{Hash: 42, Canonical: []byte("1,2")}

	id1, err := r.Intern(ref, args)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	for i := 0; i < 10; i++ {
		id, err := r.Intern(ref, args)
		if err != nil {
			t.Fatalf("Intern: %v", err)
		}
		if id != id1 {
			t.Fatalf("Intern not idempotent: got %v, want %v", id, id1)
		}
	}
}

func TestInternDistinguishesArgs(t *testing.T) {
	r := New()
	ref, _ := r.RegisterFunction("sum", nil, noopBody)
	a := ArgsBlob{Hash: 1, Canonical: []byte("1,2")}
	b := ArgsBlob{Hash: 1, Canonical: []byte("3,4")} // same hash, different bytes: bucket collision

	idA, _ := r.Intern(ref, a)
	idB, _ := r.Intern(ref, b)
	if idA == idB {
		t.Fatalf("distinct args produced the same TaskId: %v", idA)
	}
}

func TestInternConcurrentRaceAllocatesOnce(t *testing.T) {
	r := New()
	ref, _ := r.RegisterFunction("sum", nil, noopBody)
	args := ArgsBlob{Hash: 7, Canonical: []byte("race")}

	const n = 64
	ids := make([]TaskId, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := r.Intern(ref, args)
			if err != nil {
				t.Errorf("Intern: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	first := ids[0]
	for _, id := range ids {
		if id != first {
			t.Fatalf("racing Intern calls returned different TaskIds: %v vs %v", id, first)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one TaskId allocated, got %d", r.Len())
	}
}

func TestRegisterFunctionFreezesOnIntern(t *testing.T) {
	r := New()
	ref, _ := r.RegisterFunction("sum", nil, noopBody)
	if _, err := r.Intern(ref, ArgsBlob{Hash: 1}); err != nil {
		t.Fatalf("Intern: %v", err)
	}
	if _, err := r.RegisterFunction("late", nil, noopBody); err == nil {
		t.Fatalf("expected registration after Intern to fail")
	}
}

func TestLookupReturnsInternedIdentity(t *testing.T) {
	r := New()
	ref, _ := r.RegisterFunction("sum", nil, noopBody)
	args := ArgsBlob{Hash: 9, Canonical: []byte("9,10")}
	id, _ := r.Intern(ref, args)

	gotRef, gotArgs, ok := r.Lookup(id)
	if !ok {
		t.Fatalf("Lookup(%v): not found", id)
	}
	if gotRef != ref || !gotArgs.Equal(args) {
		t.Fatalf("Lookup(%v) = (%v, %v), want (%v, %v)", id, gotRef, gotArgs, ref, args)
	}
}

func TestLookupUnknownTaskId(t *testing.T) {
	r := New()
	if _, _, ok := r.Lookup(TaskId(999)); ok {
		t.Fatal("expected Lookup of an unallocated TaskId to fail")
	}
}

func TestInternUnknownFunction(t *testing.T) {
	r := New()
	if _, err := r.Intern(FunctionRef(99), ArgsBlob{}); err == nil {
		t.Fatalf("expected error interning an unregistered function")
	}
}
