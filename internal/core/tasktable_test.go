package core

import (
	"reflect"
	"testing"

	"taskloom/internal/registry"
)

type stringEq struct{}

func (stringEq) Equal(a, b Blob) bool {
	sa, oka := a.(string)
	sb, okb := b.(string)
	return oka && okb && sa == sb
}

func TestScheduleOnlyFromDirty(t *testing.T) {
	tbl := NewTable()
	id := registry.TaskId(1)

	if _, ok := tbl.Schedule(id); !ok {
		t.Fatalf("expected fresh task to schedule from Dirty")
	}
	if _, ok := tbl.Schedule(id); ok {
		t.Fatalf("expected second Schedule on InProgress task to fail")
	}
}

func TestCompleteEqualWritesDoNotInvalidate(t *testing.T) {
	tbl := NewTable()
	id := registry.TaskId(1)
	cell := CellId{TypeId: 1, Index: 0}

	tbl.Schedule(id)
	tbl.WriteCell(id, cell, "v1")
	res, err := tbl.Complete(id, stringEq{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(res.InvalidatedReaders) != 0 {
		t.Fatalf("expected no invalidations on first write")
	}

	reader := registry.TaskId(2)
	if _, ok := tbl.ReadCell(reader, id, cell); !ok {
		t.Fatalf("expected ReadCell to succeed on Done task")
	}

	if !tbl.Invalidate(id) {
		t.Fatalf("expected Invalidate to transition Done -> Dirty")
	}
	tbl.Schedule(id)
	tbl.WriteCell(id, cell, "v1") // same value
	res, err = tbl.Complete(id, stringEq{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(res.InvalidatedReaders) != 0 {
		t.Fatalf("equal write must not invalidate readers, got %v", res.InvalidatedReaders)
	}
}

func TestCompleteUnequalWritesInvalidateReaders(t *testing.T) {
	tbl := NewTable()
	id := registry.TaskId(1)
	cell := CellId{TypeId: 1, Index: 0}

	tbl.Schedule(id)
	tbl.WriteCell(id, cell, "v1")
	tbl.Complete(id, stringEq{})

	reader := registry.TaskId(2)
	tbl.ReadCell(reader, id, cell)

	tbl.Invalidate(id)
	tbl.Schedule(id)
	tbl.WriteCell(id, cell, "v2")
	res, err := tbl.Complete(id, stringEq{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !reflect.DeepEqual(res.InvalidatedReaders, []registry.TaskId{reader}) {
		t.Fatalf("expected reader %v invalidated, got %v", reader, res.InvalidatedReaders)
	}
}

func TestInvalidateIsIdempotentWhileDirty(t *testing.T) {
	tbl := NewTable()
	id := registry.TaskId(1)
	if transitioned := tbl.Invalidate(id); transitioned {
		t.Fatalf("invalidating a fresh Dirty task must not report a transition")
	}
	if _, ok := tbl.State(id).(Dirty); !ok {
		t.Fatalf("expected task to remain Dirty")
	}
}

func TestRecordDependencyRequiresInProgress(t *testing.T) {
	tbl := NewTable()
	id := registry.TaskId(1)
	dep := TaskDependency{Kind: DependencyOutput, Task: registry.TaskId(2)}
	if err := tbl.RecordDependency(id, dep); err == nil {
		t.Fatalf("expected RecordDependency on Dirty task to fail")
	}
	tbl.Schedule(id)
	if err := tbl.RecordDependency(id, dep); err != nil {
		t.Fatalf("RecordDependency: %v", err)
	}
	set, ok := tbl.DependencySet(id)
	if !ok {
		t.Fatalf("expected dependency set for InProgress task")
	}
	if _, ok := set[registry.TaskId(2)]; !ok {
		t.Fatalf("expected dependency set to contain task 2")
	}
}
