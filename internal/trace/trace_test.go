package trace

import (
	"bytes"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := ExecutionTrace{
		SessionID: "session-abc",
		Events: []TraceEvent{
			{Kind: EventTaskExecuted, TaskID: "2"},
			{Kind: EventTaskScheduled, TaskID: "1"},
			{Kind: EventTaskInvalidated, TaskID: "3", Reason: "CellChanged", CauseTaskID: "2"},
		},
	}

	trace2 := ExecutionTrace{
		SessionID: "session-abc",
		Events: []TraceEvent{
			{Kind: EventTaskInvalidated, TaskID: "3", CauseTaskID: "2", Reason: "CellChanged"},
			{Kind: EventTaskScheduled, TaskID: "1"},
			{Kind: EventTaskExecuted, TaskID: "2"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}

	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_SortsByTaskID(t *testing.T) {
	tr := ExecutionTrace{
		SessionID: "session-abc",
		Events: []TraceEvent{
			{Kind: EventTaskExecuted, TaskID: "2"},
			{Kind: EventTaskExecuted, TaskID: "1"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	// Expect task 1 before 2.
	expected := `{"sessionId":"session-abc","events":[{"kind":"TaskExecuted","taskId":"1"},{"kind":"TaskExecuted","taskId":"2"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestHash_Deterministic(t *testing.T) {
	tr1 := ExecutionTrace{SessionID: "s", Events: []TraceEvent{{Kind: EventTaskScheduled, TaskID: "1"}}}
	tr2 := ExecutionTrace{SessionID: "s", Events: []TraceEvent{{Kind: EventTaskScheduled, TaskID: "1"}}}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hash, got %q != %q", h1, h2)
	}
}

func TestHash_IgnoresInsertionOrder_WhenSemanticallyEquivalent(t *testing.T) {
	tr1 := ExecutionTrace{
		SessionID: "s",
		Events: []TraceEvent{
			{Kind: EventTaskExecuted, TaskID: "2", Reason: "FreshWork"},
			{Kind: EventTaskScheduled, TaskID: "1", Reason: "RootAttached"},
		},
	}
	tr2 := ExecutionTrace{
		SessionID: "s",
		Events: []TraceEvent{
			{Kind: EventTaskScheduled, TaskID: "1", Reason: "RootAttached"},
			{Kind: EventTaskExecuted, TaskID: "2", Reason: "FreshWork"},
		},
	}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash for semantically equivalent traces, got %q != %q", h1, h2)
	}
}

func TestEventCells_CanonicalizedAndOmittedWhenEmpty(t *testing.T) {
	tr := ExecutionTrace{
		SessionID: "s",
		Events: []TraceEvent{{
			Kind:   EventCellChanged,
			TaskID: "1",
			Cells:  []string{"0/2", "0/0"},
		}},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"sessionId":"s","events":[{"kind":"CellChanged","taskId":"1","cells":["0/0","0/2"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}

	tr2 := ExecutionTrace{SessionID: "s", Events: []TraceEvent{{Kind: EventTaskExecuted, TaskID: "1", Cells: []string{}}}}
	b2, err := tr2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected2 := `{"sessionId":"s","events":[{"kind":"TaskExecuted","taskId":"1"}]}`
	if string(b2) != expected2 {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected2, string(b2))
	}
}
