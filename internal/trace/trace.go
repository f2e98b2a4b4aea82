package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical, deterministic record of one stabilization
// pass of the task graph: everything that logically happened between an
// invalidation batch arriving and the update barrier releasing.
//
// Invariants:
//   - Must capture SessionID and an ordered list of events.
//   - Must contain logical transitions/decisions, not runtime-dependent details.
//   - Must not include timestamps, pointers, or any runtime-dependent values.
//
// Note: SessionID is a string to avoid coupling this package to the engine's
// session identity scheme. It should be populated with the engine's stable
// session identifier.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit absent optional fields.
//
// Any consumer producing traces should treat ExecutionTrace as immutable once Canonicalize() is called.
// The trace is observational only and must never affect execution behavior.
//
// IMPORTANT: This is the source of truth for "what happened"; byte-for-byte stability is required.
type ExecutionTrace struct {
	SessionID string
	Events    []TraceEvent
}

// TraceEventKind is the stable, canonical discriminator for TraceEvent.
//
// These kinds represent logical decisions/transitions, not runtime
// occurrences. The string values are part of the trace's canonical bytes; do
// not rename.
type TraceEventKind string

const (
	EventTaskScheduled    TraceEventKind = "TaskScheduled"
	EventTaskExecuted     TraceEventKind = "TaskExecuted"
	EventTaskInvalidated  TraceEventKind = "TaskInvalidated"
	EventTaskPanicked     TraceEventKind = "TaskPanicked"
	EventTaskEvicted      TraceEventKind = "TaskEvicted"
	EventCellChanged      TraceEventKind = "CellChanged"
	EventRootConnected    TraceEventKind = "RootConnected"
	EventRootDisconnected TraceEventKind = "RootDisconnected"
)

// TraceEvent is a single logical transition/decision.
//
// Determinism constraints:
//   - No timestamps.
//   - No error strings / stack traces.
//   - No fields derived from pointer identity or map iteration.
//
// Optional fields must be set deterministically and canonicalized:
//   - Empty slices are normalized to nil (omitted in JSON).
//   - Cells are sorted.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID identifies the task this event refers to, rendered as the
	// decimal form of its dense integer id. Required for every event kind.
	TaskID string

	// Reason is a stable, logical reason code (e.g., "CellChanged",
	// "ExternalInvalidation", "StaleExecution"). The set of allowed values is
	// intentionally open; producers must keep them stable.
	Reason string

	// CauseTaskID records a related task (e.g., the task whose cell write
	// invalidated this one).
	CauseTaskID string

	// Cells is a list of changed cell identifiers, rendered as
	// "typeId/index". The producer must ensure identifiers are stable.
	Cells []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.SessionID == "" {
		return errors.New("sessionId is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
		if len(e.Cells) > 0 {
			for j, c := range e.Cells {
				if c == "" {
					return fmt.Errorf("events[%d].cells[%d] is empty", i, j)
				}
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Ordering guarantee: ordering is independent of execution timing or
// concurrency. This implementation produces a total order over events, with
// TaskID as the primary key.
//
// Canonicalization rules:
//   - Cells are copied and sorted.
//   - Empty Cells slices are normalized to nil.
//   - Events are stably sorted by (taskId, kindOrder, reason, causeTaskId, cellsLex).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Cells) == 0 {
			t.Events[i].Cells = nil
			continue
		}
		cells := make([]string, len(t.Events[i].Cells))
		copy(cells, t.Events[i].Cells)
		sort.Strings(cells)
		t.Events[i].Cells = cells
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseTaskID != b.CauseTaskID {
			return a.CauseTaskID < b.CauseTaskID
		}
		return compareStringSlices(a.Cells, b.Cells)
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventRootConnected:
		return 10
	case EventTaskInvalidated:
		return 20
	case EventTaskScheduled:
		return 30
	case EventTaskExecuted:
		return 40
	case EventTaskPanicked:
		return 50
	case EventCellChanged:
		return 60
	case EventTaskEvicted:
		return 70
	case EventRootDisconnected:
		return 80
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	// nil and empty are treated identically by Canonicalize (empties are normalized to nil).
	la := len(a)
	lb := len(b)
	min := la
	if lb < min {
		min = lb
	}
	for i := 0; i < min; i++ {
		if a[i] == b[i] {
			continue
		}
		return a[i] < b[i]
	}
	return la < lb
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{SessionID: t.SessionID}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON ensures canonical field ordering and omission rules.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	// Canonicalization is the responsibility of CanonicalJSON(), but MarshalJSON should still be stable.
	// We do not sort here to avoid surprising mutation; field ordering is deterministic regardless.
	if t.SessionID == "" {
		return nil, errors.New("sessionId is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	// sessionId
	buf.WriteString("\"sessionId\":")
	sid, _ := json.Marshal(t.SessionID)
	buf.Write(sid)
	buf.WriteByte(',')

	// events
	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	// Canonicalize per-event slice normalization without mutating the original slice.
	var cells []string
	if len(e.Cells) > 0 {
		cells = make([]string, len(e.Cells))
		copy(cells, e.Cells)
		sort.Strings(cells)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	// kind (always first)
	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	// taskId
	if e.TaskID != "" {
		buf.WriteByte(',')
		buf.WriteString("\"taskId\":")
		tb, _ := json.Marshal(e.TaskID)
		buf.Write(tb)
	}

	// reason
	if e.Reason != "" {
		buf.WriteByte(',')
		buf.WriteString("\"reason\":")
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}

	// causeTaskId
	if e.CauseTaskID != "" {
		buf.WriteByte(',')
		buf.WriteString("\"causeTaskId\":")
		cb, _ := json.Marshal(e.CauseTaskID)
		buf.Write(cb)
	}

	// cells
	if len(cells) > 0 {
		buf.WriteByte(',')
		buf.WriteString("\"cells\":[")
		for i := range cells {
			if i > 0 {
				buf.WriteByte(',')
			}
			cb, _ := json.Marshal(cells[i])
			buf.Write(cb)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
