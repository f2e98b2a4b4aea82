package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"taskloom/internal/core"
	"taskloom/internal/registry"
	"taskloom/internal/root"
	"taskloom/internal/trace"
)

// bytesEquality compares byte-slice and int outputs structurally; anything
// else falls back to ==.
type bytesEquality struct{}

func (bytesEquality) Equal(a, b core.Blob) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return a == b
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{Equality: bytesEquality{}, PoolSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func settle(t *testing.T, e *Engine) UpdateResult {
	t.Helper()
	res, ok := e.UpdateInfo(context.Background(), 20*time.Millisecond, 5*time.Second)
	if !ok {
		t.Fatalf("UpdateInfo timed out")
	}
	return res
}

func decodeInts(canonical []byte) (any, error) {
	// MakeStringArgs length-prefixes each part with 8 bytes
	var out []int
	for i := 0; i+8 <= len(canonical); {
		n := 0
		for _, b := range canonical[i : i+8] {
			n = n<<8 | int(b)
		}
		i += 8
		v, err := strconv.Atoi(string(canonical[i : i+n]))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		i += n
	}
	return out, nil
}

func TestSimpleRecompute(t *testing.T) {
	e := newTestEngine(t)

	sum, err := e.RegisterFunction("sum", decodeInts, func(_ registry.TaskExecContext, args any) (any, error) {
		ints := args.([]int)
		total := 0
		for _, v := range ints {
			total += v
		}
		return total, nil
	})
	if err != nil {
		t.Fatalf("RegisterFunction: %v", err)
	}

	id, err := e.Intern(sum, registry.MakeStringArgs("1", "2"))
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}

	h := e.ConnectRoot(id, root.Persistent)
	res := settle(t, e)
	if res.ExecutedCount != 1 {
		t.Fatalf("first stabilization executed %d tasks, want 1", res.ExecutedCount)
	}

	out, err := e.ReadTaskOutput(context.Background(), id)
	if err != nil {
		t.Fatalf("ReadTaskOutput: %v", err)
	}
	if out != 3 {
		t.Fatalf("sum(1,2) = %v, want 3", out)
	}

	// disconnect then reconnect: the cached result needs no re-execution
	e.DisconnectRoot(h)
	e.ConnectRoot(id, root.Persistent)
	res = settle(t, e)
	if res.ExecutedCount != 0 {
		t.Fatalf("reconnect executed %d tasks, want 0 (cached)", res.ExecutedCount)
	}
}

func TestInterningIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	fn, _ := e.RegisterFunction("noop", nil, func(_ registry.TaskExecContext, _ any) (any, error) {
		return nil, nil
	})
	first, err := e.Intern(fn, registry.MakeStringArgs("x"))
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := e.Intern(fn, registry.MakeStringArgs("x"))
		if err != nil {
			t.Fatalf("Intern: %v", err)
		}
		if again != first {
			t.Fatalf("intern returned %d, want %d", again, first)
		}
	}
}

// fakeFS backs the read_file-style tasks in the invalidation tests.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeFS) read(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.files[path]...)
}

func (f *fakeFS) write(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

type invalidationFixture struct {
	e        *Engine
	fs       *fakeFS
	readFile registry.TaskId
	length   registry.TaskId
}

func newInvalidationFixture(t *testing.T) *invalidationFixture {
	t.Helper()
	e := newTestEngine(t)
	fs := &fakeFS{files: map[string][]byte{"x": []byte("hello")}}

	readFn, _ := e.RegisterFunction("read_file", nil, func(_ registry.TaskExecContext, args any) (any, error) {
		path := string(args.([]byte)[8:]) // strip the length prefix
		return fs.read(path), nil
	})
	var readFileID registry.TaskId
	lenFn, _ := e.RegisterFunction("len", nil, func(ctx registry.TaskExecContext, _ any) (any, error) {
		ec := ctx.(*ExecContext)
		child, err := ec.Call(readFn, registry.MakeStringArgs("x"))
		if err != nil {
			return nil, err
		}
		readFileID = child
		data, err := ec.ReadOutput(child)
		if err != nil {
			return nil, err
		}
		return len(data.([]byte)), nil
	})

	length, err := e.Intern(lenFn, registry.MakeStringArgs("x"))
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	e.ConnectRoot(length, root.Persistent)
	settle(t, e)

	return &invalidationFixture{e: e, fs: fs, readFile: readFileID, length: length}
}

func TestInvalidationRecomputesDependents(t *testing.T) {
	fx := newInvalidationFixture(t)

	out, err := fx.e.ReadTaskOutput(context.Background(), fx.length)
	if err != nil {
		t.Fatalf("ReadTaskOutput: %v", err)
	}
	if out != 5 {
		t.Fatalf("len = %v, want 5", out)
	}

	fx.fs.write("x", []byte("hello, world"))
	fx.e.Invalidate(fx.readFile)
	res := settle(t, fx.e)
	if res.ExecutedCount < 2 {
		t.Fatalf("stabilization executed %d tasks, want read_file and len", res.ExecutedCount)
	}

	out, err = fx.e.ReadTaskOutput(context.Background(), fx.length)
	if err != nil {
		t.Fatalf("ReadTaskOutput: %v", err)
	}
	if out != 12 {
		t.Fatalf("len after change = %v, want 12", out)
	}
}

func TestEqualityPruneStopsPropagation(t *testing.T) {
	fx := newInvalidationFixture(t)

	// rewrite byte-equal content: read_file re-executes, len must not
	fx.fs.write("x", []byte("hello"))
	fx.e.Invalidate(fx.readFile)
	res := settle(t, fx.e)
	if res.ExecutedCount != 1 {
		t.Fatalf("stabilization executed %d tasks, want only read_file", res.ExecutedCount)
	}

	out, err := fx.e.ReadTaskOutput(context.Background(), fx.length)
	if err != nil {
		t.Fatalf("ReadTaskOutput: %v", err)
	}
	if out != 5 {
		t.Fatalf("len = %v, want 5", out)
	}
}

func TestInvalidatingDirtyTaskIsNoOp(t *testing.T) {
	fx := newInvalidationFixture(t)

	fx.fs.write("x", []byte("abc"))
	fx.e.Invalidate(fx.readFile)
	fx.e.Invalidate(fx.readFile) // second invalidation must not double-count
	settle(t, fx.e)

	out, err := fx.e.ReadTaskOutput(context.Background(), fx.length)
	if err != nil {
		t.Fatalf("ReadTaskOutput: %v", err)
	}
	if out != 3 {
		t.Fatalf("len = %v, want 3", out)
	}
}

func TestCircularDependencySurfacesAsError(t *testing.T) {
	e := newTestEngine(t)

	var fnA, fnB registry.FunctionRef
	fnA, _ = e.RegisterFunction("a", nil, func(ctx registry.TaskExecContext, _ any) (any, error) {
		ec := ctx.(*ExecContext)
		child, err := ec.Call(fnB, registry.MakeStringArgs())
		if err != nil {
			return nil, err
		}
		return ec.ReadOutput(child)
	})
	fnB, _ = e.RegisterFunction("b", nil, func(ctx registry.TaskExecContext, _ any) (any, error) {
		ec := ctx.(*ExecContext)
		child, err := ec.Call(fnA, registry.MakeStringArgs())
		if err != nil {
			return nil, err
		}
		return ec.ReadOutput(child)
	})

	a, err := e.Intern(fnA, registry.MakeStringArgs())
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	e.ConnectRoot(a, root.Persistent)
	settle(t, e)

	if _, err := e.ReadTaskOutput(context.Background(), a); !errors.Is(err, core.ErrCircularDependency) {
		t.Fatalf("task a: expected circular dependency error, got %v", err)
	}
	b, _ := e.Intern(fnB, registry.MakeStringArgs())
	if _, err := e.ReadTaskOutput(context.Background(), b); !errors.Is(err, core.ErrCircularDependency) {
		t.Fatalf("task b: expected circular dependency error, got %v", err)
	}
}

func TestTaskPanicBecomesErrorOutput(t *testing.T) {
	e := newTestEngine(t)
	fn, _ := e.RegisterFunction("boom", nil, func(_ registry.TaskExecContext, _ any) (any, error) {
		panic("kaboom")
	})
	id, _ := e.Intern(fn, registry.MakeStringArgs())
	e.ConnectRoot(id, root.Persistent)
	settle(t, e)

	_, err := e.ReadTaskOutput(context.Background(), id)
	if !errors.Is(err, ErrTaskPanic) {
		t.Fatalf("expected ErrTaskPanic, got %v", err)
	}
	var panicErr *TaskPanicError
	if !errors.As(err, &panicErr) || panicErr.Value != "kaboom" {
		t.Fatalf("expected panic value to survive, got %v", err)
	}
}

func TestOnceRootAutoDisconnects(t *testing.T) {
	e := newTestEngine(t)
	fn, _ := e.RegisterFunction("once", nil, func(_ registry.TaskExecContext, _ any) (any, error) {
		return "done", nil
	})
	id, _ := e.Intern(fn, registry.MakeStringArgs())
	h := e.ConnectRoot(id, root.Once)
	settle(t, e)

	if h.Connected() {
		t.Fatalf("Once root still connected after completion")
	}

	// a subsequent invalidation must not schedule the task again
	e.Invalidate(id)
	res := settle(t, e)
	if res.ExecutedCount != 0 {
		t.Fatalf("invalidation after Once disposal executed %d tasks, want 0", res.ExecutedCount)
	}
}

func TestUpdateInfoTimesOutWhileWorkPending(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	fn, _ := e.RegisterFunction("slow", nil, func(_ registry.TaskExecContext, _ any) (any, error) {
		<-release
		return nil, nil
	})
	id, _ := e.Intern(fn, registry.MakeStringArgs())
	e.ConnectRoot(id, root.Persistent)

	if _, ok := e.UpdateInfo(context.Background(), time.Millisecond, 50*time.Millisecond); ok {
		t.Fatalf("UpdateInfo settled while a task was blocked")
	}
	close(release)
	settle(t, e)
}

func TestLifecycleTraceIsRecordedAndCanonical(t *testing.T) {
	rec := trace.NewRecorder()
	e, err := New(Options{Equality: bytesEquality{}, PoolSize: 4, Sink: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)

	fn, _ := e.RegisterFunction("traced", nil, func(_ registry.TaskExecContext, _ any) (any, error) {
		return "ok", nil
	})
	id, _ := e.Intern(fn, registry.MakeStringArgs())
	e.ConnectRoot(id, root.Persistent)
	settle(t, e)

	want := map[trace.TraceEventKind]bool{
		trace.EventRootConnected: false,
		trace.EventTaskScheduled: false,
		trace.EventTaskExecuted:  false,
	}
	for _, ev := range rec.Snapshot() {
		if _, tracked := want[ev.Kind]; tracked && ev.TaskID == taskIDString(id) {
			want[ev.Kind] = true
		}
	}
	for kind, seen := range want {
		if !seen {
			t.Errorf("expected a %s event for task %d", kind, id)
		}
	}

	tr := rec.Trace(e.SessionID())
	if tr.SessionID != e.SessionID() {
		t.Fatalf("trace session = %q, want %q", tr.SessionID, e.SessionID())
	}
	h1, err := tr.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := rec.Trace(e.SessionID()).Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 == "" || h1 != h2 {
		t.Fatalf("trace hash not deterministic: %q vs %q", h1, h2)
	}
}

func TestSweepDestroysOnlyUnreachableTasks(t *testing.T) {
	e := newTestEngine(t)
	leafFn, _ := e.RegisterFunction("leaf", nil, func(_ registry.TaskExecContext, args any) (any, error) {
		return fmt.Sprintf("leaf-%x", args), nil
	})
	parentFn, _ := e.RegisterFunction("parent", nil, func(ctx registry.TaskExecContext, args any) (any, error) {
		ec := ctx.(*ExecContext)
		child, err := ec.Call(leafFn, registry.MakeArgs(args.([]byte)))
		if err != nil {
			return nil, err
		}
		return ec.ReadOutput(child)
	})

	p1, _ := e.Intern(parentFn, registry.MakeStringArgs("1"))
	p2, _ := e.Intern(parentFn, registry.MakeStringArgs("2"))
	h1 := e.ConnectRoot(p1, root.Persistent)
	e.ConnectRoot(p2, root.Persistent)
	settle(t, e)

	e.DisconnectRoot(h1)
	destroyed := e.SweepUnreachable()
	if destroyed == 0 {
		t.Fatalf("expected the disconnected subgraph to be destroyed")
	}

	// p2's subgraph must be untouched: its output is still readable after the sweep
	out, err := e.ReadTaskOutput(context.Background(), p2)
	if err != nil || out == nil {
		t.Fatalf("surviving root lost its output: %v %v", out, err)
	}
}
