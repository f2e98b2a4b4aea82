package filewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskloom/internal/obslog"
)

func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	root := t.TempDir()
	flushDir := t.TempDir()
	b, err := NewBridge(root, flushDir, obslog.Default())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, root
}

func timeoutCh(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		time.Sleep(d)
		close(ch)
	}()
	return ch
}

func TestFlush_ReturnsAfterPriorEventsDelivered(t *testing.T) {
	b, root := newTestBridge(t)

	path := filepath.Join(root, "a")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := b.Flush(timeoutCh(5 * time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// every event preceding the sentinel write must already be buffered
	select {
	case ev := <-b.Events():
		if ev.Path != "a" {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("expected create event for %q to be delivered before flush returned", path)
	}
}

func TestFlush_QuiescentFilesystemReturnsPromptly(t *testing.T) {
	b, _ := newTestBridge(t)
	start := time.Now()
	if err := b.Flush(timeoutCh(5 * time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("quiescent flush took %v", elapsed)
	}
}

func TestFlush_TimeoutSurfaces(t *testing.T) {
	b, _ := newTestBridge(t)
	// an already-expired bound forces the timeout path regardless of how
	// fast the sentinel comes back
	done := make(chan struct{})
	close(done)
	err := b.Flush(done)
	if err == nil {
		t.Skip("sentinel observed before the expired deadline was checked")
	}
	if _, ok := err.(*FlushTimeoutError); !ok {
		t.Fatalf("expected *FlushTimeoutError, got %T: %v", err, err)
	}
}

func TestBridge_WatchesNewDirectories(t *testing.T) {
	b, root := newTestBridge(t)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// give the bridge a moment to install the new watch
	if err := b.Flush(timeoutCh(5 * time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "inner"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Flush(timeoutCh(5 * time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var sawInner bool
	for {
		select {
		case ev := <-b.Events():
			if ev.Path == "sub/inner" {
				sawInner = true
			}
			continue
		default:
		}
		break
	}
	if !sawInner {
		t.Fatalf("expected event for file inside newly created directory")
	}
}

func TestBridge_GlobFilterLimitsDelivery(t *testing.T) {
	b, root := newTestBridge(t)
	if err := b.SetGlobs([]string{"**/*.go"}, nil); err != nil {
		t.Fatalf("SetGlobs: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "keep.go"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "drop.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Flush(timeoutCh(5 * time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var paths []string
	for {
		select {
		case ev := <-b.Events():
			paths = append(paths, ev.Path)
			continue
		default:
		}
		break
	}
	for _, p := range paths {
		if p == "drop.txt" {
			t.Fatalf("excluded path was delivered: %v", paths)
		}
	}
}
