package filewatch

import (
	"container/heap"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// CookieWriter assigns filesystem cookies to requests for a downstream,
// filewatching-backed service. Each request gets a monotonic serial and a
// zero-byte `{serial}.cookie` file; once the cookie's create event is
// observed, every filesystem change preceding the request is known to have
// been delivered.
type CookieWriter struct {
	dir string

	mu     sync.Mutex
	serial uint64
	closed bool
}

// NewCookieWriter writes cookies into dir, creating it if needed.
func NewCookieWriter(dir string) (*CookieWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CookieWriter{dir: dir}, nil
}

// Dir returns the cookie directory, for wiring the watcher.
func (w *CookieWriter) Dir() string { return w.dir }

// CookiedRequest pairs a request with the serial whose cookie must be
// observed before the request may be handled.
type CookiedRequest[T any] struct {
	Request T
	Serial  uint64
}

// NextSerial assigns the next serial and writes its cookie file. Serial
// assignment and the file write happen under one lock so cookies hit the
// filesystem in serial order; callers pair the serial with their request via
// CookiedRequest.
func (w *CookieWriter) NextSerial() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	w.serial++
	serial := w.serial
	path := filepath.Join(w.dir, strconv.FormatUint(serial, 10)+".cookie")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	f.Close()
	return serial, nil
}

// Close stops the writer; subsequent NextSerial calls fail with ErrClosed.
func (w *CookieWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// pendingHeap is a min-heap over serial: the lowest pending serial is popped
// first as the watermark advances.
type pendingHeap[T any] []CookiedRequest[T]

func (h pendingHeap[T]) Len() int            { return len(h) }
func (h pendingHeap[T]) Less(i, j int) bool  { return h[i].Serial < h[j].Serial }
func (h pendingHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap[T]) Push(x any)         { *h = append(*h, x.(CookiedRequest[T])) }
func (h *pendingHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// CookieWatcher is used by downstream filewatching-backed services to know
// when it is safe to handle a particular request. Requests may arrive out of
// serial order; the heap keeps them sorted so each observed cookie drains
// exactly the requests at or below the new watermark.
type CookieWatcher[T any] struct {
	dir string

	mu      sync.Mutex
	pending pendingHeap[T]
	latest  uint64
}

// NewCookieWatcher watches for cookies under dir.
func NewCookieWatcher[T any](dir string) *CookieWatcher[T] {
	return &CookieWatcher[T]{dir: dir}
}

// CheckRequest returns the request immediately if its cookie has already
// been observed; otherwise it queues the request and reports false.
func (cw *CookieWatcher[T]) CheckRequest(req CookiedRequest[T]) (T, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if req.Serial <= cw.latest {
		return req.Request, true
	}
	heap.Push(&cw.pending, req)
	var zero T
	return zero, false
}

// PopReadyRequests inspects a filesystem event; if it is a cookie-file
// creation under the watcher's directory, the watermark advances and every
// pending request at or below it is returned in serial order. The boolean is
// false when the event was not a cookie creation.
func (cw *CookieWatcher[T]) PopReadyRequests(kind EventKind, path string) ([]T, bool) {
	if kind != Create {
		return nil, false
	}
	serial, ok := cw.serialForPath(path)
	if !ok {
		return nil, false
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if serial > cw.latest {
		cw.latest = serial
	}
	var ready []T
	for cw.pending.Len() > 0 && cw.pending[0].Serial <= cw.latest {
		req := heap.Pop(&cw.pending).(CookiedRequest[T])
		ready = append(ready, req.Request)
	}
	return ready, true
}

// Pending reports the number of queued requests, for diagnostics.
func (cw *CookieWatcher[T]) Pending() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.pending.Len()
}

func (cw *CookieWatcher[T]) serialForPath(path string) (uint64, bool) {
	dir := filepath.Dir(path)
	if dir != cw.dir && dir != "." {
		return 0, false
	}
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".cookie") {
		return 0, false
	}
	serial, err := strconv.ParseUint(strings.TrimSuffix(name, ".cookie"), 10, 64)
	if err != nil {
		return 0, false
	}
	return serial, true
}
