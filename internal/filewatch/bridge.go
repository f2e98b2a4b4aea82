package filewatch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"taskloom/internal/obslog"
)

// EventKind classifies a filesystem event after translation from the notify
// backend.
type EventKind int

const (
	Create EventKind = iota
	Write
	Remove
	Rename
	Chmod
)

func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Write:
		return "write"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	case Chmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Event is one observed filesystem change, delivered downstream in causal
// order relative to flush sentinels.
type Event struct {
	// Path is relative to the bridge's watch root, slash-separated.
	Path string
	Kind EventKind
	// Dir is true when the event's subject is (or was) a directory.
	Dir bool
}

// eventBuffer bounds the downstream delivery channel. Overflow drops events
// with a logged warning; consumers needing lossless observation must drain
// promptly.
const eventBuffer = 1024

// Bridge turns OS notify events into a causally ordered event stream.
// fsnotify watches are non-recursive, so the bridge walks the tree at
// registration, watches every directory, synthesizes a Create event for
// every file observed during the walk, and adds a watch for every directory
// whose creation it observes later. Platforms with recursive notify APIs
// could skip the walk, but applying the non-recursive strategy uniformly
// yields identical downstream invalidation semantics everywhere.
type Bridge struct {
	root     string
	flushDir string
	watcher  *fsnotify.Watcher
	events   chan Event
	log      obslog.Logger

	nextFlushID uint64 // atomic

	mu           sync.Mutex
	pendingFlush map[uint64]chan struct{}
	globs        *GlobSet
	closed       bool

	done chan struct{}
}

// NewBridge starts watching root. flushDir is created if absent and watched
// for flush sentinels; it should not be inside a watched include path.
func NewBridge(root, flushDir string, log obslog.Logger) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(flushDir, 0o755); err != nil {
		w.Close()
		return nil, err
	}
	b := &Bridge{
		root:         root,
		flushDir:     flushDir,
		watcher:      w,
		events:       make(chan Event, eventBuffer),
		log:          log,
		pendingFlush: map[uint64]chan struct{}{},
		done:         make(chan struct{}),
	}
	if err := w.Add(flushDir); err != nil {
		w.Close()
		return nil, err
	}
	if err := b.watchTree(root, true); err != nil {
		w.Close()
		return nil, err
	}
	go b.run()
	return b, nil
}

// Events is the downstream event stream. Closed when the bridge is closed.
func (b *Bridge) Events() <-chan Event { return b.events }

// SetGlobs installs the include/exclude filter for downstream delivery and
// extends the watch set to cover every include's watchable paths. Events
// under root that match no include (or any exclude) are consumed but not
// delivered.
func (b *Bridge) SetGlobs(includes, excludes []string) error {
	gs, err := NewGlobSet(includes, excludes)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.globs = gs
	b.mu.Unlock()

	for _, g := range includes {
		for _, p := range WatchPaths(g) {
			dir := filepath.Join(b.root, filepath.FromSlash(p))
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				continue
			}
			if err := b.watchTree(dir, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// watchTree walks dir, adding a watch for every directory. When synthesize
// is true, a Create event is emitted downstream for every file found, so a
// directory that appeared mid-session invalidates dependents exactly as if
// each contained file had been observed being created.
func (b *Bridge) watchTree(dir string, synthesize bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// the tree can mutate under the walk; skip what disappeared
			return nil
		}
		if d.IsDir() {
			if err := b.watcher.Add(path); err != nil {
				return err
			}
			return nil
		}
		if synthesize {
			b.deliver(Event{Path: b.rel(path), Kind: Create, Dir: false})
		}
		return nil
	})
}

func (b *Bridge) rel(path string) string {
	r, err := filepath.Rel(b.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

func (b *Bridge) run() {
	for {
		select {
		case <-b.done:
			close(b.events)
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				close(b.events)
				return
			}
			b.handle(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				close(b.events)
				return
			}
			// watch registration errors after startup cannot be recovered
			// locally; surface loudly.
			b.log.WithError(err).Errorf("filewatch: notify backend error")
		}
	}
}

func (b *Bridge) handle(ev fsnotify.Event) {
	// flush sentinels: a create inside the flush directory whose filename
	// parses as a flush id fires the pending signal and is not forwarded.
	if dir := filepath.Dir(ev.Name); dir == b.flushDir {
		if ev.Op.Has(fsnotify.Create) {
			if id, err := strconv.ParseUint(filepath.Base(ev.Name), 10, 64); err == nil {
				b.fireFlush(id)
			}
		}
		return
	}

	kind := translate(ev.Op)
	st, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && st.IsDir()

	if kind == Create && isDir {
		// watch the new directory and synthesize creates for anything that
		// appeared inside it before our watch was in place.
		if err := b.watchTree(ev.Name, true); err != nil {
			b.log.WithError(err).WithField("dir", ev.Name).Errorf("filewatch: failed to watch created directory")
		}
	}

	b.deliver(Event{Path: b.rel(ev.Name), Kind: kind, Dir: isDir})
}

func (b *Bridge) deliver(ev Event) {
	b.mu.Lock()
	gs := b.globs
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	if gs != nil && !gs.Match(ev.Path) {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.WithField("path", ev.Path).Warnf("filewatch: event buffer full, dropping event")
	}
}

func translate(op fsnotify.Op) EventKind {
	switch {
	case op.Has(fsnotify.Create):
		return Create
	case op.Has(fsnotify.Write):
		return Write
	case op.Has(fsnotify.Remove):
		return Remove
	case op.Has(fsnotify.Rename):
		return Rename
	default:
		return Chmod
	}
}

func (b *Bridge) fireFlush(id uint64) {
	b.mu.Lock()
	ch, ok := b.pendingFlush[id]
	if ok {
		delete(b.pendingFlush, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Flush writes a sentinel file under a fresh flush id and blocks until the
// sentinel's create event has come back through the notify pipeline — at
// which point every OS event preceding the sentinel write has been observed
// (the flush protocol). done bounds the wait; on expiry a
// FlushTimeoutError is returned.
func (b *Bridge) Flush(done <-chan struct{}) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := atomic.AddUint64(&b.nextFlushID, 1)
	ch := make(chan struct{})
	b.pendingFlush[id] = ch
	b.mu.Unlock()

	sentinel := filepath.Join(b.flushDir, strconv.FormatUint(id, 10))
	f, err := os.Create(sentinel)
	if err != nil {
		b.mu.Lock()
		delete(b.pendingFlush, id)
		b.mu.Unlock()
		return err
	}
	f.Close()
	defer os.Remove(sentinel)

	select {
	case <-ch:
		return nil
	case <-done:
		b.mu.Lock()
		delete(b.pendingFlush, id)
		b.mu.Unlock()
		return &FlushTimeoutError{FlushID: id}
	}
}

// Close stops the bridge. Pending flushes fail with ErrClosed-adjacent
// timeouts at their own deadlines; the event channel is closed after the
// backend drains.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	return b.watcher.Close()
}
