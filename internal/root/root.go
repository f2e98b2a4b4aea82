package root

import (
	"sync"

	"taskloom/internal/aggregation"
	"taskloom/internal/registry"
)

// Kind distinguishes a persistent Root from a self-disposing Once root.
type Kind int

const (
	// Persistent persists until explicitly disconnected.
	Persistent Kind = iota
	// Once clears root_type automatically after the task's first
	// successful Done transition; the caller's handle becomes inert.
	Once
)

// Handle is the caller-held reference count for a connected root: one
// external handle per root.
type Handle struct {
	ID   registry.TaskId
	Kind Kind

	tree *aggregation.TopTree

	mu        sync.Mutex
	connected bool
}

// Tree returns the aggregation top tree this handle waits on.
func (h *Handle) Tree() *aggregation.TopTree { return h.tree }

// Connected reports whether this handle is still attached (false once
// disconnected, or once a Once root has auto-disposed).
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Manager tracks every currently connected root handle and is the single
// place Once-root auto-disconnect and aggregation-root (dis)connection go
// through.
type Manager struct {
	agg  *aggregation.Tree
	actx aggregation.Context

	mu      sync.Mutex
	handles map[registry.TaskId]*Handle
}

// NewManager returns a root manager backed by agg. actx supplies the
// per-task Info contributions pushed when a fresh root is anchored.
func NewManager(agg *aggregation.Tree, actx aggregation.Context) *Manager {
	return &Manager{agg: agg, actx: actx, handles: map[registry.TaskId]*Handle{}}
}

// Connect implements connect_root(TaskId, kind): attaches a fresh top-tree
// root over id and returns the caller's handle. The caller owns draining q;
// internal/engine serializes all drains behind one mutex.
func (m *Manager) Connect(q *aggregation.ChangesQueue, id registry.TaskId, kind Kind) *Handle {
	rk := aggregation.RootPersistent
	if kind == Once {
		rk = aggregation.RootOnce
	}
	tt := m.agg.ConnectRoot(m.actx, q, id, rk)
	h := &Handle{ID: id, Kind: kind, tree: tt, connected: true}
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	return h
}

// Disconnect clears root_type and detaches h. Safe to call more than once;
// only the first call has an effect.
func (m *Manager) Disconnect(h *Handle) {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return
	}
	h.connected = false
	h.mu.Unlock()

	m.agg.DisconnectRoot(h.tree)
	m.mu.Lock()
	if cur, ok := m.handles[h.ID]; ok && cur == h {
		delete(m.handles, h.ID)
	}
	m.mu.Unlock()
}

// OnTaskDone implements the Once-root auto-disconnect rule: called by
// internal/engine every time a task completes successfully, it disconnects
// id's root handle if id is a connected Once root: after the task
// transitions to Done for the first time, root_type is cleared
// automatically.
func (m *Manager) OnTaskDone(id registry.TaskId) {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok || h.Kind != Once {
		return
	}
	m.Disconnect(h)
}

// Handles returns every currently connected root handle's TaskId, for
// diagnostics and for the eviction sweep to compute reachability.
func (m *Manager) Handles() []registry.TaskId {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]registry.TaskId, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Trees returns the aggregation TopTree for every currently connected
// root, used by UpdateBarrier to check "unfinished == 0 under every root".
func (m *Manager) Trees() []*aggregation.TopTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	trees := make([]*aggregation.TopTree, 0, len(m.handles))
	for _, h := range m.handles {
		trees = append(trees, h.tree)
	}
	return trees
}
