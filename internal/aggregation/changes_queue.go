package aggregation

// ChangesQueue is the depth-ordered work list of pending Info deltas: a
// single change emitted by a leaf may fan out to many aggregation-tree
// nodes, and applying it to the deepest nodes first keeps intermediate
// rollups consistent before their ancestors observe them. Two indexed
// slices batch pending deltas (bottom-tree changes by height, top-tree
// changes by depth); Drain empties the bottom slice low-height-first, then
// the top slice high-depth-first, merging duplicate per-node changes along
// the way. The single-change fast paths a dedicated state machine would
// give are not worth their branching here: Go's map zero value already
// makes the empty case cheap.
type ChangesQueue struct {
	bottom       []map[*BottomTree]*Change
	firstBottom  int // lowest height with a pending bucket
	top          []map[*TopTree]*Change
	firstTop     int // highest depth with a pending bucket (iterated downward)
	drained      bool
}

// NewChangesQueue returns an empty queue. Every queue obtained this way
// MUST have Drain called on it exactly once before it goes out of scope;
// debug builds enforce this with a finalizer.
func NewChangesQueue() *ChangesQueue {
	q := &ChangesQueue{firstBottom: 0, firstTop: 0}
	armDebugFinalizer(q)
	return q
}

func growTo(m *[]map[*BottomTree]*Change, index int) {
	for len(*m) <= index {
		*m = append(*m, nil)
	}
	if (*m)[index] == nil {
		(*m)[index] = map[*BottomTree]*Change{}
	}
}

func growTopTo(m *[]map[*TopTree]*Change, index int) {
	for len(*m) <= index {
		*m = append(*m, nil)
	}
	if (*m)[index] == nil {
		(*m)[index] = map[*TopTree]*Change{}
	}
}

// AddBottomChange enqueues change for bottom-tree node tree, merging with
// any already-pending change for the same node at the same height.
func (q *ChangesQueue) AddBottomChange(tree *BottomTree, change *Change) {
	if change == nil || change.IsZero() {
		return
	}
	height := int(tree.height)
	growTo(&q.bottom, height)
	if height < q.firstBottom {
		q.firstBottom = height
	}
	if existing, ok := q.bottom[height][tree]; ok {
		existing.Merge(change)
	} else {
		q.bottom[height][tree] = change.clone()
	}
}

// AddTopChange enqueues change for top-tree node tree.
func (q *ChangesQueue) AddTopChange(tree *TopTree, change *Change) {
	if change == nil || change.IsZero() {
		return
	}
	depth := int(tree.depth)
	growTopTo(&q.top, depth)
	if depth > q.firstTop {
		q.firstTop = depth
	}
	if existing, ok := q.top[depth][tree]; ok {
		existing.Merge(change)
	} else {
		q.top[depth][tree] = change.clone()
	}
}

// Drain applies every pending change, bottom vector low-height-upward
// first, then the top vector — always processing whichever top bucket is
// currently the highest-depth one with content, decrementing toward depth
// 0 as buckets empty out and growing back upward whenever applying a
// change enqueues a new, higher-depth top change. Bottom drains strictly
// ascending (re-entering a lower bucket when a same-height edge enqueues
// into one), top drains from its current high-water mark downward,
// re-checking bottom between every step since applying either kind of
// change can enqueue more of either kind.
func (q *ChangesQueue) Drain() {
	for {
		if q.firstBottom < len(q.bottom) {
			bucket := q.bottom[q.firstBottom]
			q.bottom[q.firstBottom] = nil
			q.firstBottom++
			for tree, change := range bucket {
				tree.applyChange(q, change)
			}
			continue
		}
		if len(q.top) == 0 {
			break
		}
		if q.firstTop < len(q.top) {
			bucket := q.top[q.firstTop]
			q.top[q.firstTop] = nil
			if q.firstTop == 0 {
				if len(bucket) == 0 {
					break
				}
			} else {
				q.firstTop--
			}
			for tree, change := range bucket {
				tree.applyChange(q, change)
			}
			continue
		}
		break
	}
	q.drained = true
}
