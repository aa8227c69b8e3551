package scope

import "github.com/mohae/deepcopy"

type Getter func(s Scope) any

// Listener is called with the new and previous value of a watch. On the
// first evaluation oldValue is the same as newValue.
type Listener func(newValue, oldValue any, s Scope) error

type Deregister func()

// Watch is a single watch entry. The last observed value is held as an
// explicit option: seen is false until the first evaluation.
type Watch struct {
	get  Getter
	fn   Listener
	deep bool

	last any
	seen bool

	removed bool
	owner   any
}

func (w *Watch) Deep() bool        { return w.deep }
func (w *Watch) HasListener() bool { return w.fn != nil }
func (w *Watch) Removed() bool     { return w.removed }

// Last returns the cached value and whether the watch was ever evaluated.
func (w *Watch) Last() (any, bool) {
	return w.last, w.seen
}

// Owner is an opaque token set by whoever stored the watch. The tree never
// reads it.
func (w *Watch) Owner() any     { return w.owner }
func (w *Watch) SetOwner(o any) { w.owner = o }

// Check evaluates the getter against s. If the value differs from the cached
// one it is recorded and the listener runs; the listener's error is handed
// back to the caller, the change is reported either way.
func (w *Watch) Check(s Scope) (changed bool, err error) {
	value := w.get(s)
	if w.seen && w.same(value) {
		return false, nil
	}

	old := w.last
	if !w.seen {
		old = value
	}
	if w.deep {
		w.last = deepcopy.Copy(value)
	} else {
		w.last = value
	}
	w.seen = true

	if w.fn != nil {
		err = w.fn(value, old, s)
	}
	return true, err
}

func (w *Watch) same(value any) bool {
	if identical(value, w.last) {
		return true
	}
	if w.deep {
		return deepEqual(value, w.last)
	}
	return bothNaN(value, w.last)
}

// WatchList is an ordered list of watches that tolerates registration and
// removal while it is being ranged over. Removed watches are tombstoned and
// compacted once no Range is active.
type WatchList struct {
	ws      []*Watch
	dead    int
	ranging int
}

func (l *WatchList) Len() int {
	return len(l.ws) - l.dead
}

func (l *WatchList) add(w *Watch) {
	l.ws = append(l.ws, w)
}

func (l *WatchList) remove(w *Watch) {
	if w.removed {
		return
	}
	w.removed = true
	l.dead++
	l.compact()
}

// drop tombstones every watch, for a list that is going away.
func (l *WatchList) drop() {
	for _, w := range l.ws {
		w.removed = true
	}
}

func (l *WatchList) compact() {
	if l.ranging > 0 || l.dead == 0 {
		return
	}
	kept := l.ws[:0]
	for _, w := range l.ws {
		if !w.removed {
			kept = append(kept, w)
		}
	}
	clear(l.ws[len(kept):])
	l.ws = kept
	l.dead = 0
}

// Range calls fn for each live watch in registration order. Watches added
// during the range are not visited until the next one.
func (l *WatchList) Range(fn func(w *Watch)) {
	l.ranging++
	defer func() {
		l.ranging--
		l.compact()
	}()

	ws := l.ws
	for _, w := range ws {
		if !w.removed {
			fn(w)
		}
	}
}
