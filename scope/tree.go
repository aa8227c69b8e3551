package scope

import (
	"errors"
	"fmt"
	"log/slog"
)

// DefaultTTL is the number of dirty passes a digest may make before it gives up.
const DefaultTTL = 10

var (
	ErrInfiniteDigest   = errors.New("scope: digest did not settle")
	ErrDigestInProgress = errors.New("scope: digest already in progress")
	ErrInvalidScope     = errors.New("scope: scope is destroyed or zero")
)

type ID int32

const noID ID = -1

type OnErrorFunc func(from Scope, err error)

type Option func(*Tree)

func WithTTL(n int) Option {
	return func(t *Tree) {
		if n > 0 {
			t.ttl = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.log = l
		}
	}
}

type node struct {
	parent, first, last, prev, next ID

	// gen changes every time the slot is released, so handles to a
	// previous occupant stop resolving.
	gen   uint32
	alive bool

	watches WatchList
	vars    map[string]any
}

// Tree is an arena of scopes. Links between scopes are indices into the
// arena; slots of destroyed scopes are recycled once no walk holds them.
type Tree struct {
	nodes       []*node
	free        []ID
	pendingFree []ID
	holds       int

	digesting bool
	ttl       int
	onError   OnErrorFunc
	log       *slog.Logger

	newChildHooks []func(parent, child Scope)
	destroyHooks  []func(s Scope)
}

func CreateTree(onError OnErrorFunc, opts ...Option) *Tree {
	t := &Tree{
		onError: onError,
		ttl:     DefaultTTL,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.alloc(noID)
	return t
}

func (t *Tree) Root() Scope {
	return t.handle(0)
}

func (t *Tree) handle(id ID) Scope {
	if id == noID {
		return Scope{}
	}
	return Scope{t: t, id: id, gen: t.nodes[id].gen}
}

// OnNewChild registers fn to run right after a child scope is linked in.
func (t *Tree) OnNewChild(fn func(parent, child Scope)) {
	t.newChildHooks = append(t.newChildHooks, fn)
}

// OnDestroy registers fn to run for every scope torn down, children first.
func (t *Tree) OnDestroy(fn func(s Scope)) {
	t.destroyHooks = append(t.destroyHooks, fn)
}

// Hold keeps destroyed slots from being recycled until release is called.
// Walks over the arena take a hold so links of scopes destroyed by a
// listener stay readable until the walk is done.
func (t *Tree) Hold() (release func()) {
	t.holds++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		t.holds--
		if t.holds == 0 {
			for _, id := range t.pendingFree {
				t.release(id)
			}
			t.pendingFree = t.pendingFree[:0]
		}
	}
}

// Len reports the number of live scopes, root included.
func (t *Tree) Len() int {
	n := 0
	for _, nd := range t.nodes {
		if nd.alive {
			n++
		}
	}
	return n
}

// Report forwards err to the error sink, or logs it when there is none.
func (t *Tree) Report(from Scope, err error) {
	if t.onError != nil {
		t.onError(from, err)
		return
	}
	t.log.Error("unhandled watch error", "scope", from.String(), "err", err)
}

func (t *Tree) alloc(parent ID) ID {
	var id ID
	if l := len(t.free); l > 0 {
		id = t.free[l-1]
		t.free = t.free[:l-1]
	} else {
		id = ID(len(t.nodes))
		t.nodes = append(t.nodes, &node{})
	}

	n := t.nodes[id]
	n.parent, n.first, n.last, n.next = parent, noID, noID, noID
	n.prev = noID
	n.alive = true

	if parent != noID {
		p := t.nodes[parent]
		if p.last == noID {
			p.first = id
		} else {
			t.nodes[p.last].next = id
			n.prev = p.last
		}
		p.last = id
	}
	return id
}

func (t *Tree) kill(id ID) {
	n := t.nodes[id]
	for c := n.first; c != noID; {
		next := t.nodes[c].next
		t.kill(c)
		c = next
	}
	n.alive = false
	s := t.handle(id)
	for _, hook := range t.destroyHooks {
		hook(s)
	}
	if t.holds > 0 {
		t.pendingFree = append(t.pendingFree, id)
		return
	}
	t.release(id)
}

func (t *Tree) release(id ID) {
	n := t.nodes[id]
	n.gen++
	n.parent, n.first, n.last, n.prev, n.next = noID, noID, noID, noID, noID
	n.watches.drop()
	n.watches = WatchList{}
	n.vars = nil
	t.free = append(t.free, id)
}

// walk visits from and its descendants in pre-order. Links are read as the
// walk advances, so scopes created by a visit are picked up.
func (t *Tree) walk(from ID, visit func(id ID)) {
	cur := from
	for {
		visit(cur)

		next := t.nodes[cur].first
		for next == noID && cur != from {
			next = t.nodes[cur].next
			if next == noID {
				cur = t.nodes[cur].parent
			}
		}
		if next == noID {
			return
		}
		cur = next
	}
}

// Digest runs every ungated watch in the subtree rooted at s until a full
// pass observes no change.
func (t *Tree) Digest(s Scope) error {
	if !s.Valid() {
		return ErrInvalidScope
	}
	if t.digesting {
		return ErrDigestInProgress
	}
	t.digesting = true
	release := t.Hold()
	defer func() {
		t.digesting = false
		release()
	}()

	for pass := 1; ; pass++ {
		dirty := false
		t.walk(s.id, func(id ID) {
			n := t.nodes[id]
			if !n.alive {
				return
			}
			from := t.handle(id)
			n.watches.Range(func(w *Watch) {
				changed, err := w.Check(from)
				if err != nil {
					t.Report(from, err)
				}
				if changed {
					dirty = true
				}
			})
		})
		if !dirty {
			return nil
		}
		if pass >= t.ttl {
			t.log.Warn("digest did not settle", "scope", s.String(), "passes", pass)
			return fmt.Errorf("%w: still dirty after %d passes from %s", ErrInfiniteDigest, pass, s)
		}
	}
}

// NewWatch builds a watch without storing it anywhere.
func (t *Tree) NewWatch(get Getter, fn Listener, deep bool) *Watch {
	return &Watch{get: get, fn: fn, deep: deep}
}

// Watch registers an ungated watch on s.
func (t *Tree) Watch(s Scope, get Getter, fn Listener, deep bool) (*Watch, Deregister) {
	w := t.NewWatch(get, fn, deep)
	n := s.node()
	if n == nil || !n.alive {
		return w, func() {}
	}
	return w, t.WatchInto(&n.watches, w)
}

// WatchInto stores w in list instead of a scope's own watch list.
func (t *Tree) WatchInto(list *WatchList, w *Watch) Deregister {
	list.add(w)
	return func() {
		list.remove(w)
	}
}
