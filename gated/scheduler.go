package gated

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/delaneyj/gatedscope/scope"
)

// DefaultTTL bounds the gated traversals the cycle driver runs for one gate
// in a single outer digest.
const DefaultTTL = 5

var (
	ErrNilGate        = errors.New("gated: gating function is nil")
	ErrInvalidGate    = errors.New("gated: invalid gate configuration")
	ErrInvalidScope   = errors.New("gated: scope is destroyed or zero")
	ErrEmptyTagFilter = errors.New("gated: tag filter needs at least one tag")
	ErrInvalidTag     = errors.New("gated: tag filter contains a blank tag")
	ErrNonConvergence = errors.New("gated: gated digest did not converge")
)

// Engine is the part of the base change-detection engine the scheduler
// builds on. *scope.Tree implements it.
type Engine interface {
	Root() scope.Scope
	NewWatch(get scope.Getter, fn scope.Listener, deep bool) *scope.Watch
	Watch(s scope.Scope, get scope.Getter, fn scope.Listener, deep bool) (*scope.Watch, scope.Deregister)
	WatchInto(list *scope.WatchList, w *scope.Watch) scope.Deregister
	Digest(s scope.Scope) error
	Report(from scope.Scope, err error)
	Hold() (release func())
	OnNewChild(fn func(parent, child scope.Scope))
	OnDestroy(fn func(s scope.Scope))
}

var _ Engine = (*scope.Tree)(nil)

// nodeState is what the scheduler tracks for each scope.
type nodeState struct {
	// active owns watches registered on this scope from now on; parent is
	// the gate that was in effect when the scope was created.
	active     *Gate
	parent     *Gate
	shouldGate ShouldGateFunc

	gated   scope.WatchList
	cleanup *cleanupQueue
}

// entry is the owner token of a gated watch.
type entry struct {
	w    *scope.Watch
	gate *Gate

	// cancels a pending late-registration evaluation, consumed once
	cancel func()
}

type Scheduler struct {
	engine   Engine
	states   map[scope.Scope]*nodeState
	ttl      int
	depth    int
	log      *slog.Logger
	observer Observer
}

type Option func(s *Scheduler)

func WithTTL(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.ttl = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

func New(engine Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		states:   map[scope.Scope]*nodeState{},
		ttl:      DefaultTTL,
		log:      slog.Default(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}

	// Scopes that already exist predate every gate. Seeding them now keeps
	// a later gate on an ancestor from being inherited after the fact.
	s.seed(engine.Root())

	// Children pick up their parent's gate at creation time, not lazily.
	engine.OnNewChild(func(_, child scope.Scope) {
		s.state(child)
	})
	engine.OnDestroy(func(sc scope.Scope) {
		if st, ok := s.states[sc]; ok {
			st.gated.Range(func(w *scope.Watch) {
				if e, ok := w.Owner().(*entry); ok && e.cancel != nil {
					e.cancel()
					e.cancel = nil
				}
			})
			delete(s.states, sc)
		}
	})
	return s
}

// seed creates ungated state for root and every scope below it, in
// pre-order.
func (s *Scheduler) seed(root scope.Scope) {
	if !root.Valid() {
		return
	}
	cur := root
	for {
		s.state(cur)

		next := cur.FirstChild()
		for next.IsZero() && cur != root {
			next = cur.NextSibling()
			if next.IsZero() {
				cur = cur.Parent()
			}
		}
		if next.IsZero() {
			return
		}
		cur = next
	}
}

func (s *Scheduler) state(sc scope.Scope) *nodeState {
	if st, ok := s.states[sc]; ok {
		return st
	}
	st := &nodeState{}
	if p := sc.Parent(); !p.IsZero() {
		ps := s.state(p)
		st.active = ps.active
		st.parent = ps.active
		st.shouldGate = ps.shouldGate
		st.cleanup = ps.cleanup
	} else {
		st.cleanup = &cleanupQueue{}
	}
	s.states[sc] = st
	return st
}

// ActiveGate returns the gate new watches on sc would be owned by.
func (s *Scheduler) ActiveGate(sc scope.Scope) *Gate {
	if !sc.Valid() {
		return nil
	}
	return s.state(sc).active
}

// GatedCount reports the live gated watches stored on sc.
func (s *Scheduler) GatedCount(sc scope.Scope) int {
	st, ok := s.states[sc]
	if !ok {
		return 0
	}
	return st.gated.Len()
}

// InstallGate makes fn the gate of sc. Watches registered on sc afterwards,
// and on scopes created under it afterwards, are owned by the gate unless
// its ShouldGateFunc turns them away. Installing again on the same scope
// replaces the gate for future registrations.
func (s *Scheduler) InstallGate(sc scope.Scope, fn GateFunc, opts ...GateOption) (*Gate, error) {
	if fn == nil {
		return nil, ErrNilGate
	}
	if !sc.Valid() {
		return nil, ErrInvalidScope
	}
	g := &Gate{
		fn:    fn,
		owner: sc,
		name:  fmt.Sprintf("gate@%s", sc),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("installing gate on %s: %w", sc, err)
		}
	}

	st := s.state(sc)

	// The self-watch goes into whatever set the scope inherited, ahead of
	// any watch the gate will own. It is what opens the gate during a
	// digest: while fn holds, every evaluation runs a gated traversal.
	s.register(sc, st, func(scope.Scope) any {
		if g.fn() && s.DigestGated(g) {
			g.changes++
		}
		return g.changes
	}, nil, false, st.parent)

	nested := st.parent != nil
	if nested {
		s.promote(sc, st, g)
	}

	st.active = g
	st.shouldGate = g.shouldGate
	s.log.Debug("gate installed",
		"scope", sc.String(),
		"gate", g.name,
		"nested", nested,
		"promoteNew", g.promoteNew,
	)
	return g, nil
}

// Watch registers a watch on sc the way the engine does, unless sc is under
// a gate, in which case the watch is stored with the scope's gated watches
// and owned by that gate. tag is an optional source tag passed to the
// gate's ShouldGateFunc.
func (s *Scheduler) Watch(sc scope.Scope, get scope.Getter, fn scope.Listener, deep bool, tag ...string) (*scope.Watch, scope.Deregister) {
	if !sc.Valid() {
		return s.engine.Watch(sc, get, fn, deep)
	}
	st := s.state(sc)
	g := st.active
	if g != nil && st.shouldGate != nil {
		r := Registration{HasListener: fn != nil, Deep: deep}
		if len(tag) > 0 {
			r.Tag = tag[0]
		}
		if !st.shouldGate(r) {
			g = nil
		}
	}
	return s.register(sc, st, get, fn, deep, g)
}

func (s *Scheduler) register(sc scope.Scope, st *nodeState, get scope.Getter, fn scope.Listener, deep bool, g *Gate) (*scope.Watch, scope.Deregister) {
	if g == nil {
		return s.engine.Watch(sc, get, fn, deep)
	}

	w := s.engine.NewWatch(get, fn, deep)
	e := &entry{w: w, gate: g}
	w.SetOwner(e)
	remove := s.engine.WatchInto(&st.gated, w)

	if g.promoteNew && g.digestedOnce {
		s.lateWatch(sc, st, e)
	}

	return w, func() {
		remove()
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
}
