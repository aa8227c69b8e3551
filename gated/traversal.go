package gated

import "github.com/delaneyj/gatedscope/scope"

// DigestGated evaluates, once, every gated watch owned by g, walking the
// subtree of the scope g is installed on in pre-order. Subtrees whose
// effective gate is some other gate are skipped. Listener errors go to the
// engine's error sink and do not stop the walk. It reports whether any
// watch changed.
func (s *Scheduler) DigestGated(g *Gate) bool {
	if !g.owner.Valid() {
		return false
	}
	release := s.engine.Hold()
	defer release()

	dirty := false
	s.walkGate(g, func(sc scope.Scope, st *nodeState) {
		st.gated.Range(func(w *scope.Watch) {
			e, ok := w.Owner().(*entry)
			if !ok || e.gate != g {
				return
			}
			if e.cancel != nil {
				cancel := e.cancel
				e.cancel = nil
				cancel()
			}
			changed, err := w.Check(sc)
			if err != nil {
				s.engine.Report(sc, err)
			}
			if changed {
				dirty = true
			}
		})
	})

	g.digestedOnce = true
	s.observer.GatedDigest(g, dirty)
	return dirty
}

func (s *Scheduler) walkGate(g *Gate, visit func(sc scope.Scope, st *nodeState)) {
	start := g.owner
	cur := start
	for {
		st := s.states[cur]
		if st != nil && cur.Valid() {
			visit(cur, st)
		}

		next := s.enterable(cur.FirstChild(), st, g)
		for next.IsZero() && cur != start {
			parent := cur.Parent()
			next = s.enterable(cur.NextSibling(), s.states[parent], g)
			if next.IsZero() {
				cur = parent
			}
		}
		if next.IsZero() {
			return
		}
		cur = next
	}
}

// enterable returns c, or the first sibling after it, that a traversal of g
// has to visit.
func (s *Scheduler) enterable(c scope.Scope, parent *nodeState, g *Gate) scope.Scope {
	for ; !c.IsZero(); c = c.NextSibling() {
		st := s.states[c]
		if st == nil {
			continue
		}
		// A child with its own gate is still visited when it sits directly
		// under g: its watches from before that gate, the gate's self-watch
		// among them, belong to g.
		if st.active == g || st.parent == g {
			return c
		}
		if st.active == nil && parent != nil && parent.active != nil {
			return c
		}
	}
	return scope.Scope{}
}
