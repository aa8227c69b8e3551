package gated

import "github.com/delaneyj/gatedscope/scope"

type shotState uint8

const (
	shotPending shotState = iota // waiting for the outer gate to open once
	shotArmed                    // will fire on its next evaluation that sees the gate open
	shotFired                    // done, removal queued on the cleanup queue
)

// oneShot is an ungated watch that does its work a single time and then
// queues its own removal, instead of deregistering while its list is being
// ranged over.
type oneShot struct {
	state  shotState
	remove scope.Deregister
}

func (o *oneShot) fire(q *cleanupQueue) {
	o.state = shotFired
	if o.remove != nil {
		q.push(o.remove)
	}
}

// promote covers a gate nested under another gate. Until the outer gate
// has run at least once nothing happens; after that, the first time the
// inner gate reads open it gets one traversal of its own, even if the outer
// gate has closed again in the meantime.
func (s *Scheduler) promote(sc scope.Scope, st *nodeState, g *Gate) {
	outer := st.parent
	shot := &oneShot{}

	_, shot.remove = s.engine.Watch(sc, func(scope.Scope) any {
		switch shot.state {
		case shotPending:
			if !outer.digestedOnce {
				return false
			}
			shot.state = shotArmed
			return g.fn()
		case shotArmed:
			return g.fn()
		default:
			return true
		}
	}, func(newValue, _ any, _ scope.Scope) error {
		if open, _ := newValue.(bool); !open || shot.state != shotArmed {
			return nil
		}
		shot.fire(st.cleanup)
		s.log.Debug("promoting nested gate", "gate", g.name, "outer", outer.name)
		s.observer.Promoted(g)
		s.DigestGated(g)
		return nil
	}, false)
}

// lateWatch gives a watch registered under a gate that already ran one
// evaluation on the next digest, without waiting for the gate to open
// again. If the gate gets to the watch first, the evaluation is cancelled.
func (s *Scheduler) lateWatch(sc scope.Scope, st *nodeState, e *entry) {
	shot := &oneShot{state: shotArmed}
	hits := 0

	_, shot.remove = s.engine.Watch(sc, func(from scope.Scope) any {
		if shot.state != shotArmed {
			return hits
		}
		shot.fire(st.cleanup)
		e.cancel = nil
		if e.w.Removed() {
			return hits
		}
		changed, err := e.w.Check(from)
		if err != nil {
			s.engine.Report(from, err)
		}
		if changed {
			hits++
		}
		return hits
	}, nil, false)

	e.cancel = func() {
		if shot.state == shotArmed {
			shot.fire(st.cleanup)
		}
	}
	s.log.Debug("late watch under open gate", "scope", sc.String(), "gate", e.gate.name)
	s.observer.LateWatch(e.gate)
}
