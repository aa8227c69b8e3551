package gated

import (
	"fmt"

	"github.com/delaneyj/gatedscope/scope"
)

// cleanupQueue holds deferred actions shared by every scope of a tree.
type cleanupQueue struct {
	actions []func()
}

func (q *cleanupQueue) push(fn func()) {
	q.actions = append(q.actions, fn)
}

func (q *cleanupQueue) Len() int {
	return len(q.actions)
}

// Digest is the scheduler's replacement for the engine's Digest. If sc is
// under a gate inherited from its parent and that gate is open, the gate is
// traversed until it settles, at most ttl times, before the engine's own
// loop runs. The outermost call then drains the cleanup queue.
func (s *Scheduler) Digest(sc scope.Scope) error {
	if !sc.Valid() {
		return ErrInvalidScope
	}
	st := s.state(sc)

	s.depth++
	defer func() { s.depth-- }()

	err := s.digest(sc, st)
	if s.depth == 1 {
		s.drain(st.cleanup)
	}
	return err
}

func (s *Scheduler) digest(sc scope.Scope, st *nodeState) error {
	if g := st.parent; g != nil && g.Open() {
		for pass := 1; s.DigestGated(g); pass++ {
			if pass >= s.ttl {
				s.observer.NonConvergence(g)
				s.log.Warn("gated digest did not converge", "scope", sc.String(), "gate", g.name, "passes", pass)
				return fmt.Errorf("%w: %s still changing after %d passes", ErrNonConvergence, g, pass)
			}
		}
	}
	return s.engine.Digest(sc)
}

// drain runs queued actions first in, first out, including ones queued by
// the actions themselves. A panicking action is reported and skipped.
func (s *Scheduler) drain(q *cleanupQueue) {
	n := 0
	for len(q.actions) > 0 {
		fn := q.actions[0]
		q.actions[0] = nil
		q.actions = q.actions[1:]
		s.runCleanup(fn)
		n++
	}
	q.actions = nil
	if n > 0 {
		s.log.Debug("cleanup queue drained", "actions", n)
		s.observer.CleanupDrained(n)
	}
}

func (s *Scheduler) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.engine.Report(s.engine.Root(), fmt.Errorf("gated: cleanup action panicked: %v", r))
		}
	}()
	fn()
}

// PendingCleanup reports the deferred actions waiting for the next outer
// digest of sc's tree.
func (s *Scheduler) PendingCleanup(sc scope.Scope) int {
	if !sc.Valid() {
		return 0
	}
	return s.state(sc).cleanup.Len()
}
