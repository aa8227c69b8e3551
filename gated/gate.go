package gated

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/delaneyj/gatedscope/scope"
)

// GateFunc decides whether the watches a gate owns take part in digestion.
type GateFunc func() bool

// Gate is a gating function installed on one scope, together with the
// bookkeeping the scheduler keeps for it. Gates are compared by identity.
type Gate struct {
	fn    GateFunc
	name  string
	owner scope.Scope

	shouldGate   ShouldGateFunc
	promoteNew   bool
	digestedOnce bool

	// bumped by the gate's self-watch whenever a traversal changed
	// something, so the base loop sees the gate's scope as dirty
	changes int
}

func (g *Gate) Open() bool                { return g.fn() }
func (g *Gate) Name() string              { return g.name }
func (g *Gate) Owner() scope.Scope        { return g.owner }
func (g *Gate) DigestedOnce() bool        { return g.digestedOnce }
func (g *Gate) PromotesNewWatchers() bool { return g.promoteNew }

func (g *Gate) String() string {
	if g == nil {
		return "<ungated>"
	}
	return g.name
}

// Registration describes a watch being registered, for ShouldGateFunc.
type Registration struct {
	// HasListener is false for getter-only watches, which have no side
	// effect of their own.
	HasListener bool
	Deep        bool
	Tag         string
}

// ShouldGateFunc reports whether a new watch should be owned by the scope's
// gate. Watches it rejects stay ungated.
type ShouldGateFunc func(r Registration) bool

type GateOption func(g *Gate) error

func WithShouldGate(fn ShouldGateFunc) GateOption {
	return func(g *Gate) error {
		g.shouldGate = fn
		return nil
	}
}

// WithTags gates only watches registered with one of tags.
func WithTags(tags ...string) GateOption {
	return func(g *Gate) error {
		fn, err := TagFilter(tags...)
		if err != nil {
			return err
		}
		g.shouldGate = fn
		return nil
	}
}

// WithPromoteNewWatchers makes watches registered after the gate's first
// traversal get one evaluation on the next digest, open or not.
func WithPromoteNewWatchers() GateOption {
	return func(g *Gate) error {
		g.promoteNew = true
		return nil
	}
}

func WithGateName(name string) GateOption {
	return func(g *Gate) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty gate name", ErrInvalidGate)
		}
		g.name = name
		return nil
	}
}

// TagFilter builds a ShouldGateFunc that accepts registrations whose source
// tag is one of tags.
func TagFilter(tags ...string) (ShouldGateFunc, error) {
	if len(tags) == 0 {
		return nil, ErrEmptyTagFilter
	}
	set := mapset.NewThreadUnsafeSet[string]()
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
		set.Add(tag)
	}
	return func(r Registration) bool {
		return set.Contains(r.Tag)
	}, nil
}
