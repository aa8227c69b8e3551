package gated_test

import (
	"errors"
	"testing"

	"github.com/delaneyj/gatedscope/gated"
	"github.com/delaneyj/gatedscope/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counts struct {
	traversals     map[*gated.Gate]int
	promotions     map[*gated.Gate]int
	late           int
	drained        int
	nonConvergence int
}

func (c *counts) GatedDigest(g *gated.Gate, _ bool) { c.traversals[g]++ }
func (c *counts) Promoted(g *gated.Gate)            { c.promotions[g]++ }
func (c *counts) LateWatch(*gated.Gate)             { c.late++ }
func (c *counts) CleanupDrained(n int)              { c.drained += n }
func (c *counts) NonConvergence(*gated.Gate)        { c.nonConvergence++ }

type fixture struct {
	tree  *scope.Tree
	root  scope.Scope
	sched *gated.Scheduler
	seen  *counts
}

func setup(t *testing.T, opts ...gated.Option) *fixture {
	tree := scope.CreateTree(func(from scope.Scope, err error) {
		assert.FailNow(t, err.Error())
	})
	seen := &counts{
		traversals: map[*gated.Gate]int{},
		promotions: map[*gated.Gate]int{},
	}
	opts = append(opts, gated.WithObserver(seen))
	return &fixture{
		tree:  tree,
		root:  tree.Root(),
		sched: gated.New(tree, opts...),
		seen:  seen,
	}
}

type call struct {
	newValue, oldValue any
}

func recorder(calls *[]call) scope.Listener {
	return func(newValue, oldValue any, _ scope.Scope) error {
		*calls = append(*calls, call{newValue, oldValue})
		return nil
	}
}

func getKey(key string) scope.Getter {
	return func(s scope.Scope) any { return s.Get(key) }
}

func TestClosedGateSuppressesWatch(t *testing.T) {
	f := setup(t)
	open := false
	node := f.root.NewChild()
	_, err := f.sched.InstallGate(node, func() bool { return open })
	require.NoError(t, err)

	node.Set("v", 1)
	var calls []call
	f.sched.Watch(node, getKey("v"), recorder(&calls), false)

	require.NoError(t, f.sched.Digest(f.root))
	assert.Empty(t, calls)

	node.Set("v", 2)
	open = true
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{2, 2}}, calls)

	require.NoError(t, f.sched.Digest(f.root))
	assert.Len(t, calls, 1)

	node.Set("v", 3)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{2, 2}, {3, 2}}, calls)
}

func TestWatchesBeforeInstallStayUngated(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	node.Set("v", 1)

	var before, after []call
	f.sched.Watch(node, getKey("v"), recorder(&before), false)
	g, err := f.sched.InstallGate(node, func() bool { return false })
	require.NoError(t, err)
	f.sched.Watch(node, getKey("v"), recorder(&after), false)

	assert.Same(t, g, f.sched.ActiveGate(node))
	assert.Equal(t, 1, f.sched.GatedCount(node))

	require.NoError(t, f.sched.Digest(f.root))
	node.Set("v", 2)
	require.NoError(t, f.sched.Digest(f.root))

	assert.Equal(t, []call{{1, 1}, {2, 1}}, before)
	assert.Empty(t, after)
}

func TestClosedGateCoversScopesCreatedLater(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return false })
	require.NoError(t, err)

	fired := 0
	count := func(_, _ any, _ scope.Scope) error {
		fired++
		return nil
	}
	child := node.NewChild()
	grandchild := child.NewChild()
	assert.Same(t, g, f.sched.ActiveGate(grandchild))

	f.sched.Watch(child, getKey("v"), count, false)
	f.sched.Watch(grandchild, getKey("v"), count, false)

	for i := 0; i < 3; i++ {
		f.root.Set("v", i)
		require.NoError(t, f.sched.Digest(f.root))
	}
	assert.Zero(t, fired)
	assert.Zero(t, f.seen.traversals[g])
	assert.False(t, g.DigestedOnce())

	// a scope created beside the gate is not covered
	sibling := f.root.NewChild()
	f.sched.Watch(sibling, getKey("v"), count, false)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, 1, fired)
}

func TestListenerFiresOncePerChange(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)
	child := node.NewChild()

	// b follows a, so settling takes a second traversal
	var aCalls, bCalls []call
	f.sched.Watch(child, getKey("b"), recorder(&bCalls), false)
	f.sched.Watch(child, getKey("a"), func(newValue, oldValue any, s scope.Scope) error {
		aCalls = append(aCalls, call{newValue, oldValue})
		s.Set("b", newValue)
		return nil
	}, false)

	child.Set("a", 1)
	require.NoError(t, f.sched.Digest(child))
	assert.Equal(t, []call{{1, 1}}, aCalls)
	assert.Equal(t, []call{{nil, nil}, {1, nil}}, bCalls)
	assert.Equal(t, 3, f.seen.traversals[g])

	child.Set("a", 2)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{1, 1}, {2, 1}}, aCalls)
	assert.Equal(t, []call{{nil, nil}, {1, nil}, {2, 1}}, bCalls)
}

func TestNestedGateWaitsForOuterGate(t *testing.T) {
	f := setup(t)
	outerOpen, innerOpen := false, true

	outerNode := f.root.NewChild()
	outer, err := f.sched.InstallGate(outerNode, func() bool { return outerOpen })
	require.NoError(t, err)
	innerNode := outerNode.NewChild()
	inner, err := f.sched.InstallGate(innerNode, func() bool { return innerOpen })
	require.NoError(t, err)

	innerNode.Set("v", "x")
	var calls []call
	f.sched.Watch(innerNode, getKey("v"), recorder(&calls), false)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.sched.Digest(f.root))
	}
	assert.Empty(t, calls)
	assert.Zero(t, f.seen.traversals[inner])

	outerOpen = true
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{"x", "x"}}, calls)
	assert.True(t, outer.DigestedOnce())
	assert.Equal(t, 1, f.seen.promotions[inner])

	// the promotion watcher removed itself
	assert.Zero(t, f.sched.PendingCleanup(f.root))
	assert.Positive(t, f.seen.drained)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, 1, f.seen.promotions[inner])
}

func TestNestedGateClosedInnerStaysQuiet(t *testing.T) {
	f := setup(t)
	outerNode := f.root.NewChild()
	_, err := f.sched.InstallGate(outerNode, func() bool { return true })
	require.NoError(t, err)

	innerOpen := false
	innerNode := outerNode.NewChild()
	inner, err := f.sched.InstallGate(innerNode, func() bool { return innerOpen })
	require.NoError(t, err)

	innerNode.Set("v", 1)
	var calls []call
	f.sched.Watch(innerNode, getKey("v"), recorder(&calls), false)

	require.NoError(t, f.sched.Digest(f.root))
	assert.Empty(t, calls)
	assert.Zero(t, f.seen.promotions[inner])

	innerOpen = true
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{1, 1}}, calls)
	assert.Equal(t, 1, f.seen.promotions[inner])
}

func TestOuterTraversalSkipsInnerGateWatches(t *testing.T) {
	f := setup(t)
	outerNode := f.root.NewChild()
	outer, err := f.sched.InstallGate(outerNode, func() bool { return true })
	require.NoError(t, err)
	innerNode := outerNode.NewChild()
	_, err = f.sched.InstallGate(innerNode, func() bool { return false })
	require.NoError(t, err)
	deep := innerNode.NewChild()

	fired := 0
	f.sched.Watch(deep, func(scope.Scope) any { return 1 }, func(_, _ any, _ scope.Scope) error {
		fired++
		return nil
	}, false)

	f.sched.DigestGated(outer)
	assert.Zero(t, fired)
}

func TestPromoteNewWatchers(t *testing.T) {
	f := setup(t)
	open := true
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return open }, gated.WithPromoteNewWatchers())
	require.NoError(t, err)
	assert.True(t, g.PromotesNewWatchers())

	require.NoError(t, f.sched.Digest(f.root))
	require.True(t, g.DigestedOnce())

	open = false
	node.Set("v", "late")
	var calls []call
	f.sched.Watch(node, getKey("v"), recorder(&calls), false)
	assert.Equal(t, 1, f.seen.late)

	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{"late", "late"}}, calls)
	assert.Zero(t, f.sched.PendingCleanup(f.root))

	// back to normal gating afterwards
	node.Set("v", "later")
	require.NoError(t, f.sched.Digest(f.root))
	assert.Len(t, calls, 1)

	open = true
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, []call{{"late", "late"}, {"later", "late"}}, calls)
}

func TestLateWatchWithoutPromotionWaits(t *testing.T) {
	f := setup(t)
	open := true
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return open })
	require.NoError(t, err)
	require.NoError(t, f.sched.Digest(f.root))
	require.True(t, g.DigestedOnce())

	open = false
	var calls []call
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, recorder(&calls), false)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Empty(t, calls)
	assert.Zero(t, f.seen.late)
}

func TestLateWatchCancelledWhenGateGetsThereFirst(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true }, gated.WithPromoteNewWatchers())
	require.NoError(t, err)
	require.NoError(t, f.sched.Digest(f.root))

	var calls []call
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, recorder(&calls), false)
	assert.Equal(t, 1, f.seen.late)
	assert.Zero(t, f.sched.PendingCleanup(f.root))

	f.sched.DigestGated(g)
	assert.Len(t, calls, 1)
	assert.Equal(t, 1, f.sched.PendingCleanup(f.root), "cancellation is queued, not applied")

	require.NoError(t, f.sched.Digest(f.root))
	assert.Len(t, calls, 1)
	assert.Zero(t, f.sched.PendingCleanup(f.root))
}

func TestNonConvergence(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true }, gated.WithGateName("runaway"))
	require.NoError(t, err)
	child := node.NewChild()

	n := 0
	f.sched.Watch(child, func(scope.Scope) any {
		n++
		return n
	}, nil, false)

	err = f.sched.Digest(child)
	require.ErrorIs(t, err, gated.ErrNonConvergence)
	assert.Contains(t, err.Error(), "runaway")
	assert.Equal(t, 5, f.seen.traversals[g])
	assert.Equal(t, 1, f.seen.nonConvergence)
}

func TestConvergesWithinBound(t *testing.T) {
	f := setup(t, gated.WithTTL(3))
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)
	child := node.NewChild()

	n := 0
	f.sched.Watch(child, func(scope.Scope) any {
		if n < 2 {
			n++
		}
		return n
	}, nil, false)

	require.NoError(t, f.sched.Digest(child))
	assert.Equal(t, 3, f.seen.traversals[g])
}

func TestListenerErrorDoesNotStopTraversal(t *testing.T) {
	boom := errors.New("boom")
	var reported []error
	tree := scope.CreateTree(func(_ scope.Scope, err error) {
		reported = append(reported, err)
	})
	sched := gated.New(tree)
	root := tree.Root()

	node := root.NewChild()
	g, err := sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)

	fired := 0
	sched.Watch(node, func(scope.Scope) any { return 1 }, func(_, _ any, _ scope.Scope) error {
		return boom
	}, false)
	sched.Watch(node.NewChild(), func(scope.Scope) any { return 2 }, func(_, _ any, _ scope.Scope) error {
		fired++
		return nil
	}, false)

	assert.True(t, sched.DigestGated(g))
	assert.Equal(t, []error{boom}, reported)
	assert.Equal(t, 1, fired)
	assert.False(t, sched.DigestGated(g))
}

func TestShouldGateSelectsWatches(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	_, err := f.sched.InstallGate(node, func() bool { return false }, gated.WithTags("render"))
	require.NoError(t, err)

	var rendered, other []call
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, recorder(&rendered), false, "render")
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, recorder(&other), false, "model")
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, recorder(&other), false)

	require.NoError(t, f.sched.Digest(f.root))
	assert.Empty(t, rendered)
	assert.Len(t, other, 2)
	assert.Equal(t, 1, f.sched.GatedCount(node))
}

func TestShouldGateSeesRegistration(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()

	var got []gated.Registration
	_, err := f.sched.InstallGate(node, func() bool { return false }, gated.WithShouldGate(func(r gated.Registration) bool {
		got = append(got, r)
		return r.HasListener
	}))
	require.NoError(t, err)

	f.sched.Watch(node, func(scope.Scope) any { return 1 }, nil, true, "expr")
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, func(_, _ any, _ scope.Scope) error { return nil }, false)

	assert.Equal(t, []gated.Registration{
		{HasListener: false, Deep: true, Tag: "expr"},
		{HasListener: true},
	}, got)
	assert.Equal(t, 1, f.sched.GatedCount(node))

	// descendants inherit the predicate with the gate
	child := node.NewChild()
	f.sched.Watch(child, func(scope.Scope) any { return 1 }, nil, false)
	assert.Len(t, got, 3)
	assert.Zero(t, f.sched.GatedCount(child))
}

func TestInstallGateValidation(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()

	_, err := f.sched.InstallGate(node, nil)
	assert.ErrorIs(t, err, gated.ErrNilGate)

	_, err = f.sched.InstallGate(node, func() bool { return true }, gated.WithTags())
	assert.ErrorIs(t, err, gated.ErrEmptyTagFilter)
	assert.Nil(t, f.sched.ActiveGate(node), "a rejected gate is not installed")

	_, err = f.sched.InstallGate(node, func() bool { return true }, gated.WithTags("ok", " "))
	assert.ErrorIs(t, err, gated.ErrInvalidTag)

	_, err = f.sched.InstallGate(node, func() bool { return true }, gated.WithGateName(""))
	assert.ErrorIs(t, err, gated.ErrInvalidGate)

	node.Destroy()
	_, err = f.sched.InstallGate(node, func() bool { return true })
	assert.ErrorIs(t, err, gated.ErrInvalidScope)
	assert.ErrorIs(t, f.sched.Digest(node), gated.ErrInvalidScope)
}

func TestReinstallReplacesGate(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	first, err := f.sched.InstallGate(node, func() bool { return false })
	require.NoError(t, err)
	second, err := f.sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)
	assert.Same(t, second, f.sched.ActiveGate(node))

	var calls []call
	f.sched.Watch(node, func(scope.Scope) any { return "v" }, recorder(&calls), false)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Len(t, calls, 1, "the new gate is not stacked under the old one")
	assert.Zero(t, f.seen.traversals[first])
}

func TestDeregisterGatedWatch(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)

	fired := 0
	_, remove := f.sched.Watch(node, getKey("v"), func(_, _ any, _ scope.Scope) error {
		fired++
		return nil
	}, false)
	node.Set("v", 1)
	require.NoError(t, f.sched.Digest(f.root))
	assert.Equal(t, 1, fired)

	remove()
	assert.Zero(t, f.sched.GatedCount(node))
	node.Set("v", 2)
	assert.False(t, f.sched.DigestGated(g))
	assert.Equal(t, 1, fired)
}

func TestPanickingListenerLeavesSchedulerUsable(t *testing.T) {
	f := setup(t)
	open := true
	node := f.root.NewChild()
	_, err := f.sched.InstallGate(node, func() bool { return open }, gated.WithPromoteNewWatchers())
	require.NoError(t, err)
	require.NoError(t, f.sched.Digest(f.root))

	open = false
	f.sched.Watch(node, func(scope.Scope) any { return 1 }, func(_, _ any, _ scope.Scope) error {
		panic("listener")
	}, false)
	assert.Panics(t, func() {
		_ = f.sched.Digest(f.root)
	})
	assert.Equal(t, 1, f.sched.PendingCleanup(f.root))

	require.NoError(t, f.sched.Digest(f.root))
	assert.Zero(t, f.sched.PendingCleanup(f.root))
}

func TestDestroyedGateOwnerStopsTraversal(t *testing.T) {
	f := setup(t)
	node := f.root.NewChild()
	g, err := f.sched.InstallGate(node, func() bool { return true })
	require.NoError(t, err)
	f.sched.Watch(node.NewChild(), func(scope.Scope) any { return 1 }, nil, false)

	node.Destroy()
	assert.False(t, f.sched.DigestGated(g))
	require.NoError(t, f.sched.Digest(f.root))
}

func TestScopesBeforeSchedulerAreNotGatedLater(t *testing.T) {
	tree := scope.CreateTree(func(_ scope.Scope, err error) {
		assert.FailNow(t, err.Error())
	})
	root := tree.Root()
	node := root.NewChild()
	existing := node.NewChild()

	sched := gated.New(tree)
	g, err := sched.InstallGate(node, func() bool { return false })
	require.NoError(t, err)
	later := node.NewChild()

	assert.Nil(t, sched.ActiveGate(existing))
	assert.Same(t, g, sched.ActiveGate(later))

	var before, after []call
	sched.Watch(existing, func(scope.Scope) any { return 1 }, recorder(&before), false)
	sched.Watch(later, func(scope.Scope) any { return 1 }, recorder(&after), false)
	require.NoError(t, sched.Digest(root))

	assert.Equal(t, []call{{1, 1}}, before)
	assert.Empty(t, after)
	assert.Zero(t, sched.GatedCount(existing))
}
