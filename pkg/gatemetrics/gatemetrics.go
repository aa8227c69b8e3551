// Package gatemetrics exports a gated.Scheduler's events as Prometheus
// metrics. A Collector is a gated.Observer; pass it with gated.WithObserver.
package gatemetrics

import (
	"errors"
	"fmt"

	"github.com/delaneyj/gatedscope/gated"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatedscope"

const (
	resultChanged = "changed"
	resultClean   = "clean"
)

type Collector struct {
	Traversals      *prometheus.CounterVec
	Promotions      *prometheus.CounterVec
	LateWatches     *prometheus.CounterVec
	NonConvergences *prometheus.CounterVec
	CleanupActions  prometheus.Counter
}

var _ gated.Observer = (*Collector)(nil)

// New builds a Collector and registers it with reg. A nil reg skips
// registration. Collectors already registered under the same names are
// reused, so several schedulers can share one registry.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Traversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gated_traversals_total",
			Help:      "Gated traversals run, by gate and whether any watch changed.",
		}, []string{"gate", "result"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nested_gate_promotions_total",
			Help:      "Nested gates that got their one traversal after the outer gate ran.",
		}, []string{"gate"}),
		LateWatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_watches_total",
			Help:      "Watches registered under a gate that had already run, given one evaluation.",
		}, []string{"gate"}),
		NonConvergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "non_convergence_total",
			Help:      "Digests that gave up because a gate kept reporting changes.",
		}, []string{"gate"}),
		CleanupActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_actions_total",
			Help:      "Deferred actions run when draining the cleanup queue.",
		}),
	}
	if reg == nil {
		return c, nil
	}

	var err error
	if c.Traversals, err = register(reg, c.Traversals); err != nil {
		return nil, err
	}
	if c.Promotions, err = register(reg, c.Promotions); err != nil {
		return nil, err
	}
	if c.LateWatches, err = register(reg, c.LateWatches); err != nil {
		return nil, err
	}
	if c.NonConvergences, err = register(reg, c.NonConvergences); err != nil {
		return nil, err
	}
	if c.CleanupActions, err = register(reg, c.CleanupActions); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	err := reg.Register(col)
	if err == nil {
		return col, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return col, fmt.Errorf("gatemetrics: %w", err)
}

func (c *Collector) GatedDigest(g *gated.Gate, changed bool) {
	result := resultClean
	if changed {
		result = resultChanged
	}
	c.Traversals.WithLabelValues(g.Name(), result).Inc()
}

func (c *Collector) Promoted(g *gated.Gate) {
	c.Promotions.WithLabelValues(g.Name()).Inc()
}

func (c *Collector) LateWatch(g *gated.Gate) {
	c.LateWatches.WithLabelValues(g.Name()).Inc()
}

func (c *Collector) CleanupDrained(actions int) {
	c.CleanupActions.Add(float64(actions))
}

func (c *Collector) NonConvergence(g *gated.Gate) {
	c.NonConvergences.WithLabelValues(g.Name()).Inc()
}
