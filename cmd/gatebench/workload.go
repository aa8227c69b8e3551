package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/delaneyj/gatedscope/gated"
	"github.com/delaneyj/gatedscope/scope"
	"gopkg.in/yaml.v3"
)

var errBadScenario = errors.New("gatebench: invalid scenario")

type scenario struct {
	Name  string  `yaml:"name"`
	Width int     `yaml:"width"`
	Depth int     `yaml:"depth"`
	Open  float64 `yaml:"open"`
	Iters int     `yaml:"iters"`
}

func (sc scenario) String() string {
	if sc.Name != "" {
		return sc.Name
	}
	return fmt.Sprintf("%d * %d @ %.0f%%", sc.Width, sc.Depth, sc.Open*100)
}

func (sc scenario) validate() error {
	switch {
	case sc.Width < 1, sc.Depth < 1, sc.Iters < 1:
		return fmt.Errorf("%w %q: width, depth and iters must be positive", errBadScenario, sc)
	case sc.Open < 0 || sc.Open > 1 || math.IsNaN(sc.Open):
		return fmt.Errorf("%w %q: open must be within [0, 1]", errBadScenario, sc)
	}
	return nil
}

type scenarioFile struct {
	Scenarios []scenario `yaml:"scenarios"`
}

// loadScenarios reads path, filling fields a scenario leaves out from
// defaults. Without a path the defaults are the only scenario.
func loadScenarios(path string, defaults scenario) ([]scenario, error) {
	if path == "" {
		if err := defaults.validate(); err != nil {
			return nil, err
		}
		return []scenario{defaults}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f scenarioFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("gatebench: parsing %s: %w", path, err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("%w: %s lists no scenarios", errBadScenario, path)
	}

	out := make([]scenario, 0, len(f.Scenarios))
	for _, sc := range f.Scenarios {
		if sc.Width == 0 {
			sc.Width = defaults.Width
		}
		if sc.Depth == 0 {
			sc.Depth = defaults.Depth
		}
		if sc.Iters == 0 {
			sc.Iters = defaults.Iters
		}
		if err := sc.validate(); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// workload is a root with Width branches, each a chain of Depth scopes
// watching the root's tick. In gated mode every branch carries a gate and
// the first Open fraction of them are open.
type workload struct {
	tree   *scope.Tree
	sched  *gated.Scheduler
	root   scope.Scope
	opened int

	evals int64
	fires int64
	trace *xxhash.Digest
}

func buildWorkload(sc scenario, gatedMode bool) (*workload, error) {
	w := &workload{
		tree: scope.CreateTree(func(from scope.Scope, err error) {
			log.Panicf("%s: %v", from, err)
		}),
		trace:  xxhash.New(),
		opened: int(math.Round(sc.Open * float64(sc.Width))),
	}
	w.root = w.tree.Root()
	w.root.Set("tick", 0)
	if gatedMode {
		w.sched = gated.New(w.tree)
	}

	for i := 0; i < sc.Width; i++ {
		branch := w.root.NewChild()
		open := i < w.opened
		if gatedMode {
			_, err := w.sched.InstallGate(branch, func() bool { return open }, gated.WithGateName(fmt.Sprintf("branch-%d", i)))
			if err != nil {
				return nil, err
			}
		}

		cur := branch
		for d := 0; d < sc.Depth; d++ {
			cur = cur.NewChild()
			path := fmt.Sprintf("%d/%d", i, d)
			w.watch(cur, func(s scope.Scope) any {
				w.evals++
				return s.Get("tick")
			}, func(newValue, _ any, _ scope.Scope) error {
				w.fires++
				if open {
					fmt.Fprintf(w.trace, "%s=%v;", path, newValue)
				}
				return nil
			})
		}
	}
	return w, nil
}

func (w *workload) watch(s scope.Scope, get scope.Getter, fn scope.Listener) {
	if w.sched != nil {
		w.sched.Watch(s, get, fn, false)
		return
	}
	w.tree.Watch(s, get, fn, false)
}

// step publishes tick and digests from the root.
func (w *workload) step(tick int) error {
	w.root.Set("tick", tick)
	if w.sched != nil {
		return w.sched.Digest(w.root)
	}
	return w.tree.Digest(w.root)
}

// fingerprint hashes what the listeners of open branches saw, in order.
func (w *workload) fingerprint() uint64 {
	return w.trace.Sum64()
}
