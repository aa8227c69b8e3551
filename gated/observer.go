package gated

// Observer is told about the scheduler's internal events. Implementations
// must not call back into the scheduler.
type Observer interface {
	GatedDigest(g *Gate, changed bool)
	Promoted(g *Gate)
	LateWatch(g *Gate)
	CleanupDrained(actions int)
	NonConvergence(g *Gate)
}

type NopObserver struct{}

func (NopObserver) GatedDigest(*Gate, bool) {}
func (NopObserver) Promoted(*Gate)          {}
func (NopObserver) LateWatch(*Gate)         {}
func (NopObserver) CleanupDrained(int)      {}
func (NopObserver) NonConvergence(*Gate)    {}
