// Package scheduler implements a stateless decision function that
// picks one eligible worker for a job, given a policy.
package scheduler

import (
	"sync/atomic"

	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

// Strategy names, as accepted by config and the ControlAPI.
const (
	StrategyLeastBusy  = "least_busy"
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
)

// Scheduler selects a worker for each job. Round-robin's cursor is the
// one piece of component-private state a pure decision function needs;
// everything else is computed fresh from the snapshot passed in.
type Scheduler struct {
	strategy   atomic.Value // string
	preferIdle atomic.Bool
	cursor     uint64
}

// New builds a Scheduler with the given initial strategy and preferIdle flag.
func New(strategy string, preferIdle bool) *Scheduler {
	s := &Scheduler{}
	if !isValidStrategy(strategy) {
		strategy = StrategyLeastBusy
	}
	s.strategy.Store(strategy)
	s.preferIdle.Store(preferIdle)
	return s
}

func isValidStrategy(s string) bool {
	switch s {
	case StrategyLeastBusy, StrategyRoundRobin, StrategyWeighted:
		return true
	}
	return false
}

// SetStrategy changes the active policy; returns false if name is unknown.
func (s *Scheduler) SetStrategy(name string) bool {
	if !isValidStrategy(name) {
		return false
	}
	s.strategy.Store(name)
	return true
}

// Strategy returns the active policy name.
func (s *Scheduler) Strategy() string { return s.strategy.Load().(string) }

// SetPreferIdle toggles the two-pass idle-then-available selection.
func (s *Scheduler) SetPreferIdle(v bool) { s.preferIdle.Store(v) }

// PreferIdle reports the current preferIdle flag.
func (s *Scheduler) PreferIdle() bool { return s.preferIdle.Load() }

// Select picks one worker out of the registry's current state, or
// reports ok=false if none is eligible, leaving the caller to park
// the job until the next wake.
func (s *Scheduler) Select(registry *workerpool.Registry) (workerpool.Snapshot, bool) {
	var pool []workerpool.Snapshot
	if s.preferIdle.Load() {
		pool = registry.Idle()
		if len(pool) == 0 {
			pool = registry.Available()
		}
	} else {
		pool = registry.Available()
	}
	if len(pool) == 0 {
		return workerpool.Snapshot{}, false
	}

	switch s.Strategy() {
	case StrategyRoundRobin:
		return s.roundRobin(pool), true
	case StrategyWeighted:
		return s.weighted(pool), true
	default:
		return s.leastBusy(pool), true
	}
}

// leastBusy: minimum totalLoad, stable insertion order tie-break.
func (s *Scheduler) leastBusy(pool []workerpool.Snapshot) workerpool.Snapshot {
	best := pool[0]
	bestLoad := best.TotalLoad()
	for _, w := range pool[1:] {
		if load := w.TotalLoad(); load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

// roundRobin: next worker modulo a component-private cursor.
func (s *Scheduler) roundRobin(pool []workerpool.Snapshot) workerpool.Snapshot {
	idx := atomic.AddUint64(&s.cursor, 1)
	return pool[idx%uint64(len(pool))]
}

// weighted: argmax of weight/(1+totalLoad), stable tie-break.
func (s *Scheduler) weighted(pool []workerpool.Snapshot) workerpool.Snapshot {
	best := pool[0]
	bestScore := score(best)
	for _, w := range pool[1:] {
		if sc := score(w); sc > bestScore {
			best, bestScore = w, sc
		}
	}
	return best
}

func score(w workerpool.Snapshot) float64 {
	return float64(w.Weight) / float64(1+w.TotalLoad())
}
