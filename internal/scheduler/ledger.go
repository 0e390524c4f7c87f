package scheduler

import (
	"math/big"

	"github.com/rezkam/workflow-graph/internal/domain"
)

// resourceLedger tracks available and acquired amounts per resource name,
// using exact rationals to avoid floating drift under fan-out division
// (§4.5, §4.7, invariant 1).
type resourceLedger struct {
	available map[string]*big.Rat
	// acquired[jobKey][resource] = amount held by that job, so release is
	// O(resources held) rather than a linear scan of a flat list.
	acquired map[string]map[string]*big.Rat
}

// newResourceLedger seeds available from capacity, computed once at
// startup over the declared (pre-fan-out) graph.
func newResourceLedger(capacity map[string]*big.Rat) *resourceLedger {
	available := make(map[string]*big.Rat, len(capacity))
	for name, amount := range capacity {
		available[name] = new(big.Rat).Set(amount)
	}
	return &resourceLedger{
		available: available,
		acquired:  make(map[string]map[string]*big.Rat),
	}
}

// capacityFromDeclaredTasks computes initial_capacity[r] = max over all
// tasks of the maximum amount of r appearing in any of the task's resource
// sets (§4.5), over the declared (pre-fan-out) task list so that the
// precomputation step is unaffected by later fan-out expansion (§9).
func capacityFromDeclaredTasks(tasks []domain.Task) map[string]*big.Rat {
	capacity := make(map[string]*big.Rat)
	for _, task := range tasks {
		for _, set := range task.RequiredResources {
			for name, amount := range set {
				if cur, ok := capacity[name]; !ok || amount.Cmp(cur) > 0 {
					capacity[name] = new(big.Rat).Set(amount)
				}
			}
		}
	}
	return capacity
}

// tryAcquire tries each resource set in declared order and atomically
// acquires the first one that entirely fits (§4.5). It returns the index
// of the chosen set, or ok=false if none fit (no state is mutated in that
// case). A task declaring no resource sets at all needs nothing and is
// always satisfied.
func (l *resourceLedger) tryAcquire(jobKey string, sets []domain.ResourceSet) (int, bool) {
	if len(sets) == 0 {
		return 0, true
	}
	for i, set := range sets {
		if l.fits(set) {
			l.acquire(jobKey, set)
			return i, true
		}
	}
	return -1, false
}

func (l *resourceLedger) fits(set domain.ResourceSet) bool {
	for name, amount := range set {
		avail, ok := l.available[name]
		if !ok || avail.Cmp(amount) < 0 {
			return false
		}
	}
	return true
}

func (l *resourceLedger) acquire(jobKey string, set domain.ResourceSet) {
	held, ok := l.acquired[jobKey]
	if !ok {
		held = make(map[string]*big.Rat)
		l.acquired[jobKey] = held
	}
	for name, amount := range set {
		l.available[name] = new(big.Rat).Sub(l.available[name], amount)
		if existing, already := held[name]; already {
			held[name] = new(big.Rat).Add(existing, amount)
		} else {
			held[name] = new(big.Rat).Set(amount)
		}
	}
}

// release reverses acquisition for jobKey, returning every amount it holds
// back to available.
func (l *resourceLedger) release(jobKey string) {
	held, ok := l.acquired[jobKey]
	if !ok {
		return
	}
	for name, amount := range held {
		l.available[name] = new(big.Rat).Add(l.available[name], amount)
	}
	delete(l.acquired, jobKey)
}
