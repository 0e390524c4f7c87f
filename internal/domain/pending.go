package domain

import "time"

// PendingJob is the mutable runtime record for a task instance waiting to
// be submitted. Unlike Task, it is owned and mutated by the scheduler.
type PendingJob struct {
	// JobKey is either the declared task id, or a fan-out unit id
	// ("task_id_0", "task_id_1", ...).
	JobKey string

	// WaitFor is mutated by completion handling: a finishing job's key is
	// removed from every pending job's WaitFor set.
	WaitFor map[string]struct{}

	// Retries counts prior retries of this instance (0 on first entry).
	Retries int

	// RequiredResources is a snapshot of the resource sets this instance
	// will try to acquire; for a fan-out unit these are already scaled by
	// 1/N.
	RequiredResources []ResourceSet

	WaitTime *time.Duration

	// Origin is set only on fan-out units: the pre-expansion task id.
	Origin string
}

// WaitForKeys returns the outstanding dependency keys in arbitrary order;
// callers that need determinism (e.g. the DependencyCycle error message)
// sort the result themselves.
func (p *PendingJob) WaitForKeys() []string {
	out := make([]string, 0, len(p.WaitFor))
	for k := range p.WaitFor {
		out = append(out, k)
	}
	return out
}

// HasOutstandingWaitFor reports whether p is still blocked on anything.
func (p *PendingJob) HasOutstandingWaitFor() bool {
	return len(p.WaitFor) > 0
}
