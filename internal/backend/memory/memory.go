// Package memory is a deterministic in-process Backend fake, used by
// scheduler tests and by the driver's memory demo mode.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rezkam/workflow-graph/internal/backend"
)

// job is the recorded state of one scheduled job.
type job struct {
	cmd      []string
	name     string
	outcome  string
	finished bool
}

// Backend is a scripted, in-memory backend.Backend. Outcomes are assigned
// by the caller via SetOutcome before or after scheduling; a job with no
// assigned outcome is reported as still running.
type Backend struct {
	nextID  int64
	jobs    map[string]*job
	byName  map[string]string // "manager/task" -> job id, for resume lookups
	parents map[string][]string
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		jobs:    make(map[string]*job),
		byName:  make(map[string]string),
		parents: make(map[string][]string),
	}
}

// Schedule records a new job and returns a freshly minted job id.
func (b *Backend) Schedule(_ context.Context, cmd []string, tags []string, units, projectID string) (string, error) {
	id := fmt.Sprintf("job-%d", atomic.AddInt64(&b.nextID, 1))
	if j, ok := b.jobs[id]; ok {
		// An outcome was assigned via SetOutcome before scheduling; keep it.
		j.cmd = cmd
	} else {
		b.jobs[id] = &job{cmd: cmd}
	}
	return id, nil
}

// ScheduleNamed is a test helper: like Schedule, but also registers the job
// under "manager/task" for LookupScheduledChildren, and as a child of
// parentJobID for the resume protocol.
func (b *Backend) ScheduleNamed(ctx context.Context, parentJobID, name string, cmd []string) (string, error) {
	id, err := b.Schedule(ctx, cmd, nil, "", "")
	if err != nil {
		return "", err
	}
	b.jobs[id].name = name
	b.byName[name] = id
	if parentJobID != "" {
		b.parents[parentJobID] = append(b.parents[parentJobID], id)
	}
	return id, nil
}

// SetOutcome marks jobID finished with the given outcome. Subsequent
// Status calls report it as finished.
func (b *Backend) SetOutcome(jobID, outcome string) {
	j, ok := b.jobs[jobID]
	if !ok {
		j = &job{}
		b.jobs[jobID] = j
	}
	j.outcome = outcome
	j.finished = true
}

// Status implements backend.Backend.
func (b *Backend) Status(_ context.Context, jobID string) (string, bool, error) {
	j, ok := b.jobs[jobID]
	if !ok {
		return "", false, fmt.Errorf("unknown job id %q", jobID)
	}
	if !j.finished {
		return "", true, nil
	}
	return j.outcome, false, nil
}

// LookupScheduledChildren implements backend.Backend.
func (b *Backend) LookupScheduledChildren(_ context.Context, parentJobID string) ([]backend.ChildJob, error) {
	children := b.parents[parentJobID]
	out := make([]backend.ChildJob, 0, len(children))
	for i, childID := range children {
		j := b.jobs[childID]
		out = append(out, backend.ChildJob{Index: i, Name: j.name, JobID: childID})
	}
	return out, nil
}

// JobCommandLine implements backend.Backend.
func (b *Backend) JobCommandLine(_ context.Context, jobID string) ([]string, error) {
	j, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job id %q", jobID)
	}
	return j.cmd, nil
}
