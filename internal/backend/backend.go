// Package backend declares the external job-submission capability the
// scheduler drives. The backend is the only collaborator that performs
// I/O or suspends (§5 "Suspension points"); the scheduler itself is a
// synchronous function of its own state between backend calls.
package backend

import "context"

// ChildJob is one entry returned by LookupScheduledChildren: a job this
// manager run previously scheduled, identified by its position in the
// backend's listing (Index, counted from 0) and "manager_name/task_id" name.
type ChildJob struct {
	Index int
	Name  string
	JobID string
}

// Backend is the job-submission and status-query capability the scheduler
// core treats as an external collaborator (§6 "Backend adapter contract").
type Backend interface {
	// Schedule submits cmd for execution and returns an opaque job id. An
	// error (or empty job id) means "do not transition to running"; the
	// job stays pending.
	Schedule(ctx context.Context, cmd []string, tags []string, units, projectID string) (jobID string, err error)

	// Status reports whether jobID is still running, and if not, its
	// outcome string. Outcome strings are opaque to the scheduler except
	// that a configurable subset is classified "failed" (§6).
	Status(ctx context.Context, jobID string) (outcome string, stillRunning bool, err error)

	// LookupScheduledChildren returns every job previously scheduled as a
	// child of parentJobID, for the resume protocol (§4.8).
	LookupScheduledChildren(ctx context.Context, parentJobID string) ([]ChildJob, error)

	// JobCommandLine returns the command line a prior job was scheduled
	// with, used to recover --starting-job occurrences during resume
	// (§4.8 step 4).
	JobCommandLine(ctx context.Context, jobID string) ([]string, error)
}
