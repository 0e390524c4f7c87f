package domain

import (
	"context"
	"time"
)

// RetrySuccessor is the sentinel on_finish successor value meaning "re-run
// this same task, decrementing its retry budget" rather than "start this
// other task".
const RetrySuccessor = "retry"

// Recognized on_finish routing keys beyond concrete outcome strings.
const (
	OutcomeFailed  = "failed"
	OutcomeDefault = "default"
)

// JobSubmitter is the narrow capability a programmatic Task needs to submit
// itself to the backend; it is implemented by the scheduler so that a
// Task.Runner never has to see the rest of the scheduler's state.
type JobSubmitter interface {
	Submit(ctx context.Context, cmd []string, tags []string, units, projectID string) (jobID string, err error)
}

// TaskRunner is implemented by programmatic tasks: a task that schedules
// itself rather than being described by command/args alone. A Task with a
// non-nil Runner is "programmatic"; a Task with a nil Runner is
// "declarative". This is the tagged-variant representation of the two task
// shapes, in place of an inheritance hierarchy.
type TaskRunner interface {
	// Run submits the job and returns the backend's opaque job id. retry is
	// true when this invocation follows a "retry" on_finish successor.
	Run(ctx context.Context, sched JobSubmitter, retry bool) (jobID string, err error)
	// NextTasks returns this task's direct successors, for transitive graph
	// traversal at construction time.
	NextTasks() []Task
}

// Task is the immutable, user-declared description of one node in the
// graph. Declared tasks are never mutated at runtime; the scheduler keeps
// its own derived state (retry budgets, fan-out expansions) separately.
type Task struct {
	TaskID string

	// Declarative fields. Unused (zero value) when Runner is non-nil.
	Command   string
	InitArgs  []string
	RetryArgs []string

	Tags      []string
	Units     string
	ProjectID string

	// RequiredResources is a disjunction of resource sets: acquisition
	// tries each set in order and takes the first that fits.
	RequiredResources []ResourceSet

	WaitFor  []string
	WaitTime *time.Duration
	Retries  int

	// OnFinish maps an outcome key (a concrete outcome string, "failed", or
	// "default") to an ordered list of successor task ids, or the
	// RetrySuccessor sentinel.
	OnFinish map[string][]string

	// ParallelArg, if non-empty, is a template containing "%d"; its
	// presence signals fan-out over Parallelization units.
	ParallelArg     string
	Parallelization int

	// Runner is non-nil for a programmatic task (see TaskRunner).
	Runner TaskRunner
}

// IsProgrammatic reports whether this task schedules itself via Runner
// rather than being described by Command/InitArgs/RetryArgs.
func (t Task) IsProgrammatic() bool {
	return t.Runner != nil
}

// IsFanOut reports whether this task expands into Parallelization units at
// admission time (§4.7).
func (t Task) IsFanOut() bool {
	return t.ParallelArg != ""
}

// Successors returns this task's direct successor tasks, used for
// transitive traversal when adding it to a graph.Model. For a programmatic
// task it is whatever NextTasks declares; for a declarative task it is nil,
// and its successors are the ids returned by SuccessorIDs instead.
func (t Task) Successors() []Task {
	if t.IsProgrammatic() {
		return t.Runner.NextTasks()
	}
	return nil
}

// SuccessorIDs returns the declarative on_finish successor ids referenced
// by this task, excluding the "retry" sentinel, deduplicated but in first-
// seen order.
func (t Task) SuccessorIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ids := range t.OnFinish {
		for _, id := range ids {
			if id == RetrySuccessor {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
