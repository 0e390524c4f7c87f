package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyCycleError is raised from Pass B when no forward progress is
// possible: pending is non-empty, running is empty, and stalemate escape
// started nothing (§4.4, §7). It enumerates every pending job and its
// outstanding waits so a user can see the stuck edges.
type DependencyCycleError struct {
	Stuck map[string][]string // job_key -> sorted wait_for keys
}

func (e *DependencyCycleError) Error() string {
	keys := make([]string, 0, len(e.Stuck))
	for k := range e.Stuck {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("job dependency cycle detected:")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s waits_for=%v;", k, e.Stuck[k])
	}
	return strings.TrimSuffix(b.String(), ";")
}

// SubmissionError wraps a failure from Backend.Schedule during admission.
// Resources acquired for the same attempt have already been released by
// the time this is returned (§5, §7).
type SubmissionError struct {
	JobKey string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting job %q: %v", e.JobKey, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ResumeMismatchError is returned when a resumed manager's recorded child
// jobs belong to a different manager name than this one (§4.8 step 2).
type ResumeMismatchError struct {
	Expected string
	Got      string
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("resume: child job manager name %q does not match this manager %q", e.Got, e.Expected)
}
