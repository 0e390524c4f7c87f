package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rezkam/workflow-graph/internal/domain"
)

// startingJobFlag matches --starting-job=X or --starting-job X as two
// consecutive argv tokens, mirroring the source's
// re.compile("--starting-job(?:=(.+))?") applied token by token.
const startingJobFlag = "--starting-job"

// Resume implements §4.8: reconstruct the pending set of a prior run from
// the backend's own job history rather than local state.
//
// cliStartingJobs, if non-empty, overrides recovering the starting set
// from the resumed job's recorded command line.
func (s *Scheduler) Resume(ctx context.Context, resumeFromJobID string, cliStartingJobs []string) error {
	children, err := s.backend.LookupScheduledChildren(ctx, resumeFromJobID)
	if err != nil {
		return fmt.Errorf("resume: looking up scheduled children of %q: %w", resumeFromJobID, err)
	}

	alreadyRan := make(map[string]string, len(children))
	for _, child := range children {
		managerName, taskID, ok := splitChildName(child.Name)
		if !ok {
			continue
		}
		if managerName != s.name {
			return &ResumeMismatchError{Expected: s.name, Got: managerName}
		}
		alreadyRan[taskID] = child.JobID
	}

	startingSet := cliStartingJobs
	if len(startingSet) == 0 {
		cmd, err := s.backend.JobCommandLine(ctx, resumeFromJobID)
		if err != nil {
			return fmt.Errorf("resume: recovering starting set from %q: %w", resumeFromJobID, err)
		}
		startingSet = parseStartingJobFlags(cmd)
	}

	for _, taskID := range startingSet {
		if _, ok := s.resolveTask(taskID); !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownTask, taskID)
		}
	}
	for _, taskID := range startingSet {
		s.resumeTask(taskID, alreadyRan)
	}
	return nil
}

// resumeTask implements §4.8 step 5: a task that already ran recurses into
// its declared successors (skipping the completed portion of the graph); a
// task that has not yet run becomes an initial pending job.
func (s *Scheduler) resumeTask(taskID string, alreadyRan map[string]string) {
	if _, ran := alreadyRan[taskID]; ran {
		task, ok := s.resolveTask(taskID)
		if !ok {
			return
		}
		for _, succID := range task.SuccessorIDs() {
			s.resumeTask(succID, alreadyRan)
		}
		return
	}
	s.addFreshPending(taskID)
}

// splitChildName splits a "manager_name/task_id" child job name.
func splitChildName(name string) (managerName, taskID string, ok bool) {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// parseStartingJobFlags scans a recorded command line for every
// --starting-job=X or --starting-job X occurrence, in order.
func parseStartingJobFlags(cmd []string) []string {
	var out []string
	for i := 0; i < len(cmd); i++ {
		arg := cmd[i]
		if value, ok := strings.CutPrefix(arg, startingJobFlag+"="); ok {
			out = append(out, value)
			continue
		}
		if arg == startingJobFlag && i+1 < len(cmd) {
			out = append(out, cmd[i+1])
			i++
		}
	}
	return out
}
