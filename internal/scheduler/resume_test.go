package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflow-graph/internal/backend/memory"
	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/scheduler"
)

// Resume reconstructs the pending set of a prior run: A and B already ran
// (each recorded as R's scheduled children), so resuming should skip both
// and recurse all the way to B's declared successor C, leaving C as the
// only pending job.
func TestResumeSkipsAlreadyRanTasks(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run", OnFinish: map[string][]string{"default": {"B"}}},
		"B": {TaskID: "B", Command: "run", OnFinish: map[string][]string{"default": {"C"}}},
		"C": {TaskID: "C", Command: "run"},
	}
	model := buildModel(t, tasks)
	be := memory.New()

	ctx := context.Background()
	selfID, err := be.ScheduleNamed(ctx, "", "mgr/self", []string{"run", "self"})
	require.NoError(t, err)
	_, err = be.ScheduleNamed(ctx, selfID, "mgr/A", []string{"run"})
	require.NoError(t, err)
	_, err = be.ScheduleNamed(ctx, selfID, "mgr/B", []string{"run"})
	require.NoError(t, err)

	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)

	require.NoError(t, s.Resume(ctx, selfID, []string{"A"}))
	assert.Equal(t, 1, s.PendingLen())

	order := driveToCompletion(t, ctx, s, be)
	assert.Equal(t, []string{"C"}, order)
}

// A resumed manager whose recorded children belong to a different manager
// name is a fatal mismatch, never silently ignored.
func TestResumeMismatchedManagerName(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run"},
	}
	model := buildModel(t, tasks)
	be := memory.New()

	ctx := context.Background()
	selfID, err := be.ScheduleNamed(ctx, "", "other-mgr/self", []string{"run", "self"})
	require.NoError(t, err)
	_, err = be.ScheduleNamed(ctx, selfID, "other-mgr/A", []string{"run"})
	require.NoError(t, err)

	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)

	err = s.Resume(ctx, selfID, []string{"A"})
	require.Error(t, err)
	var mismatch *scheduler.ResumeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "mgr", mismatch.Expected)
	assert.Equal(t, "other-mgr", mismatch.Got)
}

// When --starting-job is not given on the CLI, the starting set is
// recovered from the resumed job's own recorded command line.
func TestResumeRecoversStartingSetFromCommandLine(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run"},
	}
	model := buildModel(t, tasks)
	be := memory.New()

	ctx := context.Background()
	selfID, err := be.ScheduleNamed(ctx, "", "mgr/self",
		[]string{"workflow-driver", "--starting-job=A", "--manager-name=mgr"})
	require.NoError(t, err)

	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)

	require.NoError(t, s.Resume(ctx, selfID, nil))
	assert.Equal(t, 1, s.PendingLen())
}
