package scheduler_test

import (
	"context"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/workflow-graph/internal/backend/memory"
	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/graph"
	"github.com/rezkam/workflow-graph/internal/ptr"
	"github.com/rezkam/workflow-graph/internal/scheduler"
)

// buildModel adds every task in tasks to a fresh graph.Model, resolving
// declarative successors against the same map.
func buildModel(t *testing.T, tasks map[string]domain.Task) *graph.Model {
	t.Helper()
	m := graph.New()
	lookup := func(id string) (domain.Task, bool) {
		task, ok := tasks[id]
		return task, ok
	}
	added := make(map[string]bool)
	for id, task := range tasks {
		if added[id] {
			continue
		}
		require.NoError(t, m.AddTask(task, lookup))
		for _, seen := range m.TaskIDs() {
			added[seen] = true
		}
	}
	return m
}

// driveToCompletion ticks s, finishing every newly-observed running job
// with "default" before the next tick, and returns the submission order
// (jobs admitted in the same tick are listed in sorted key order, the order
// the admission passes submit them in).
func driveToCompletion(t *testing.T, ctx context.Context, s *scheduler.Scheduler, be *memory.Backend) []string {
	t.Helper()
	var order []string
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		done, err := s.Tick(ctx)
		require.NoError(t, err)
		if done {
			return order
		}
		running := s.RunningSnapshot()
		keys := make([]string, 0, len(running))
		for key := range running {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			jobID := running[key]
			if seen[key] {
				continue
			}
			seen[key] = true
			order = append(order, key)
			be.SetOutcome(jobID, "default")
		}
	}
	t.Fatal("workflow did not complete")
	return nil
}

// Scenario 1: linear chain A -> B -> C, each succeeding with "default".
func TestLinearChain(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run", OnFinish: map[string][]string{"default": {"B"}}},
		"B": {TaskID: "B", Command: "run", OnFinish: map[string][]string{"default": {"C"}}},
		"C": {TaskID: "C", Command: "run"},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	order := driveToCompletion(t, context.Background(), s, be)
	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.Equal(t, 0, s.PendingLen())
	assert.Equal(t, 0, s.RunningLen())
}

// Scenario 2: diamond A -> {B, C} -> D, D.wait_for = [B, C].
func TestDiamond(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run", OnFinish: map[string][]string{"default": {"B", "C"}}},
		"B": {TaskID: "B", Command: "run", OnFinish: map[string][]string{"default": {"D"}}},
		"C": {TaskID: "C", Command: "run", OnFinish: map[string][]string{"default": {"D"}}},
		"D": {TaskID: "D", Command: "run", WaitFor: []string{"B", "C"}},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	order := driveToCompletion(t, context.Background(), s, be)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

// Scenario 3: resource contention, X and Y both require cpu:1, capacity 1.
func TestResourceContention(t *testing.T) {
	cpu1 := domain.ResourceSet{"cpu": big.NewRat(1, 1)}
	tasks := map[string]domain.Task{
		"X": {TaskID: "X", Command: "run", RequiredResources: []domain.ResourceSet{cpu1}},
		"Y": {TaskID: "Y", Command: "run", RequiredResources: []domain.ResourceSet{cpu1}},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"X", "Y"}))

	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.RunningLen(), "only one of X/Y should start while capacity is 1")
	assert.Equal(t, 1, s.PendingLen())
}

// Scenario 4: retry with budget. A has retries=2, on_finish.failed=[retry].
// Backend returns failed three times; A is submitted three times total,
// then dropped once the budget is exhausted.
func TestRetryWithBudget(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {
			TaskID:   "A",
			Command:  "run",
			Retries:  2,
			OnFinish: map[string][]string{"failed": {domain.RetrySuccessor}},
		},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	ctx := context.Background()
	submissions := 0
	for i := 0; i < 20; i++ {
		done, err := s.Tick(ctx)
		require.NoError(t, err)
		if done {
			break
		}
		for _, jobID := range s.RunningSnapshot() {
			submissions++
			be.SetOutcome(jobID, "failed")
		}
	}
	assert.Equal(t, 3, submissions)
	assert.Equal(t, 0, s.PendingLen())
	assert.Equal(t, 0, s.RunningLen())
}

// Scenario 5: fan-out. P expands into P_0, P_1, P_2; only unit 0 retains
// on_finish successor routing (bug-compatible semantics, §4.7 / §9), so Q
// becomes pending as soon as unit 0 finishes, while units 1/2 are still
// running; it is admitted only once those units have finished too, since
// they are part of its wait_for.
func TestFanOutUnitZeroIsRepresentative(t *testing.T) {
	tasks := map[string]domain.Task{
		"P": {
			TaskID:          "P",
			Command:         "run",
			InitArgs:        []string{"base"},
			ParallelArg:     "--shard=%d",
			Parallelization: 3,
			OnFinish:        map[string][]string{"default": {"Q"}},
		},
		"Q": {TaskID: "Q", Command: "run", WaitFor: []string{"P"}},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"P"}))

	ctx := context.Background()
	// Tick 1: Pass A expands P in place; with nothing running, Pass B then
	// admits all three units together (same origin, no deps, no resources).
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.RunningLen())
	assert.Equal(t, 0, s.PendingLen())

	// Tick 2: nothing has finished, so all three units are still running.
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, s.RunningLen())

	running := s.RunningSnapshot()
	require.Len(t, running, 3)
	require.Equal(t, 0, s.PendingLen())

	// Finish unit 0 only: its on_finish fires and adds Q as pending. Step
	// 3's edge rewrite would carry wait_for = {P_0, P_1, P_2}, but P_0 has
	// already finished by the time Q is created, so it drops out
	// immediately (no pending job starts out blocked on a completed job).
	be.SetOutcome(running["P_0"], "default")
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.PendingLen(), "Q should now be pending, blocked on the remaining units")
	assert.Equal(t, 2, s.RunningLen())

	// Q is not admitted yet: it still waits on P_1 and P_2.
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingLen())

	// Finishing units 1 and 2 clears Q's remaining wait_for; it is admitted
	// in the same tick that observes them finishing.
	be.SetOutcome(running["P_1"], "default")
	be.SetOutcome(running["P_2"], "default")
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.RunningLen(), "Q should have been admitted")
}

// Scenario 6: stalemate escape. M, N both wait_for={Z}, Z undeclared (stale
// resumed edge). Pass B admits the sorted-first one; since neither has a
// fan-out origin, the other is not co-promoted.
func TestStalemateEscapeAdmitsOnlySortedFirstWithoutSharedOrigin(t *testing.T) {
	tasks := map[string]domain.Task{
		"M": {TaskID: "M", Command: "run", WaitFor: []string{"Z"}},
		"N": {TaskID: "N", Command: "run", WaitFor: []string{"Z"}},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"M", "N"}))

	_, err = s.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.RunningLen())
	assert.Equal(t, 1, s.PendingLen())
}

// Scenario 7: cycle detection. U waits on V, V waits on U, both declared,
// nothing running: Pass A and Pass B are both blocked.
func TestDependencyCycleDetected(t *testing.T) {
	tasks := map[string]domain.Task{
		"U": {TaskID: "U", Command: "run", WaitFor: []string{"V"}},
		"V": {TaskID: "V", Command: "run", WaitFor: []string{"U"}},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"U", "V"}))

	_, err = s.Tick(context.Background())
	require.Error(t, err)
	var cycleErr *scheduler.DependencyCycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Stuck, "U")
	assert.Contains(t, cycleErr.Stuck, "V")
}

// Idempotence of completion: handling the same completed (key, job_id)
// twice is a no-op (the second observation finds it absent from running).
func TestCompletionHandlingIsIdempotent(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run"},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	ctx := context.Background()
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.RunningLen())

	for _, jobID := range s.RunningSnapshot() {
		be.SetOutcome(jobID, "default")
	}

	done, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

// wait_time is a lower bound: a pending job whose timer has not elapsed is
// not admitted even though it has no outstanding wait_for.
func TestWaitTimeIsLowerBound(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {TaskID: "A", Command: "run", WaitTime: ptr.To(1 * time.Hour)},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be, scheduler.WithStartedAt(time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.RunningLen())
	assert.Equal(t, 1, s.PendingLen())
}

// Invariant 6: fan-out divides resources exactly. P needs the whole cpu
// (capacity 1); each of its three units gets exactly 1/3, so all three fit
// into that capacity at the same time.
func TestFanOutResourceDivisionIsExact(t *testing.T) {
	cpu1 := domain.ResourceSet{"cpu": big.NewRat(1, 1)}
	tasks := map[string]domain.Task{
		"P": {
			TaskID:            "P",
			Command:           "run",
			ParallelArg:       "--shard=%d",
			Parallelization:   3,
			RequiredResources: []domain.ResourceSet{cpu1},
		},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be)
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"P"}))

	_, err = s.Tick(context.Background()) // expands P; Pass B admits all three units
	require.NoError(t, err)
	require.Equal(t, 0, s.PendingLen())

	_, err = s.Tick(context.Background()) // all three units still hold their share
	require.NoError(t, err)
	require.Equal(t, 3, s.RunningLen())
}

// WithExtraFailedOutcomes adds outcomes to the failed-outcome set: here an
// extra outcome routes through on_finish.failed, and the retried job is
// resubmitted in the same tick.
func TestExtraFailedOutcomesAreAdditive(t *testing.T) {
	tasks := map[string]domain.Task{
		"A": {
			TaskID:   "A",
			Command:  "run",
			Retries:  1,
			OnFinish: map[string][]string{"failed": {domain.RetrySuccessor}},
		},
	}
	model := buildModel(t, tasks)
	be := memory.New()
	s, err := scheduler.New("mgr", model, be, scheduler.WithExtraFailedOutcomes("custom_failure"))
	require.NoError(t, err)
	require.NoError(t, s.Seed([]string{"A"}))

	ctx := context.Background()
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	for _, jobID := range s.RunningSnapshot() {
		be.SetOutcome(jobID, "custom_failure")
	}
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RunningLen(), "custom_failure should have routed through on_finish.failed -> retry")
}
