// Package scheduler implements the orchestration engine: the pending and
// running state machines, dependency-satisfaction and resource-acquisition
// protocols, parallel fan-out, retry and cycle-detection logic, and the
// resume protocol. It is the only package in this repository that mutates
// workflow state; everything else (graph, backend) is read-only or
// external.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/rezkam/workflow-graph/internal/backend"
	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/graph"
	"github.com/rezkam/workflow-graph/internal/orderedmap"
)

// taskIDTagPrefix is a reserved tag prefix carrying the task id alongside a
// job's user-declared tags, so a persistent Backend can recover
// "manager_name/task_id" naming for LookupScheduledChildren (§4.8) without
// Schedule's signature itself taking a name argument.
const taskIDTagPrefix = "workflow_task_id="

var defaultFailedOutcomeSet = []string{
	"failed",
	"killed by oom",
	"cancelled",
	"cancel_timeout",
	"memusage_exceeded",
	"cancelled (stalled)",
}

// Scheduler owns every piece of mutable workflow state: the pending and
// running ordered maps, the resource ledger, and the retry/fan-out side
// tables. The declared graph it was constructed with is never mutated
// (§9 "Mutable in-place graph" / "Global mutable state").
type Scheduler struct {
	name    string
	graph   *graph.Model
	backend backend.Backend
	logger  *slog.Logger

	pending *orderedmap.Map[string, *domain.PendingJob]
	running *orderedmap.Map[string, string]

	ledger *resourceLedger

	// retryBudget is keyed by declared task id or fan-out unit id; it is
	// the scheduler's own mutable copy of Task.Retries, decremented on
	// every "retry" successor. The declared Task value itself never
	// changes (§9).
	retryBudget map[string]int

	// expandedUnits holds the synthesized per-unit tasks produced by fan-
	// out expansion, keyed by unit job key ("task_0", "task_1", ...).
	expandedUnits map[string]domain.Task
	// fanOutUnits maps an original fan-out task id to its ordered unit
	// job keys, once expanded.
	fanOutUnits map[string][]string
	// extraWaitFor records additional blocking edges introduced by fan-out
	// successor rewiring (§4.7 step 3 and the on_finish-removal rewrite),
	// keyed by the task id that must wait on the extra keys.
	extraWaitFor map[string][]string

	// completed records every job key that has ever finished, so a
	// successor created later from the same completion event (or any
	// later event) never starts out blocked on a dependency that is
	// already satisfied (§4.3 invariant 4: removal applies to the
	// declarative wait_for of every task, not just currently-pending
	// jobs).
	completed map[string]struct{}

	failedOutcomes   map[string]struct{}
	maxRunningJobs   int
	onlyStartingJobs bool

	startedAt time.Time
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithMaxRunningJobs caps the number of concurrently running jobs; zero (the
// default) means unbounded.
func WithMaxRunningJobs(n int) Option {
	return func(s *Scheduler) { s.maxRunningJobs = n }
}

// WithOnlyStartingJobs disables all on_finish routing: completion handling
// never adds a successor (§4.3, §6 --only-starting-jobs).
func WithOnlyStartingJobs() Option {
	return func(s *Scheduler) { s.onlyStartingJobs = true }
}

// WithExtraFailedOutcomes extends the built-in failed-outcome set.
func WithExtraFailedOutcomes(outcomes ...string) Option {
	return func(s *Scheduler) {
		for _, o := range outcomes {
			s.failedOutcomes[o] = struct{}{}
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithStartedAt fixes the workflow-start instant wait_time is relative to;
// tests use this for determinism instead of time.Now.
func WithStartedAt(t time.Time) Option {
	return func(s *Scheduler) { s.startedAt = t }
}

// New builds a Scheduler over model. Resource capacity is precomputed once,
// over the declared (pre-fan-out) task list, per §4.5/§9.
func New(name string, model *graph.Model, be backend.Backend, opts ...Option) (*Scheduler, error) {
	if model.Empty() {
		return nil, domain.ErrEmptyGraph
	}

	declared := make([]domain.Task, 0, model.Len())
	for _, id := range model.TaskIDs() {
		t, _ := model.Task(id)
		declared = append(declared, t)
	}

	s := &Scheduler{
		name:          name,
		graph:         model,
		backend:       be,
		logger:        slog.Default(),
		pending:       orderedmap.New[string, *domain.PendingJob](),
		running:       orderedmap.New[string, string](),
		ledger:        newResourceLedger(capacityFromDeclaredTasks(declared)),
		retryBudget:   make(map[string]int, len(declared)),
		expandedUnits: make(map[string]domain.Task),
		fanOutUnits:   make(map[string][]string),
		extraWaitFor:  make(map[string][]string),
		completed:     make(map[string]struct{}),
		failedOutcomes: func() map[string]struct{} {
			m := make(map[string]struct{}, len(defaultFailedOutcomeSet))
			for _, o := range defaultFailedOutcomeSet {
				m[o] = struct{}{}
			}
			return m
		}(),
	}
	for _, t := range declared {
		s.retryBudget[t.TaskID] = t.Retries
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Seed adds the given declared task ids as the initial pending set
// (--starting-job) and records the workflow start instant used for
// wait_time, unless WithStartedAt already fixed it.
func (s *Scheduler) Seed(startingTaskIDs []string) error {
	for _, id := range startingTaskIDs {
		if _, ok := s.resolveTask(id); !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
		}
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	for _, id := range startingTaskIDs {
		s.addFreshPending(id)
	}
	return nil
}

// Submit implements domain.JobSubmitter for programmatic tasks.
func (s *Scheduler) Submit(ctx context.Context, cmd []string, tags []string, units, projectID string) (string, error) {
	return s.backend.Schedule(ctx, cmd, tags, units, projectID)
}

// PendingLen and RunningLen expose state for the driver loop's logging and
// for tests; the scheduler does not otherwise leak its internal maps.
func (s *Scheduler) PendingLen() int { return s.pending.Len() }
func (s *Scheduler) RunningLen() int { return s.running.Len() }

// RunningSnapshot returns a copy of the job_key -> backend job id map, for
// tests that need to drive a fake backend's outcomes.
func (s *Scheduler) RunningSnapshot() map[string]string {
	out := make(map[string]string, s.running.Len())
	for _, key := range s.running.Keys() {
		if jobID, ok := s.running.Get(key); ok {
			out[key] = jobID
		}
	}
	return out
}

// Tick performs one iteration of the §4.2 protocol: check running jobs,
// then (if pending jobs remain) run pending jobs, else signal completion
// when nothing is running either.
func (s *Scheduler) Tick(ctx context.Context) (done bool, err error) {
	if err := s.checkRunningJobs(ctx); err != nil {
		return false, err
	}
	if s.pending.Len() > 0 {
		if err := s.runPendingJobs(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	if s.running.Len() == 0 {
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) resolveTask(id string) (domain.Task, bool) {
	if t, ok := s.expandedUnits[id]; ok {
		return t, true
	}
	return s.graph.Task(id)
}

func (s *Scheduler) waitTimeElapsed(pj *domain.PendingJob) bool {
	if pj.WaitTime == nil {
		return true
	}
	return time.Since(s.startedAt) >= *pj.WaitTime
}

func (s *Scheduler) isFailedOutcome(outcome string) bool {
	_, ok := s.failedOutcomes[outcome]
	return ok
}

// initialWaitFor resolves a task's declared wait_for list into the runtime
// blocking set for a fresh pending job: any id that has since been fan-out
// expanded is replaced by all of its units (§4.7 step 3), any extra edges
// recorded by successor rewiring are unioned in, and any key that has
// already completed is dropped — a successor born from the very completion
// event of one of its own dependencies (e.g. a fan-out unit 0 routing to a
// downstream task that also waits on unit 0) must not start out blocked on
// a job that will never be seen finishing again.
func (s *Scheduler) initialWaitFor(declared []string, taskID string) map[string]struct{} {
	out := make(map[string]struct{}, len(declared))
	for _, id := range declared {
		if units, ok := s.fanOutUnits[id]; ok {
			for _, u := range units {
				if _, done := s.completed[u]; !done {
					out[u] = struct{}{}
				}
			}
			continue
		}
		if _, done := s.completed[id]; done {
			continue
		}
		out[id] = struct{}{}
	}
	for _, extra := range s.extraWaitFor[taskID] {
		if _, done := s.completed[extra]; done {
			continue
		}
		out[extra] = struct{}{}
	}
	return out
}

func (s *Scheduler) addFreshPending(taskID string) {
	task, ok := s.resolveTask(taskID)
	if !ok {
		s.logger.Warn("on_finish references undeclared task", "task", taskID)
		return
	}
	s.pending.Set(taskID, &domain.PendingJob{
		JobKey:            taskID,
		WaitFor:           s.initialWaitFor(task.WaitFor, taskID),
		RequiredResources: domain.CloneResourceSets(task.RequiredResources),
		WaitTime:          task.WaitTime,
	})
}

// checkRunningJobs implements §4.3: query the backend for every running
// job, in insertion order, and route finished ones through completion
// handling.
func (s *Scheduler) checkRunningJobs(ctx context.Context) error {
	for _, key := range s.running.Keys() {
		jobID, ok := s.running.Get(key)
		if !ok {
			// Already handled earlier in this same pass; idempotence.
			continue
		}
		outcome, stillRunning, err := s.backend.Status(ctx, jobID)
		if err != nil {
			return fmt.Errorf("checking status of %q: %w", key, err)
		}
		if stillRunning {
			continue
		}
		s.handleCompletion(key, outcome)
	}
	return nil
}

func (s *Scheduler) handleCompletion(key, outcome string) {
	s.running.Delete(key)
	s.ledger.release(key)
	s.completed[key] = struct{}{}

	// Invariant 4: no pending job may keep waiting on a job that just
	// finished, even if it was never a declared successor.
	for _, pk := range s.pending.Keys() {
		pj, ok := s.pending.Get(pk)
		if !ok {
			continue
		}
		delete(pj.WaitFor, key)
	}

	for _, succ := range s.computeSuccessors(key, outcome) {
		if succ == domain.RetrySuccessor {
			s.retryTask(key)
			continue
		}
		if s.pending.Has(succ) {
			s.logger.Debug("successor already pending, skipping", "task", succ, "from", key)
			continue
		}
		s.addFreshPending(succ)
	}
}

func (s *Scheduler) computeSuccessors(key, outcome string) []string {
	if s.onlyStartingJobs {
		return nil
	}
	task, ok := s.resolveTask(key)
	if !ok {
		return nil
	}
	if succ, ok := task.OnFinish[outcome]; ok {
		return succ
	}
	if s.isFailedOutcome(outcome) {
		if succ, ok := task.OnFinish[domain.OutcomeFailed]; ok {
			return succ
		}
	}
	if succ, ok := task.OnFinish[domain.OutcomeDefault]; ok {
		return succ
	}
	return nil
}

func (s *Scheduler) retryTask(key string) {
	budget := s.retryBudget[key]
	if budget <= 0 {
		s.logger.Warn("retry budget exhausted, dropping task", "task", key)
		return
	}
	s.retryBudget[key] = budget - 1

	task, ok := s.resolveTask(key)
	if !ok {
		return
	}
	s.pending.Set(key, &domain.PendingJob{
		JobKey:            key,
		WaitFor:           make(map[string]struct{}),
		Retries:           1,
		RequiredResources: domain.CloneResourceSets(task.RequiredResources),
		WaitTime:          task.WaitTime,
	})
}

// runPendingJobs implements §4.4's two admission passes.
func (s *Scheduler) runPendingJobs(ctx context.Context) error {
	if err := s.runPassA(ctx); err != nil {
		return err
	}

	if s.pending.Len() == 0 || s.running.Len() > 0 {
		return nil
	}
	if s.anyLiveWaitTime() {
		return nil
	}
	return s.runPassB(ctx)
}

func (s *Scheduler) anyLiveWaitTime() bool {
	for _, key := range s.pending.Keys() {
		pj, ok := s.pending.Get(key)
		if !ok {
			continue
		}
		if pj.WaitTime != nil && !s.waitTimeElapsed(pj) {
			return true
		}
	}
	return false
}

func (s *Scheduler) runPassA(ctx context.Context) error {
	for _, key := range orderedmap.SortedStringKeys(s.pending) {
		if s.maxRunningJobs > 0 && s.running.Len() >= s.maxRunningJobs {
			return nil
		}
		pj, ok := s.pending.Get(key)
		if !ok {
			continue // removed by an earlier fan-out expansion this pass
		}
		task, ok := s.resolveTask(key)
		if !ok {
			continue
		}
		if task.IsFanOut() {
			if _, already := s.fanOutUnits[key]; !already {
				s.expandFanOut(key, task, pj)
				continue
			}
		}
		if pj.HasOutstandingWaitFor() {
			continue
		}
		if !s.waitTimeElapsed(pj) {
			continue
		}
		if err := s.admitTask(ctx, key, task, pj); err != nil {
			return err
		}
	}
	return nil
}

// runPassB implements the stalemate escape (§4.4). It is only called when
// Pass A left pending non-empty, running empty, and no pending job gated
// on a live wait_time.
func (s *Scheduler) runPassB(ctx context.Context) error {
	startedAny := false
	firstOrigin := ""

	for _, key := range orderedmap.SortedStringKeys(s.pending) {
		if s.maxRunningJobs > 0 && s.running.Len() >= s.maxRunningJobs {
			break
		}
		pj, ok := s.pending.Get(key)
		if !ok {
			continue
		}
		if startedAny && (firstOrigin == "" || pj.Origin != firstOrigin) {
			continue
		}
		if !s.allBlockersUnknown(pj) {
			continue
		}
		task, ok := s.resolveTask(key)
		if !ok {
			continue
		}
		if task.IsFanOut() {
			if _, already := s.fanOutUnits[key]; !already {
				s.expandFanOut(key, task, pj)
				continue
			}
		}
		started, err := s.tryAdmit(ctx, key, task, pj)
		if err != nil {
			return err
		}
		if started {
			if !startedAny {
				firstOrigin = pj.Origin
			}
			startedAny = true
		}
	}

	if !startedAny && s.running.Len() == 0 {
		return s.dependencyCycleError()
	}
	return nil
}

func (s *Scheduler) allBlockersUnknown(pj *domain.PendingJob) bool {
	for blocker := range pj.WaitFor {
		if s.pending.Has(blocker) {
			return false
		}
	}
	return true
}

func (s *Scheduler) dependencyCycleError() error {
	stuck := make(map[string][]string, s.pending.Len())
	for _, key := range s.pending.Keys() {
		pj, ok := s.pending.Get(key)
		if !ok {
			continue
		}
		waits := pj.WaitForKeys()
		sort.Strings(waits)
		stuck[key] = waits
	}
	return &DependencyCycleError{Stuck: stuck}
}

// admitTask attempts to acquire resources and submit key; it never returns
// a "not eligible" signal distinctly from "started=false, err=nil" because
// by the time it is called (Pass A after the wait_for/wait_time checks,
// or Pass B after the blocker-unknown check) only resource acquisition can
// still fail.
func (s *Scheduler) admitTask(ctx context.Context, key string, task domain.Task, pj *domain.PendingJob) error {
	_, err := s.tryAdmit(ctx, key, task, pj)
	return err
}

func (s *Scheduler) tryAdmit(ctx context.Context, key string, task domain.Task, pj *domain.PendingJob) (bool, error) {
	if _, ok := s.ledger.tryAcquire(key, pj.RequiredResources); !ok {
		return false, nil
	}

	jobID, err := s.execute(ctx, task, pj.Retries > 0)
	if err != nil {
		s.ledger.release(key)
		return false, &SubmissionError{JobKey: key, Err: err}
	}
	if jobID == "" {
		// The backend declined to schedule: the job stays pending.
		s.ledger.release(key)
		return false, nil
	}

	s.running.Set(key, jobID)
	s.pending.Delete(key)
	return true, nil
}

// execute implements §4.6: assemble the command line and call the backend,
// or, for a programmatic task, delegate to its Runner.
func (s *Scheduler) execute(ctx context.Context, task domain.Task, retry bool) (string, error) {
	if task.IsProgrammatic() {
		return task.Runner.Run(ctx, s, retry)
	}
	args := task.InitArgs
	if retry && task.RetryArgs != nil {
		args = task.RetryArgs
	}
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, task.Command)
	cmd = append(cmd, args...)
	// A persistent backend needs the task id to reconstruct
	// "manager_name/task_id" child naming for the resume protocol (§4.8),
	// but Schedule itself carries no name parameter, so it travels as a
	// reserved tag instead.
	tags := append(append([]string{}, task.Tags...), taskIDTagPrefix+task.TaskID)
	return s.backend.Schedule(ctx, cmd, tags, task.Units, task.ProjectID)
}

// expandFanOut implements §4.7: synthesize N unit tasks from task the first
// time it becomes pending, rewire successor wait_for edges, and replace
// the original pending entry with the unit pending entries.
func (s *Scheduler) expandFanOut(origID string, task domain.Task, parent *domain.PendingJob) {
	n := task.Parallelization
	if n < 1 {
		n = 1
	}
	factor := big.NewRat(1, int64(n))
	units := make([]string, n)

	for i := 0; i < n; i++ {
		unitID := fmt.Sprintf("%s_%d", origID, i)
		units[i] = unitID

		unitTask := task
		unitTask.TaskID = unitID
		unitTask.ParallelArg = ""
		unitTask.InitArgs = appendFormatted(task.InitArgs, task.ParallelArg, i)
		if task.RetryArgs != nil {
			unitTask.RetryArgs = appendFormatted(task.RetryArgs, task.ParallelArg, i)
		}
		unitTask.RequiredResources = make([]domain.ResourceSet, len(task.RequiredResources))
		for j, set := range task.RequiredResources {
			unitTask.RequiredResources[j] = set.ScaleBy(factor)
		}

		if i == 0 {
			unitTask.OnFinish = copyOnFinish(task.OnFinish)
		} else {
			unitTask.OnFinish = s.emptyNonRetrySuccessors(task.OnFinish, unitID)
		}

		s.expandedUnits[unitID] = unitTask
		s.retryBudget[unitID] = task.Retries
	}
	s.fanOutUnits[origID] = units

	for _, unitID := range units {
		s.pending.Set(unitID, &domain.PendingJob{
			JobKey:            unitID,
			WaitFor:           cloneWaitForSet(parent.WaitFor),
			Retries:           parent.Retries,
			RequiredResources: s.expandedUnits[unitID].RequiredResources,
			WaitTime:          parent.WaitTime,
			Origin:            origID,
		})
	}
	s.pending.Delete(origID)

	// §4.7 step 3: any other task whose declared wait_for mentions origID
	// gets that single edge replaced by all N unit edges. Already-pending
	// records must be patched directly since their wait_for snapshot was
	// taken before expansion happened.
	for _, key := range s.pending.Keys() {
		pj, ok := s.pending.Get(key)
		if !ok {
			continue
		}
		if _, has := pj.WaitFor[origID]; has {
			delete(pj.WaitFor, origID)
			for _, u := range units {
				pj.WaitFor[u] = struct{}{}
			}
		}
	}
}

// emptyNonRetrySuccessors builds unit i>0's on_finish table: outcome keys
// whose only successor is the "retry" sentinel are kept verbatim; real
// successors are dropped from the table and instead recorded as extra
// wait_for edges on the successor itself, so downstream tasks still wait
// for this unit even though it no longer triggers them (§4.7).
func (s *Scheduler) emptyNonRetrySuccessors(onFinish map[string][]string, unitID string) map[string][]string {
	kept := make(map[string][]string)
	for outcome, successors := range onFinish {
		var retained []string
		for _, succ := range successors {
			if succ == domain.RetrySuccessor {
				retained = append(retained, succ)
				continue
			}
			s.addExtraWaitFor(succ, unitID)
		}
		if len(retained) > 0 {
			kept[outcome] = retained
		}
	}
	return kept
}

// addExtraWaitFor records that successorID must also wait for unitID. If
// successorID has itself already been fan-out expanded, the edge is added
// to every one of its units instead (§4.7: "if the successor itself is
// fan-out-expanded, add task_id_i to every unit of it").
func (s *Scheduler) addExtraWaitFor(successorID, unitID string) {
	if units, ok := s.fanOutUnits[successorID]; ok {
		for _, u := range units {
			s.extraWaitFor[u] = append(s.extraWaitFor[u], unitID)
			if pj, has := s.pending.Get(u); has {
				pj.WaitFor[unitID] = struct{}{}
			}
		}
		return
	}
	s.extraWaitFor[successorID] = append(s.extraWaitFor[successorID], unitID)
	if pj, ok := s.pending.Get(successorID); ok {
		pj.WaitFor[unitID] = struct{}{}
	}
}

func appendFormatted(args []string, template string, i int) []string {
	out := make([]string, len(args), len(args)+1)
	copy(out, args)
	return append(out, fmt.Sprintf(template, i))
}

func copyOnFinish(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneWaitForSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
