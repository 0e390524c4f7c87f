package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/rezkam/workflow-graph/internal/backend"
)

// taskIDTag must match scheduler.taskIDTagPrefix: the reserved tag prefix
// scheduler.execute appends to every job's tag list so a persistent backend
// can recover "manager_name/task_id" naming for the resume protocol (§4.8)
// without the Schedule signature itself carrying a name parameter (the
// interface mirrors the real job platform's schedule(command, tags, units,
// project) call, which has no name argument either).
const taskIDTag = "workflow_task_id="

// SetIdentity records this process's own manager name and backend job id
// (the id the outer job platform assigned to this very invocation), so
// Schedule can record parent/child relationships for LookupScheduledChildren.
// An empty selfJobID is valid for a fresh (non-resumed) run: children are
// still recorded, just with no parent to look them up by later.
func (b *Backend) SetIdentity(managerName, selfJobID string) {
	b.managerName = managerName
	b.selfJobID = selfJobID
}

type runningJob struct {
	cmd *exec.Cmd
}

// Schedule implements backend.Backend: it inserts a job row, then starts
// the command as a detached subprocess and reaps it in the background.
func (b *Backend) Schedule(ctx context.Context, cmd []string, tags []string, units, projectID string) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("sqlite backend: empty command")
	}
	jobID := uuid.NewString()

	cmdJSON, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshaling command: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshaling tags: %w", err)
	}

	childName := b.childName(tags)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		_, execErr := b.db.ExecContext(ctx,
			`INSERT INTO jobs (job_id, parent_job_id, child_name, cmd, tags, units, project_id, scheduled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, nullableString(b.selfJobID), nullableString(childName), string(cmdJSON), string(tagsJSON), units, projectID, time.Now().UTC(),
		)
		if execErr == nil {
			return struct{}{}, nil
		}
		if isTransient(execErr) {
			return struct{}{}, Transient(execErr)
		}
		return struct{}{}, backoff.Permanent(execErr)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return "", fmt.Errorf("recording job: %w", err)
	}

	b.startProcess(jobID, cmd)
	return jobID, nil
}

// childName extracts the "manager/task_id" name from the reserved tag the
// scheduler appends to every task's tag list, or "" if absent (programmatic
// tasks that submit through Submit directly may not set it).
func (b *Backend) childName(tags []string) string {
	for _, t := range tags {
		if taskID, ok := strings.CutPrefix(t, taskIDTag); ok {
			return b.managerName + "/" + taskID
		}
	}
	return ""
}

// startProcess launches cmd in the background against a context independent
// of the caller's, since the job must outlive a single Tick call, and
// records its exit as the job's outcome once it finishes.
func (b *Backend) startProcess(jobID string, cmd []string) {
	c := exec.Command(cmd[0], cmd[1:]...)
	b.mu.Lock()
	b.running[jobID] = &runningJob{cmd: c}
	b.mu.Unlock()

	if err := c.Start(); err != nil {
		b.recordOutcome(jobID, c.Process, outcomeFailed)
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	go b.runHeartbeat(heartbeatCtx, jobID)

	go func() {
		waitErr := c.Wait()
		stopHeartbeat()
		outcome := outcomeDefault
		if waitErr != nil {
			outcome = outcomeFailed
		}
		b.recordOutcome(jobID, c.Process, outcome)
		b.mu.Lock()
		delete(b.running, jobID)
		b.mu.Unlock()
	}()
}

// runHeartbeat periodically refreshes jobID's heartbeat_at while it is
// running, so the reconciler can tell a live job apart from one orphaned by
// a crashed process (§9 "Distributed coordination" non-goal: this backend
// is still a single process, but it may restart).
func (b *Backend) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = b.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ? WHERE job_id = ? AND finished = FALSE`,
				time.Now().UTC(), jobID)
		}
	}
}

const heartbeatInterval = 10 * time.Second

const (
	outcomeDefault = "default"
	outcomeFailed  = "failed"
)

func (b *Backend) recordOutcome(jobID string, proc *exec.Process, outcome string) {
	ctx := context.Background()
	pid := 0
	if proc != nil {
		pid = proc.Pid
	}
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		_, execErr := b.db.ExecContext(ctx,
			`UPDATE jobs SET outcome = ?, finished = TRUE, pid = ?, heartbeat_at = ? WHERE job_id = ?`,
			outcome, pid, time.Now().UTC(), jobID,
		)
		if execErr == nil {
			return struct{}{}, nil
		}
		if isTransient(execErr) {
			return struct{}{}, Transient(execErr)
		}
		return struct{}{}, backoff.Permanent(execErr)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}

// Status implements backend.Backend.
func (b *Backend) Status(ctx context.Context, jobID string) (string, bool, error) {
	var outcome sql.NullString
	var finished bool
	err := b.db.QueryRowContext(ctx,
		`SELECT outcome, finished FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&outcome, &finished)
	if err != nil {
		return "", false, fmt.Errorf("querying job %q: %w", jobID, err)
	}
	if !finished {
		return "", true, nil
	}
	return outcome.String, false, nil
}

// LookupScheduledChildren implements backend.Backend.
func (b *Backend) LookupScheduledChildren(ctx context.Context, parentJobID string) ([]backend.ChildJob, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT job_id, child_name FROM jobs WHERE parent_job_id = ? ORDER BY scheduled_at ASC`, parentJobID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying children of %q: %w", parentJobID, err)
	}
	defer rows.Close()

	var out []backend.ChildJob
	for i := 0; rows.Next(); i++ {
		var jobID string
		var name sql.NullString
		if err := rows.Scan(&jobID, &name); err != nil {
			return nil, fmt.Errorf("scanning child row: %w", err)
		}
		out = append(out, backend.ChildJob{Index: i, Name: name.String, JobID: jobID})
	}
	return out, rows.Err()
}

// JobCommandLine implements backend.Backend.
func (b *Backend) JobCommandLine(ctx context.Context, jobID string) ([]string, error) {
	var cmdJSON string
	err := b.db.QueryRowContext(ctx, `SELECT cmd FROM jobs WHERE job_id = ?`, jobID).Scan(&cmdJSON)
	if err != nil {
		return nil, fmt.Errorf("querying command line of %q: %w", jobID, err)
	}
	var cmd []string
	if err := json.Unmarshal([]byte(cmdJSON), &cmd); err != nil {
		return nil, fmt.Errorf("decoding command line of %q: %w", jobID, err)
	}
	return cmd, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isTransient classifies sqlite/postgres lock-contention errors as
// retryable. Both drivers surface busy/lock errors as plain string-matching
// error values rather than typed sentinels worth importing a dependency
// for, so a substring check is the pragmatic boundary here.
func isTransient(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"database is locked", "SQLITE_BUSY", "deadlock detected", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
