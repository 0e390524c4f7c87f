package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReconcilerConfig controls the stale-run sweep.
type ReconcilerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter: an unfinished row with no heartbeat in this long is
	// presumed orphaned by a crashed process and is closed out.
	StaleAfter time.Duration
}

// DefaultReconcilerConfig returns a one-minute sweep interval and a
// two-minute staleness threshold.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   time.Minute,
		StaleAfter: 2 * time.Minute,
	}
}

// Reconcile closes out any unfinished row whose heartbeat (or, before its
// first heartbeat, its scheduled_at) is older than cfg.StaleAfter, reporting it with the "cancelled (stalled)" outcome (a
// member of the default failed-outcome set, so on_finish.failed routing
// still fires for it). This recovers from the backend process being killed
// and restarted while jobs it started were still running: on restart,
// Backend.running starts out empty, so os/exec can no longer be asked
// about those PIDs directly.
func (b *Backend) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-b.reconcilerStaleAfter()).UTC()
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET outcome = ?, finished = TRUE
		 WHERE finished = FALSE AND COALESCE(heartbeat_at, scheduled_at) < ?`,
		outcomeStalled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reconciling stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reconciled jobs: %w", err)
	}
	return int(n), nil
}

const outcomeStalled = "cancelled (stalled)"

// Run starts a periodic reconciliation loop; it returns when ctx is
// cancelled.
func (b *Backend) Run(ctx context.Context, cfg ReconcilerConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcilerConfig().Interval
	}
	b.setReconcilerStaleAfter(cfg.StaleAfter)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Reconcile(ctx); err != nil && err != sql.ErrConnDone {
				return err
			}
		}
	}
}

func (b *Backend) reconcilerStaleAfter() time.Duration {
	if b.staleAfter <= 0 {
		return DefaultReconcilerConfig().StaleAfter
	}
	return b.staleAfter
}

func (b *Backend) setReconcilerStaleAfter(d time.Duration) {
	b.staleAfter = d
}
