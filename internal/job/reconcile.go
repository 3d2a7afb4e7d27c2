package job

import (
	"context"
	"fmt"
)

// Reconcile fails every job the store still holds as queued or running.
// It runs once at origin start, before the bus subscriptions, so no live
// process can be backing those records.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	r.logger.Info("Performing crash recovery for orphaned jobs")

	stale, err := r.store.FindByStatus(ctx, []Status{StatusQueued, StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned jobs: %w", err)
	}
	if len(stale) == 0 {
		r.logger.Info("No orphaned jobs found.")
		return 0, nil
	}

	r.logger.Warn("Found orphaned jobs, marking failed", "count", len(stale))

	recovered := 0
	for _, j := range stale {
		r.adopt(j)
		r.logger.Warn(
			"Recovering orphaned job",
			"job_id", j.ID,
			"target_id", j.TargetID,
			"origin_id", j.OriginID,
			"status", j.Status,
		)
		if _, err := r.Transition(ctx, j.ID, StatusFailed, Update{Reason: ReasonOrphaned}); err != nil {
			r.logger.Error("Failed to recover orphaned job", "job_id", j.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
