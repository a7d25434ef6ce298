package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// lockTTL covers a maintenance run with margin. A run that outlives it may
// overlap with the next trigger of the same hour.
const lockTTL = 15 * time.Minute

// SubscriptionSyncer repairs entitlements that have not been compared with
// the payment provider recently.
type SubscriptionSyncer interface {
	SyncStale(ctx context.Context, now time.Time, staleness time.Duration, limit int) (int, error)
}

// Cleaner purges expired rows.
type Cleaner interface {
	PurgeEventLedger(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	PurgeSessions(ctx context.Context, now time.Time) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Options tunes the tasks.
type Options struct {
	Staleness       time.Duration
	BatchLimit      int
	LedgerRetention time.Duration
}

// Runner executes one maintenance task per call.
type Runner struct {
	Syncer     SubscriptionSyncer
	Cleanup    Cleaner
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	Options    Options
	Logger     *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// LockID is the job lock taken for task at reference time now. All
// triggers within the same UTC hour share it.
func LockID(task TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

// Run executes the task named in payload and returns a one-line summary.
//
//  1. Resolve the reference time.
//  2. Acquire the lock "task:hour"; a held lock skips the run.
//  3. Record job start in job_history.
//  4. Dispatch the task.
//  5. Record completion with status and item count.
func (r *Runner) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := r.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance task invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", r.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	if _, err := ParseTask(taskStr); err != nil {
		return "", err
	}

	lockID := LockID(payload.Task, now)
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock",
			"lock_id", lockID,
			"error", err,
		)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
			"lock_id", lockID,
		)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	// A history outage must not block billing repair; jobID 0 skips Finish.
	jobID, err := r.JobHistory.Start(ctx, taskStr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job history",
			"task", taskStr,
			"error", err,
		)
		jobID = 0
	}

	items, execErr := r.dispatch(ctx, payload.Task, now)

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if jobID != 0 {
		if finishErr := r.JobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"task", taskStr,
				"error", finishErr,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result,
		"task", taskStr,
		"items", items,
	)
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskSyncSubscriptions:
		return r.Syncer.SyncStale(ctx, now, r.Options.Staleness, r.Options.BatchLimit)

	case TaskPurgeEventLedger:
		return r.Cleanup.PurgeEventLedger(ctx, now, r.Options.LedgerRetention)

	case TaskPurgeSessions:
		return r.Cleanup.PurgeSessions(ctx, now)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
