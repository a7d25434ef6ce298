package db

import (
	"context"
	"time"

	"stratplan/internal/types"
)

// JobLockRepository hands out time-boxed maintenance locks through the
// job_locks table so that concurrent invocations of the same billing task
// within one window run at most once.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire inserts or reclaims the lock row lockID. It returns false while
// another worker holds an unexpired lock under the same id.
//
// The expiry is computed in Go; Go duration strings ("15m0s") are not valid
// Postgres intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tag, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// JobRun is one job_history row.
type JobRun struct {
	ID         int64
	JobType    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Items      int
	Error      string
}

// JobHistoryRepository records maintenance task runs in job_history.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start opens a 'running' row for jobType and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := conn(ctx, r.db).QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish closes run id with status ('success' or 'failed'), the number of
// items handled and jobErr's message if any.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Recent returns the latest runs, newest first. An empty jobType matches
// every task.
func (r *JobHistoryRepository) Recent(ctx context.Context, jobType string, limit int) ([]JobRun, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT id, job_type, started_at, finished_at, status, items_count, error
		 FROM job_history
		 WHERE $1 = '' OR job_type = $1
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`,
		jobType,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job history", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			run    JobRun
			items  *int
			errMsg *string
		)
		if err := rows.Scan(&run.ID, &run.JobType, &run.StartedAt, &run.FinishedAt, &run.Status, &items, &errMsg); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job history", err)
		}
		if items != nil {
			run.Items = *items
		}
		run.Error = derefString(errMsg)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job history", err)
	}
	return runs, nil
}
