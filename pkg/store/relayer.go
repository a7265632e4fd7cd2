package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speedrun-hq/paygate/pkg/models"
)

const jobColumns = `id, subscription_id, job_type, status, run_at, attempts, last_error, payload, created_at, updated_at`

// FetchDueJobs lists pending jobs of the given type whose run_at is not after now, oldest first.
func (s *Store) FetchDueJobs(ctx context.Context, jobType models.JobType, now time.Time, limit int) ([]*models.RelayerJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM relayer_jobs
WHERE job_type = $1 AND status = 'pending' AND run_at <= $2
ORDER BY run_at ASC
LIMIT $3`, string(jobType), now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.RelayerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob atomically moves a due pending job to running and increments its attempts.
// It returns models.ErrConflict when another worker claimed or rescheduled the job first.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (*models.RelayerJob, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE relayer_jobs
SET status = 'running', attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status = 'pending' AND run_at <= $2
RETURNING `+jobColumns, id, now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrConflict
		}
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	return job, nil
}

// EnqueueJob schedules a new job. ID is assigned when empty.
func (s *Store) EnqueueJob(ctx context.Context, job *models.RelayerJob) error {
	return insertJob(ctx, s.pool, job)
}

// MarkJobSucceeded completes a running job, records the success event and applies the charge
// to the subscription, all in one transaction.
func (s *Store) MarkJobSucceeded(ctx context.Context, job *models.RelayerJob, receipt *models.ChargeReceipt) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := finishJob(ctx, tx, job.ID, models.JobSucceeded, nil); err != nil {
			return err
		}
		if err := insertJobEvent(ctx, tx, job, models.JobResultSucceeded, &receipt.TxID, nil); err != nil {
			return err
		}

		var lastBlock *int64
		if receipt.ChargedAtBlock != nil {
			b := int64(*receipt.ChargedAtBlock)
			lastBlock = &b
		}
		_, err := tx.Exec(ctx, `
UPDATE autopay_subscriptions
SET last_tx_id = $2,
    last_error = NULL,
    escrow_balance = GREATEST(escrow_balance - $3, 0),
    last_charge_block = COALESCE($4, last_charge_block),
    next_charge_block = $5,
    updated_at = now()
WHERE id = $1`, job.SubscriptionID, receipt.TxID, receipt.Charged, lastBlock, int64(receipt.NextChargeBlock))
		if err != nil {
			return fmt.Errorf("store: update subscription after charge: %w", err)
		}

		if receipt.NextJob != nil {
			if err := insertJob(ctx, tx, receipt.NextJob); err != nil {
				return err
			}
		}
		for _, n := range receipt.Notifications {
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkJobFailed terminally fails a running job, records the failure event and the
// subscription's last error, and queues any notifications.
func (s *Store) MarkJobFailed(ctx context.Context, job *models.RelayerJob, reason string, notes []*models.NotificationQueueEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := finishJob(ctx, tx, job.ID, models.JobFailed, &reason); err != nil {
			return err
		}
		if err := insertJobEvent(ctx, tx, job, models.JobResultFailed, nil, &reason); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE autopay_subscriptions SET last_error = $2, updated_at = now() WHERE id = $1`,
			job.SubscriptionID, reason)
		if err != nil {
			return fmt.Errorf("store: record subscription error: %w", err)
		}
		for _, n := range notes {
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// RescheduleJob returns a running job to pending at runAt and records a retry event.
func (s *Store) RescheduleJob(ctx context.Context, job *models.RelayerJob, runAt time.Time, reason string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE relayer_jobs
SET status = 'pending', run_at = $2, last_error = $3, updated_at = now()
WHERE id = $1 AND status = 'running'`, job.ID, runAt, reason)
		if err != nil {
			return fmt.Errorf("store: reschedule job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrConflict
		}
		return insertJobEvent(ctx, tx, job, models.JobResultRetry, nil, &reason)
	})
}

// RequeueStaleJobs returns jobs stuck in running since before cutoff to pending,
// recording a retry event for each. It returns the number of jobs requeued.
func (s *Store) RequeueStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
WITH stale AS (
    UPDATE relayer_jobs
    SET status = 'pending', last_error = $2, updated_at = now()
    WHERE status = 'running' AND updated_at < $1
    RETURNING id, subscription_id
)
INSERT INTO relayer_job_events (job_id, subscription_id, result, error)
SELECT id, subscription_id, 'retry', $2 FROM stale`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobEvents returns the audit trail for a job in insertion order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]*models.RelayerJobEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, COALESCE(subscription_id, ''), result, tx_id, error, created_at
FROM relayer_job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list job events: %w", err)
	}
	defer rows.Close()

	var events []*models.RelayerJobEvent
	for rows.Next() {
		var (
			e      models.RelayerJobEvent
			result string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.SubscriptionID, &result, &e.TxID, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job event: %w", err)
		}
		e.Result = models.JobResult(result)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetJob returns a job by id, or models.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*models.RelayerJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM relayer_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return job, nil
}

func finishJob(ctx context.Context, tx pgx.Tx, id string, status models.JobStatus, lastError *string) error {
	tag, err := tx.Exec(ctx, `
UPDATE relayer_jobs SET status = $2, last_error = $3, updated_at = now()
WHERE id = $1 AND status = 'running'`, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("store: mark job %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func insertJobEvent(ctx context.Context, tx pgx.Tx, job *models.RelayerJob, result models.JobResult, txID, errMsg *string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO relayer_job_events (job_id, subscription_id, result, tx_id, error)
VALUES ($1, NULLIF($2, ''), $3, $4, $5)`, job.ID, job.SubscriptionID, string(result), txID, errMsg)
	if err != nil {
		return fmt.Errorf("store: insert job event: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, q queryer, job *models.RelayerJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.JobType == "" {
		job.JobType = models.JobTypeCharge
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := q.Exec(ctx, `
INSERT INTO relayer_jobs (id, subscription_id, job_type, status, run_at, attempts, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.SubscriptionID, string(job.JobType), string(job.Status), job.RunAt, job.Attempts, payload)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.RelayerJob, error) {
	var (
		j       models.RelayerJob
		jobType string
		status  string
		payload []byte
	)
	err := row.Scan(&j.ID, &j.SubscriptionID, &jobType, &status, &j.RunAt, &j.Attempts, &j.LastError, &payload, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.JobType = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	j.Payload = payload
	return &j, nil
}
