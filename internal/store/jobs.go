package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, account_id, kind, status, processed, total, cursor, delta_cursor, lineage_started_at,
	resumed_from, added, updated, deleted, error, started_at, updated_at, finished_at`

// CreateJob inserts a pending job and moves the account to pending in one
// transaction. It fails with ErrActiveJob if the account already has a
// pending or running job.
func (s *Store) CreateJob(ctx context.Context, job *Job, ev *Event) error {
	now := s.now()
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	if job.LineageStartedAt.IsZero() {
		job.LineageStartedAt = job.StartedAt
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_jobs (id, account_id, kind, status, processed, total, cursor, delta_cursor,
				lineage_started_at, resumed_from, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, job.AccountID, string(job.Kind), string(job.Status), job.Processed, job.Total,
			nullString(job.Cursor), nullString(job.DeltaCursor), toMillis(job.LineageStartedAt),
			nullString(job.ResumedFrom), toMillis(job.StartedAt), toMillis(job.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveJob
			}
			return fmt.Errorf("failed to insert job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				sync_state = CASE WHEN sync_state = 'auth_expired' THEN sync_state ELSE ? END,
				last_error = CASE WHEN sync_state = 'auth_expired' THEN last_error ELSE NULL END,
				updated_at = ?
			WHERE id = ?
		`, string(job.Status), toMillis(now), job.AccountID)
		if err != nil {
			return fmt.Errorf("failed to update account state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return appendEventTx(ctx, tx, ev, now)
	})
}

// JobTransition describes a status change applied atomically to a job,
// its account and its progress snapshot.
type JobTransition struct {
	JobID     string
	AccountID string
	Status    Status
	Error     string
	// Total replaces the job total when set.
	Total *int64
	// ClearCursor drops the resume cursor (completed jobs, rejected cursors).
	ClearCursor bool
	// FullSyncDone stamps last_full_sync_at and promotes the job's delta
	// checkpoint to the account.
	FullSyncDone bool
	// Snapshot replaces the stored snapshot; when nil only its status changes.
	Snapshot *ProgressSnapshot
	Event    *Event
}

// TransitionJob persists job status, account sync_state and the snapshot
// status together so pollers never see them disagree. An auth_expired
// account keeps its state and error; only MarkReconnected clears it.
func (s *Store) TransitionJob(ctx context.Context, t JobTransition) error {
	now := s.now()
	var finished sql.NullInt64
	if t.Status.Terminal() {
		finished = sql.NullInt64{Int64: toMillis(now), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET
				status = ?,
				error = ?,
				total = COALESCE(?, total),
				cursor = CASE WHEN ? THEN NULL ELSE cursor END,
				updated_at = ?,
				finished_at = COALESCE(?, finished_at)
			WHERE id = ?
		`, string(t.Status), nullString(t.Error), nullInt64Ptr(t.Total), t.ClearCursor, toMillis(now), finished, t.JobID)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if t.FullSyncDone {
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					sync_state = CASE WHEN sync_state = 'auth_expired' THEN sync_state ELSE ? END,
					last_error = CASE WHEN sync_state = 'auth_expired' THEN last_error ELSE ? END,
					last_full_sync_at = ?,
					last_delta_cursor = COALESCE((SELECT delta_cursor FROM sync_jobs WHERE id = ?), last_delta_cursor),
					updated_at = ?
				WHERE id = ?
			`, string(t.Status), nullString(t.Error), toMillis(now), t.JobID, toMillis(now), t.AccountID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					sync_state = CASE WHEN sync_state = 'auth_expired' THEN sync_state ELSE ? END,
					last_error = CASE WHEN sync_state = 'auth_expired' THEN last_error ELSE ? END,
					updated_at = ?
				WHERE id = ?
			`, string(t.Status), nullString(t.Error), toMillis(now), t.AccountID)
		}
		if err != nil {
			return fmt.Errorf("failed to update account state: %w", err)
		}

		if t.Snapshot != nil {
			if err := upsertSnapshotTx(ctx, tx, *t.Snapshot, now); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `
			UPDATE progress_snapshots SET status = ?, updated_at = ? WHERE job_id = ?
		`, string(t.Status), toMillis(now), t.JobID); err != nil {
			return fmt.Errorf("failed to update snapshot status: %w", err)
		}

		return appendEventTx(ctx, tx, t.Event, now)
	})
}

// SaveProgress records a finished page: the next cursor, counters and the
// recomputed snapshot.
func (s *Store) SaveProgress(ctx context.Context, jobID, cursor string, processed, total int64, snap ProgressSnapshot) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET cursor = ?, processed = ?, total = ?, updated_at = ? WHERE id = ?
		`, nullString(cursor), processed, total, toMillis(now), jobID); err != nil {
			return fmt.Errorf("failed to update job progress: %w", err)
		}
		return upsertSnapshotTx(ctx, tx, snap, now)
	})
}

// SaveSnapshot persists a snapshot without touching the job row
func (s *Store) SaveSnapshot(ctx context.Context, snap ProgressSnapshot) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertSnapshotTx(ctx, tx, snap, now)
	})
}

func upsertSnapshotTx(ctx context.Context, tx *sql.Tx, snap ProgressSnapshot, now time.Time) error {
	var eta sql.NullFloat64
	if snap.ETASeconds != nil {
		eta = sql.NullFloat64{Float64: *snap.ETASeconds, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO progress_snapshots (job_id, account_id, status, processed, total, percentage, rate, eta_seconds, phase, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			total = excluded.total,
			percentage = excluded.percentage,
			rate = excluded.rate,
			eta_seconds = excluded.eta_seconds,
			phase = excluded.phase,
			updated_at = excluded.updated_at
	`, snap.JobID, snap.AccountID, string(snap.Status), snap.Processed, snap.Total, snap.Percentage, snap.Rate, eta, snap.Phase, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `job_id, account_id, status, processed, total, percentage, rate, eta_seconds, phase, updated_at`

// GetSnapshot loads the persisted snapshot of a job
func (s *Store) GetSnapshot(ctx context.Context, jobID string) (*ProgressSnapshot, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM progress_snapshots WHERE job_id = ?`, jobID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (*ProgressSnapshot, error) {
	var (
		snap    ProgressSnapshot
		status  string
		eta     sql.NullFloat64
		updated int64
	)
	if err := row.Scan(&snap.JobID, &snap.AccountID, &status, &snap.Processed, &snap.Total, &snap.Percentage,
		&snap.Rate, &eta, &snap.Phase, &updated); err != nil {
		return nil, err
	}
	snap.Status = Status(status)
	if eta.Valid {
		v := eta.Float64
		snap.ETASeconds = &v
	}
	snap.UpdatedAt = fromMillis(updated)
	return &snap, nil
}

// GetJob loads a job by id
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// LatestJob returns the most recently started job of the given kind for an
// account; an empty kind matches any.
func (s *Store) LatestJob(ctx context.Context, accountID string, kind JobKind) (*Job, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE account_id = ? AND (? = '' OR kind = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, accountID, string(kind), string(kind))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load latest job: %w", err)
	}
	return job, nil
}

// FailInterruptedJobs marks every pending or running job failed, keeping
// its cursor so it can be resumed. Used at boot, when no job can be live.
func (s *Store) FailInterruptedJobs(ctx context.Context, reason string) ([]Job, error) {
	var jobs []Job
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE status IN ('pending', 'running')`)
		if err != nil {
			return fmt.Errorf("failed to query active jobs: %w", err)
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job: %w", err)
			}
			jobs = append(jobs, *job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range jobs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sync_jobs SET status = 'failed', error = ?, updated_at = ?, finished_at = ? WHERE id = ?
			`, reason, toMillis(now), toMillis(now), job.ID); err != nil {
				return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE accounts SET
					sync_state = CASE WHEN sync_state = 'auth_expired' THEN sync_state ELSE 'failed' END,
					last_error = CASE WHEN sync_state = 'auth_expired' THEN last_error ELSE ? END,
					updated_at = ?
				WHERE id = ?
			`, reason, toMillis(now), job.AccountID); err != nil {
				return fmt.Errorf("failed to update account %s: %w", job.AccountID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE progress_snapshots SET status = 'failed', updated_at = ? WHERE job_id = ?
			`, toMillis(now), job.ID); err != nil {
				return fmt.Errorf("failed to update snapshot %s: %w", job.ID, err)
			}
		}
		return nil
	})
	return jobs, err
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		kind        string
		status      string
		cursor      sql.NullString
		deltaCursor sql.NullString
		lineage     int64
		resumedFrom sql.NullString
		jobErr      sql.NullString
		started     int64
		updated     int64
		finished    sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.AccountID, &kind, &status, &job.Processed, &job.Total, &cursor, &deltaCursor,
		&lineage, &resumedFrom, &job.Added, &job.Updated, &job.Deleted, &jobErr, &started, &updated, &finished); err != nil {
		return nil, err
	}
	job.Kind = JobKind(kind)
	job.Status = Status(status)
	job.Cursor = cursor.String
	job.DeltaCursor = deltaCursor.String
	job.LineageStartedAt = fromMillis(lineage)
	job.ResumedFrom = resumedFrom.String
	job.Error = jobErr.String
	job.StartedAt = fromMillis(started)
	job.UpdatedAt = fromMillis(updated)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
