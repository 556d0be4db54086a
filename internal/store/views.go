package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncView is an account with its latest job and that job's snapshot,
// read from one snapshot of the database.
type SyncView struct {
	Account  *Account
	Job      *Job
	Snapshot *ProgressSnapshot
}

// SyncView loads the polling view of an account. Job and Snapshot are nil
// when the account never synced or no page has been recorded yet.
func (s *Store) SyncView(ctx context.Context, accountID string) (*SyncView, error) {
	tx, err := s.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	view := &SyncView{Account: acct}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs WHERE account_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest job: %w", err)
	}
	view.Job = job

	snap, err := scanSnapshot(tx.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM progress_snapshots WHERE job_id = ?`, job.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	view.Snapshot = snap
	return view, nil
}
