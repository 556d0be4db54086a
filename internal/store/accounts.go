package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

const accountColumns = `id, email, provider, sync_state, last_full_sync_at, last_delta_cursor, last_error, created_at, updated_at`

// EnsureAccount creates the account row if missing. An empty email or
// provider leaves the stored value untouched.
func (s *Store) EnsureAccount(ctx context.Context, id, email string, provider providers.ProviderName) (*Account, error) {
	if provider == "" {
		provider = providers.ProviderGoogle
	}
	now := toMillis(s.now())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, email, provider, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, 'idle', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE accounts.email END,
			updated_at = excluded.updated_at
	`, id, email, string(provider), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return s.GetAccount(ctx, id)
}

// GetAccount loads an account
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.readDB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

// SetAccountState updates sync_state and last_error outside of a job transition
func (s *Store) SetAccountState(ctx context.Context, id string, state Status, lastError string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_state = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(state), nullString(lastError), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update account state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDeltaCursor forgets the account's delta checkpoint
func (s *Store) ClearDeltaCursor(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET last_delta_cursor = NULL, updated_at = ? WHERE id = ?
	`, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to clear delta cursor: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acct        Account
		provider    string
		state       string
		lastFull    sql.NullInt64
		deltaCursor sql.NullString
		lastError   sql.NullString
		created     int64
		updated     int64
	)
	if err := row.Scan(&acct.ID, &acct.Email, &provider, &state, &lastFull, &deltaCursor, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	acct.Provider = providers.ProviderName(provider)
	acct.SyncState = Status(state)
	if lastFull.Valid {
		t := fromMillis(lastFull.Int64)
		acct.LastFullSyncAt = &t
	}
	acct.LastDeltaCursor = deltaCursor.String
	acct.LastError = lastError.String
	acct.CreatedAt = fromMillis(created)
	acct.UpdatedAt = fromMillis(updated)
	return &acct, nil
}
