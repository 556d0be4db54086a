package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const messageColumns = `account_id, message_id, thread_id, version, subject, snippet, from_email, from_name, from_domain,
	labels_json, category, size_bytes, is_unread, is_starred, is_trash, is_spam, is_important, has_attachments,
	internal_date, synced_at, unsubscribe_link`

// UpsertResult counts how a batch landed
type UpsertResult struct {
	Inserted int64
	Updated  int64
}

// UpsertMessages writes a batch keyed by (account, message id). Rewriting
// a message replaces its row and its label set.
func (s *Store) UpsertMessages(ctx context.Context, msgs []Message) (UpsertResult, error) {
	var res UpsertResult
	if len(msgs) == 0 {
		return res, nil
	}
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := upsertMessagesTx(ctx, tx, msgs, now)
		res = r
		return err
	})
	return res, err
}

func upsertMessagesTx(ctx context.Context, tx *sql.Tx, msgs []Message, now time.Time) (UpsertResult, error) {
	var res UpsertResult

	existsStmt, err := tx.PrepareContext(ctx, `SELECT 1 FROM messages WHERE account_id = ? AND message_id = ?`)
	if err != nil {
		return res, fmt.Errorf("failed to prepare lookup: %w", err)
	}
	defer existsStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			version = excluded.version,
			subject = excluded.subject,
			snippet = excluded.snippet,
			from_email = excluded.from_email,
			from_name = excluded.from_name,
			from_domain = excluded.from_domain,
			labels_json = excluded.labels_json,
			category = excluded.category,
			size_bytes = excluded.size_bytes,
			is_unread = excluded.is_unread,
			is_starred = excluded.is_starred,
			is_trash = excluded.is_trash,
			is_spam = excluded.is_spam,
			is_important = excluded.is_important,
			has_attachments = excluded.has_attachments,
			internal_date = excluded.internal_date,
			synced_at = excluded.synced_at,
			unsubscribe_link = excluded.unsubscribe_link
	`)
	if err != nil {
		return res, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer upsertStmt.Close()

	for i := range msgs {
		m := &msgs[i]
		if m.SyncedAt.IsZero() {
			m.SyncedAt = now
		}
		if m.Category == "" {
			m.Category = "primary"
		}
		if m.Labels == nil {
			m.Labels = []string{}
		}
		labelsJSON, err := json.Marshal(m.Labels)
		if err != nil {
			return res, fmt.Errorf("failed to encode labels: %w", err)
		}

		var one int
		existed := true
		if err := existsStmt.QueryRowContext(ctx, m.AccountID, m.MessageID).Scan(&one); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return res, fmt.Errorf("failed to look up message: %w", err)
			}
			existed = false
		}

		var unsub sql.NullString
		if m.UnsubscribeLink != nil {
			unsub = sql.NullString{String: *m.UnsubscribeLink, Valid: true}
		}
		if _, err := upsertStmt.ExecContext(ctx,
			m.AccountID, m.MessageID, m.ThreadID, m.Version, m.Subject, m.Snippet, m.FromEmail, m.FromName, m.FromDomain,
			string(labelsJSON), m.Category, m.SizeBytes, boolInt(m.IsUnread), boolInt(m.IsStarred), boolInt(m.IsTrash),
			boolInt(m.IsSpam), boolInt(m.IsImportant), boolInt(m.HasAttachments),
			toMillis(m.InternalDate), toMillis(m.SyncedAt), unsub,
		); err != nil {
			return res, fmt.Errorf("failed to upsert message %s: %w", m.MessageID, err)
		}

		if err := replaceLabelsTx(ctx, tx, m.AccountID, m.MessageID, m.Labels); err != nil {
			return res, err
		}

		if existed {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}

func replaceLabelsTx(ctx context.Context, tx *sql.Tx, accountID, messageID string, labels []string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_labels WHERE account_id = ? AND message_id = ?
	`, accountID, messageID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, label := range labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_labels (account_id, message_id, label) VALUES (?, ?, ?)
		`, accountID, messageID, label); err != nil {
			return fmt.Errorf("failed to insert label: %w", err)
		}
	}
	return nil
}

// MessageSyncInfo returns version and synced_at for those ids already mirrored
func (s *Store) MessageSyncInfo(ctx context.Context, accountID string, ids []string) (map[string]SyncInfo, error) {
	out := make(map[string]SyncInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, accountID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT message_id, version, synced_at FROM messages
		WHERE account_id = ? AND message_id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			info     SyncInfo
			syncedAt int64
		)
		if err := rows.Scan(&id, &info.Version, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync info: %w", err)
		}
		info.SyncedAt = fromMillis(syncedAt)
		out[id] = info
	}
	return out, rows.Err()
}

// GetMessage loads one mirrored message
func (s *Store) GetMessage(ctx context.Context, accountID, messageID string) (*Message, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID)
	m, err := ScanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return m, nil
}

// CountMessages returns the number of mirrored messages of an account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ?
	`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// DeltaResult is what ApplyDelta did
type DeltaResult struct {
	Added   int64
	Updated int64
	Deleted int64
}

// ApplyDelta upserts changed messages, removes deleted ones, advances the
// account's delta checkpoint and completes the delta job, all in one
// transaction. Deleting an id that is not mirrored is not counted. event,
// if set, builds the outbox entry from the final counts.
func (s *Store) ApplyDelta(ctx context.Context, jobID, accountID string, upserts []Message, deletes []string, nextCursor string, event func(DeltaResult) *Event) (DeltaResult, error) {
	var res DeltaResult
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		up, err := upsertMessagesTx(ctx, tx, upserts, now)
		if err != nil {
			return err
		}
		res.Added = up.Inserted
		res.Updated = up.Updated

		n, err := deleteMessagesTx(ctx, tx, accountID, deletes)
		if err != nil {
			return err
		}
		res.Deleted = n

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				sync_state = CASE WHEN sync_state = 'auth_expired' THEN sync_state ELSE 'completed' END,
				last_error = CASE WHEN sync_state = 'auth_expired' THEN last_error ELSE NULL END,
				last_delta_cursor = COALESCE(?, last_delta_cursor), updated_at = ?
			WHERE id = ?
		`, nullString(nextCursor), toMillis(now), accountID); err != nil {
			return fmt.Errorf("failed to advance delta cursor: %w", err)
		}

		processed := res.Added + res.Updated + res.Deleted
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET status = 'completed', processed = ?, total = ?, added = ?, updated = ?, deleted = ?,
				delta_cursor = ?, updated_at = ?, finished_at = ?
			WHERE id = ?
		`, processed, processed, res.Added, res.Updated, res.Deleted, nullString(nextCursor),
			toMillis(now), toMillis(now), jobID); err != nil {
			return fmt.Errorf("failed to complete delta job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE progress_snapshots SET status = 'completed', processed = ?, total = ?, percentage = 100,
				rate = 0, eta_seconds = NULL, phase = 'done', updated_at = ?
			WHERE job_id = ?
		`, processed, processed, toMillis(now), jobID); err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}

		if event == nil {
			return nil
		}
		return appendEventTx(ctx, tx, event(res), now)
	})
	return res, err
}

// MarkTrashed flags messages as trashed locally: is_trash set, TRASH label
// added and INBOX removed. Returns how many rows changed.
func (s *Store) MarkTrashed(ctx context.Context, accountID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var labelsJSON string
			err := tx.QueryRowContext(ctx, `
				SELECT labels_json FROM messages WHERE account_id = ? AND message_id = ?
			`, accountID, id).Scan(&labelsJSON)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load labels: %w", err)
			}

			var labels []string
			if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
				return fmt.Errorf("failed to decode labels: %w", err)
			}
			labels = trashLabels(labels)
			encoded, err := json.Marshal(labels)
			if err != nil {
				return fmt.Errorf("failed to encode labels: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET is_trash = 1, labels_json = ? WHERE account_id = ? AND message_id = ?
			`, string(encoded), accountID, id); err != nil {
				return fmt.Errorf("failed to mark trashed: %w", err)
			}
			if err := replaceLabelsTx(ctx, tx, accountID, id, labels); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func trashLabels(labels []string) []string {
	out := make([]string, 0, len(labels)+1)
	hasTrash := false
	for _, l := range labels {
		switch l {
		case "INBOX":
			continue
		case "TRASH":
			hasTrash = true
		}
		out = append(out, l)
	}
	if !hasTrash {
		out = append(out, "TRASH")
	}
	return out
}

// DeleteMessages removes messages and their labels. Returns how many
// messages existed.
func (s *Store) DeleteMessages(ctx context.Context, accountID string, ids []string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = deleteMessagesTx(ctx, tx, accountID, ids)
		return err
	})
	return n, err
}

func deleteMessagesTx(ctx context.Context, tx *sql.Tx, accountID string, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE account_id = ? AND message_id = ?
		`, accountID, id)
		if err != nil {
			return n, fmt.Errorf("failed to delete message %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM message_labels WHERE account_id = ? AND message_id = ?
		`, accountID, id); err != nil {
			return n, fmt.Errorf("failed to delete labels of %s: %w", id, err)
		}
	}
	return n, nil
}

// ScanMessage scans a row selected with the full message column list
func ScanMessage(row rowScanner) (*Message, error) {
	var (
		m            Message
		labelsJSON   string
		unread       int
		starred      int
		trash        int
		spam         int
		important    int
		attachments  int
		internalDate int64
		syncedAt     int64
		unsub        sql.NullString
	)
	if err := row.Scan(&m.AccountID, &m.MessageID, &m.ThreadID, &m.Version, &m.Subject, &m.Snippet,
		&m.FromEmail, &m.FromName, &m.FromDomain, &labelsJSON, &m.Category, &m.SizeBytes,
		&unread, &starred, &trash, &spam, &important, &attachments,
		&internalDate, &syncedAt, &unsub); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &m.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	m.IsUnread = unread == 1
	m.IsStarred = starred == 1
	m.IsTrash = trash == 1
	m.IsSpam = spam == 1
	m.IsImportant = important == 1
	m.HasAttachments = attachments == 1
	m.InternalDate = fromMillis(internalDate)
	m.SyncedAt = fromMillis(syncedAt)
	if unsub.Valid {
		link := unsub.String
		m.UnsubscribeLink = &link
	}
	return &m, nil
}

// MessageColumns is the column list ScanMessage expects, for callers that
// build their own queries over the messages table.
func MessageColumns() string {
	return messageColumns
}
