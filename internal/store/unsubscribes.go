package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Unsubscribe is a sender the user has marked as unsubscribed
type Unsubscribe struct {
	SenderEmail string
	SenderName  string
}

// MarkUnsubscribed records a sender. The bool is false if the sender was
// already marked; the original mark is kept.
func (s *Store) MarkUnsubscribed(ctx context.Context, accountID, senderEmail, senderName string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO unsubscribes (account_id, sender_email, sender_name, marked_at)
		VALUES (?, ?, ?, ?)
	`, accountID, senderEmail, senderName, toMillis(s.now()))
	if err != nil {
		return false, fmt.Errorf("failed to mark unsubscribed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkUnsubscribedBatch records several senders in one transaction and
// returns how many were newly marked.
func (s *Store) MarkUnsubscribedBatch(ctx context.Context, accountID string, senders []Unsubscribe) (int, error) {
	marked := 0
	now := toMillis(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range senders {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO unsubscribes (account_id, sender_email, sender_name, marked_at)
				VALUES (?, ?, ?, ?)
			`, accountID, u.SenderEmail, u.SenderName, now)
			if err != nil {
				return fmt.Errorf("failed to mark unsubscribed: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				marked++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// IsUnsubscribed reports whether a sender was marked
func (s *Store) IsUnsubscribed(ctx context.Context, accountID, senderEmail string) (bool, error) {
	var n int
	if err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM unsubscribes WHERE account_id = ? AND sender_email = ?
	`, accountID, senderEmail).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query unsubscribes: %w", err)
	}
	return n > 0, nil
}
