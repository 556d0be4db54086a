// Package stats aggregates mailbox statistics from the mirror
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailmirror/internal/store"
)

const (
	mb5  = 5 << 20
	mb10 = 10 << 20
)

// Bucket is a message count with its total size
type Bucket struct {
	Count     int64 `json:"count"`
	SizeBytes int64 `json:"sizeBytes"`
}

// SizeStats counts large messages and storage use. Storage covers every
// mirrored message; the large-message counts exclude trash and spam.
type SizeStats struct {
	Over5MB           int64 `json:"over5MB"`
	Over10MB          int64 `json:"over10MB"`
	TotalStorageBytes int64 `json:"totalStorageBytes"`
	TrashStorageBytes int64 `json:"trashStorageBytes"`
}

// AgeStats counts old messages, excluding trash and spam
type AgeStats struct {
	OlderThan1Year  int64 `json:"olderThan1Year"`
	OlderThan2Years int64 `json:"olderThan2Years"`
}

// CleanupStats covers messages that are safe to suggest for deletion:
// not trash, spam, starred or important.
type CleanupStats struct {
	Total           Bucket            `json:"total"`
	Categories      map[string]Bucket `json:"categories"`
	OlderThan1Year  Bucket            `json:"olderThan1Year"`
	OlderThan2Years Bucket            `json:"olderThan2Years"`
	Over5MB         Bucket            `json:"over5MB"`
	Over10MB        Bucket            `json:"over10MB"`
}

// QuickStats is a point-in-time summary of one account's mirror
type QuickStats struct {
	TotalEmails     int64            `json:"totalEmails"`
	UnreadCount     int64            `json:"unreadCount"`
	Categories      map[string]int64 `json:"categories"`
	Size            SizeStats        `json:"size"`
	Age             AgeStats         `json:"age"`
	DistinctSenders int64            `json:"distinctSenders"`
	Trash           Bucket           `json:"trash"`
	Spam            Bucket           `json:"spam"`
	CleanupReady    CleanupStats     `json:"cleanupReady"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// Aggregator computes QuickStats
type Aggregator struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Aggregator {
	return &Aggregator{store: st, now: time.Now}
}

// Quick computes the account's statistics inside one read transaction so
// every figure describes the same mirror state.
func (a *Aggregator) Quick(ctx context.Context, accountID string) (*QuickStats, error) {
	now := a.now()
	yearAgo := now.AddDate(-1, 0, 0).UnixMilli()
	twoYearsAgo := now.AddDate(-2, 0, 0).UnixMilli()

	tx, err := a.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	qs := &QuickStats{
		Categories:   map[string]int64{},
		CleanupReady: CleanupStats{Categories: map[string]Bucket{}},
		GeneratedAt:  now,
	}
	cr := &qs.CleanupReady

	// live: not trash, not spam; ready: live and not starred or important
	err = tx.QueryRowContext(ctx, `
		WITH m AS (
			SELECT size_bytes, internal_date, is_unread, is_trash, is_spam,
				(is_trash = 0 AND is_spam = 0) AS live,
				(is_trash = 0 AND is_spam = 0 AND is_starred = 0 AND is_important = 0) AS ready
			FROM messages WHERE account_id = ?
		)
		SELECT
			COALESCE(SUM(live), 0),
			COALESCE(SUM(live AND is_unread = 1), 0),
			COALESCE(SUM(live AND size_bytes > ?), 0),
			COALESCE(SUM(live AND size_bytes > ?), 0),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(live AND internal_date < ?), 0),
			COALESCE(SUM(live AND internal_date < ?), 0),
			COALESCE(SUM(is_trash), 0),
			COALESCE(SUM(CASE WHEN is_trash = 1 THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(is_spam), 0),
			COALESCE(SUM(CASE WHEN is_spam = 1 THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(ready), 0),
			COALESCE(SUM(CASE WHEN ready THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(ready AND internal_date < ?), 0),
			COALESCE(SUM(CASE WHEN ready AND internal_date < ? THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(ready AND internal_date < ?), 0),
			COALESCE(SUM(CASE WHEN ready AND internal_date < ? THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(ready AND size_bytes > ?), 0),
			COALESCE(SUM(CASE WHEN ready AND size_bytes > ? THEN size_bytes ELSE 0 END), 0),
			COALESCE(SUM(ready AND size_bytes > ?), 0),
			COALESCE(SUM(CASE WHEN ready AND size_bytes > ? THEN size_bytes ELSE 0 END), 0)
		FROM m
	`, accountID, mb5, mb10, yearAgo, twoYearsAgo,
		yearAgo, yearAgo, twoYearsAgo, twoYearsAgo, mb5, mb5, mb10, mb10,
	).Scan(
		&qs.TotalEmails, &qs.UnreadCount,
		&qs.Size.Over5MB, &qs.Size.Over10MB, &qs.Size.TotalStorageBytes,
		&qs.Age.OlderThan1Year, &qs.Age.OlderThan2Years,
		&qs.Trash.Count, &qs.Trash.SizeBytes, &qs.Spam.Count, &qs.Spam.SizeBytes,
		&cr.Total.Count, &cr.Total.SizeBytes,
		&cr.OlderThan1Year.Count, &cr.OlderThan1Year.SizeBytes,
		&cr.OlderThan2Years.Count, &cr.OlderThan2Years.SizeBytes,
		&cr.Over5MB.Count, &cr.Over5MB.SizeBytes,
		&cr.Over10MB.Count, &cr.Over10MB.SizeBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate messages: %w", err)
	}
	qs.Size.TrashStorageBytes = qs.Trash.SizeBytes

	rows, err := tx.QueryContext(ctx, `
		SELECT category,
			COUNT(*),
			COALESCE(SUM(is_starred = 0 AND is_important = 0), 0),
			COALESCE(SUM(CASE WHEN is_starred = 0 AND is_important = 0 THEN size_bytes ELSE 0 END), 0)
		FROM messages
		WHERE account_id = ? AND is_trash = 0 AND is_spam = 0
		GROUP BY category
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category string
			count    int64
			ready    Bucket
		)
		if err := rows.Scan(&category, &count, &ready.Count, &ready.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		qs.Categories[category] = count
		if ready.Count > 0 {
			cr.Categories[category] = ready
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT from_email) FROM messages
		WHERE account_id = ? AND is_trash = 0 AND is_spam = 0 AND from_email <> ''
	`, accountID).Scan(&qs.DistinctSenders); err != nil {
		return nil, fmt.Errorf("failed to count senders: %w", err)
	}

	return qs, nil
}
