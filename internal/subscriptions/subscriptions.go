// Package subscriptions groups mirrored mail by sender and records
// unsubscribe marks.
package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Martian-dev/mailmirror/internal/store"
)

var (
	ErrInvalidSender = errors.New("sender email is required")
	ErrInvalidQuery  = errors.New("invalid subscriptions query")
)

// Subscription aggregates the non-trash, non-spam mail of one sender
type Subscription struct {
	SenderEmail     string    `json:"senderEmail"`
	SenderName      string    `json:"senderName"`
	Count           int64     `json:"count"`
	TotalSizeBytes  int64     `json:"totalSizeBytes"`
	FirstEmailDate  time.Time `json:"firstEmailDate"`
	LatestEmailDate time.Time `json:"latestEmailDate"`
	UnsubscribeLink *string   `json:"unsubscribeLink"`
	IsUnsubscribed  bool      `json:"isUnsubscribed"`
}

// Sort orders subscriptions
type Sort string

const (
	SortCount  Sort = "count"
	SortSize   Sort = "size"
	SortLatest Sort = "latest"
	SortName   Sort = "name"
)

var orderBy = map[Sort]string{
	SortCount:  "cnt DESC, sender_email ASC",
	SortSize:   "total_size DESC, sender_email ASC",
	SortLatest: "latest_date DESC, sender_email ASC",
	SortName:   "LOWER(sender_name) ASC, sender_email ASC",
}

// Filter narrows the sender list
type Filter struct {
	Search             string `form:"search"`
	MinCount           int    `form:"minCount"`
	HasUnsubscribeLink *bool  `form:"hasUnsubscribeLink"`
	Unsubscribed       *bool  `form:"unsubscribed"`
	Sort               Sort   `form:"sort"`
}

// Pagination describes a page of senders
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasMore    bool  `json:"hasMore"`
}

// Page is one page of subscriptions
type Page struct {
	Subscriptions []Subscription `json:"subscriptions"`
	Pagination    Pagination     `json:"pagination"`
}

// MarkResult reports a single unsubscribe mark
type MarkResult struct {
	SenderEmail         string `json:"senderEmail"`
	AlreadyUnsubscribed bool   `json:"alreadyUnsubscribed"`
}

// Sender identifies a sender to mark
type Sender struct {
	Email string `json:"senderEmail"`
	Name  string `json:"senderName"`
}

// BulkMarkResult reports a bulk unsubscribe mark
type BulkMarkResult struct {
	Marked        int `json:"markedCount"`
	AlreadyMarked int `json:"alreadyMarkedCount"`
	Skipped       int `json:"skippedCount"`
}

// Extractor builds subscription views over the mirror
type Extractor struct {
	store *store.Store
}

func New(st *store.Store) *Extractor {
	return &Extractor{store: st}
}

// senderRows is one row per sender with the name and unsubscribe link of
// its most recent message.
const senderRows = `
	SELECT s.from_email AS sender_email,
		COALESCE((SELECT m.from_name FROM messages m
			WHERE m.account_id = s.account_id AND m.from_email = s.from_email AND m.is_trash = 0 AND m.is_spam = 0
			ORDER BY m.internal_date DESC, m.message_id DESC LIMIT 1), '') AS sender_name,
		(SELECT m.unsubscribe_link FROM messages m
			WHERE m.account_id = s.account_id AND m.from_email = s.from_email AND m.is_trash = 0 AND m.is_spam = 0
				AND m.unsubscribe_link IS NOT NULL
			ORDER BY m.internal_date DESC, m.message_id DESC LIMIT 1) AS unsubscribe_link,
		s.cnt, s.total_size, s.first_date, s.latest_date,
		EXISTS (SELECT 1 FROM unsubscribes u
			WHERE u.account_id = s.account_id AND u.sender_email = s.from_email) AS unsubscribed
	FROM (
		SELECT account_id, from_email, COUNT(*) AS cnt, COALESCE(SUM(size_bytes), 0) AS total_size,
			MIN(internal_date) AS first_date, MAX(internal_date) AS latest_date
		FROM messages
		WHERE account_id = ? AND is_trash = 0 AND is_spam = 0 AND from_email <> ''
		GROUP BY account_id, from_email
	) s`

// List returns a page of senders. Count and page come from one read
// transaction.
func (e *Extractor) List(ctx context.Context, accountID string, f Filter, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if page > math.MaxInt/limit {
		return nil, fmt.Errorf("%w: page %d out of range", ErrInvalidQuery, page)
	}
	order, ok := orderBy[f.Sort]
	if f.Sort == "" {
		order, ok = orderBy[SortCount], true
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, f.Sort)
	}

	conditions := []string{"1 = 1"}
	args := []any{accountID}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(strings.ToLower(term)) + "%"
		conditions = append(conditions, `(LOWER(r.sender_email) LIKE ? ESCAPE '\' OR LOWER(r.sender_name) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	if f.MinCount > 0 {
		conditions = append(conditions, "r.cnt >= ?")
		args = append(args, f.MinCount)
	}
	if f.HasUnsubscribeLink != nil {
		if *f.HasUnsubscribeLink {
			conditions = append(conditions, "r.unsubscribe_link IS NOT NULL")
		} else {
			conditions = append(conditions, "r.unsubscribe_link IS NULL")
		}
	}
	if f.Unsubscribed != nil {
		conditions = append(conditions, "r.unsubscribed = ?")
		if *f.Unsubscribed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	where := strings.Join(conditions, " AND ")

	tx, err := e.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := &Page{Subscriptions: []Subscription{}}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+senderRows+`) r WHERE `+where, args...).
		Scan(&out.Pagination.Total); err != nil {
		return nil, fmt.Errorf("failed to count senders: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT r.sender_email, r.sender_name, r.unsubscribe_link, r.cnt, r.total_size,
			r.first_date, r.latest_date, r.unsubscribed
		FROM (`+senderRows+`) r WHERE `+where+`
		ORDER BY `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query senders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s            Subscription
			link         sql.NullString
			first        int64
			latest       int64
			unsubscribed int
		)
		if err := rows.Scan(&s.SenderEmail, &s.SenderName, &link, &s.Count, &s.TotalSizeBytes,
			&first, &latest, &unsubscribed); err != nil {
			return nil, fmt.Errorf("failed to scan sender: %w", err)
		}
		if link.Valid {
			l := link.String
			s.UnsubscribeLink = &l
		}
		s.FirstEmailDate = time.UnixMilli(first).UTC()
		s.LatestEmailDate = time.UnixMilli(latest).UTC()
		s.IsUnsubscribed = unsubscribed == 1
		out.Subscriptions = append(out.Subscriptions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int((out.Pagination.Total + int64(limit) - 1) / int64(limit))
	out.Pagination = Pagination{
		Page:       page,
		Limit:      limit,
		Total:      out.Pagination.Total,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
	return out, nil
}

// MarkUnsubscribed records that the user unsubscribed from a sender.
// Marking a sender twice is not an error; the second call reports
// AlreadyUnsubscribed and keeps the original record.
func (e *Extractor) MarkUnsubscribed(ctx context.Context, accountID, senderEmail, senderName string) (*MarkResult, error) {
	email := normalizeEmail(senderEmail)
	if email == "" {
		return nil, ErrInvalidSender
	}
	added, err := e.store.MarkUnsubscribed(ctx, accountID, email, strings.TrimSpace(senderName))
	if err != nil {
		return nil, err
	}
	return &MarkResult{SenderEmail: email, AlreadyUnsubscribed: !added}, nil
}

// MarkUnsubscribedBulk marks several senders. Duplicates and senders
// already marked are counted, never failing the batch; empty addresses
// are skipped.
func (e *Extractor) MarkUnsubscribedBulk(ctx context.Context, accountID string, senders []Sender) (*BulkMarkResult, error) {
	res := &BulkMarkResult{}
	seen := make(map[string]bool, len(senders))
	batch := make([]store.Unsubscribe, 0, len(senders))
	for _, s := range senders {
		email := normalizeEmail(s.Email)
		switch {
		case email == "":
			res.Skipped++
		case seen[email]:
			res.AlreadyMarked++
		default:
			seen[email] = true
			batch = append(batch, store.Unsubscribe{SenderEmail: email, SenderName: strings.TrimSpace(s.Name)})
		}
	}

	marked, err := e.store.MarkUnsubscribedBatch(ctx, accountID, batch)
	if err != nil {
		return nil, err
	}
	res.Marked = marked
	res.AlreadyMarked += len(batch) - marked
	return res, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
