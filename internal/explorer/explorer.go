// Package explorer queries the mirror: filtered, sorted pages of messages
// with totals over the whole match, and id resolution for bulk actions.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Martian-dev/mailmirror/internal/store"
)

var ErrTooManyMatches = errors.New("filter matches too many messages")

// Mode picks the default page size
type Mode string

const (
	ModeBrowse  Mode = "browse"
	ModeCleanup Mode = "cleanup"
)

// Sort orders a result; ties are broken by message id
type Sort string

const (
	SortDateDesc Sort = "date_desc"
	SortDateAsc  Sort = "date_asc"
	SortSizeDesc Sort = "size_desc"
	SortSizeAsc  Sort = "size_asc"
)

var orderBy = map[Sort]string{
	SortDateDesc: "internal_date DESC, message_id ASC",
	SortDateAsc:  "internal_date ASC, message_id ASC",
	SortSizeDesc: "size_bytes DESC, message_id ASC",
	SortSizeAsc:  "size_bytes ASC, message_id ASC",
}

// Limits are the page sizes per mode and the hard cap
type Limits struct {
	Browse  int
	Cleanup int
	Max     int
}

// PageRequest selects one page of a result
type PageRequest struct {
	Page  int  `form:"page"`
	Limit int  `form:"limit"`
	Mode  Mode `form:"mode"`
	Sort  Sort `form:"sort"`
}

// Pagination describes where a page sits in the whole result
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasMore    bool  `json:"hasMore"`
}

// Result is one page of messages. TotalSizeBytes covers every match, not
// only this page.
type Result struct {
	Emails         []store.Message `json:"emails"`
	Pagination     Pagination      `json:"pagination"`
	TotalSizeBytes int64           `json:"totalSizeBytes"`
}

// Engine runs explorer queries against the mirror
type Engine struct {
	store  *store.Store
	limits Limits
	now    func() time.Time
}

// New creates an engine; zero limits fall back to 50/200/1000
func New(st *store.Store, limits Limits) *Engine {
	if limits.Browse <= 0 {
		limits.Browse = 50
	}
	if limits.Cleanup <= 0 {
		limits.Cleanup = 200
	}
	if limits.Max <= 0 {
		limits.Max = 1000
	}
	return &Engine{store: st, limits: limits, now: time.Now}
}

// Query returns one page of the messages matching f. An empty filter
// means DefaultFilter. The page, the count and the size total come from
// the same read transaction.
func (e *Engine) Query(ctx context.Context, accountID string, f Filter, req PageRequest) (*Result, error) {
	if f.IsZero() {
		f = DefaultFilter()
	}
	where, args, err := f.where(accountID, e.now())
	if err != nil {
		return nil, err
	}

	order, ok := orderBy[req.Sort]
	if req.Sort == "" {
		order, ok = orderBy[SortDateDesc], true
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidFilter, req.Sort)
	}
	page, limit, err := e.bounds(req)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &Result{Emails: []store.Message{}}
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM messages WHERE `+where,
		args...).Scan(&res.Pagination.Total, &res.TotalSizeBytes); err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+store.MessageColumns()+` FROM messages WHERE `+where+`
		ORDER BY `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		res.Emails = append(res.Emails, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int((res.Pagination.Total + int64(limit) - 1) / int64(limit))
	res.Pagination.Page = page
	res.Pagination.Limit = limit
	res.Pagination.TotalPages = totalPages
	res.Pagination.HasMore = page < totalPages
	return res, nil
}

// ResolveIDs returns every message id matching f, newest first. It fails
// with ErrTooManyMatches when more than max messages match.
func (e *Engine) ResolveIDs(ctx context.Context, accountID string, f Filter, max int) ([]string, error) {
	if f.IsZero() {
		f = DefaultFilter()
	}
	where, args, err := f.where(accountID, e.now())
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = e.limits.Max
	}

	rows, err := e.store.ReadQuery(ctx, `
		SELECT message_id FROM messages WHERE `+where+`
		ORDER BY `+orderBy[SortDateDesc]+` LIMIT ?`,
		append(args, max+1)...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > max {
		return nil, fmt.Errorf("%w: more than %d", ErrTooManyMatches, max)
	}
	return ids, nil
}

func (e *Engine) bounds(req PageRequest) (page, limit int, err error) {
	page = req.Page
	if page < 1 {
		page = 1
	}
	limit = req.Limit
	if limit <= 0 {
		limit = e.limits.Browse
		if req.Mode == ModeCleanup {
			limit = e.limits.Cleanup
		}
	}
	if limit > e.limits.Max {
		limit = e.limits.Max
	}
	if page > math.MaxInt/limit {
		return 0, 0, fmt.Errorf("%w: page %d out of range", ErrInvalidFilter, page)
	}
	return page, limit, nil
}
