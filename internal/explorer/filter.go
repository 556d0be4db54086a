package explorer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidFilter = errors.New("invalid filter")

const dateLayout = "2006-01-02"

// Filter selects mirrored messages. Set fields are ANDed; comma separated
// lists match any of their values. Nil flags are unconstrained.
type Filter struct {
	Sender       string `form:"sender" json:"sender,omitempty"`
	SenderDomain string `form:"senderDomain" json:"senderDomain,omitempty"`
	Category     string `form:"category" json:"category,omitempty"`
	Label        string `form:"label" json:"label,omitempty"`
	Search       string `form:"search" json:"search,omitempty"`

	IsUnread       *bool `form:"isUnread" json:"isUnread,omitempty"`
	IsStarred      *bool `form:"isStarred" json:"isStarred,omitempty"`
	IsTrash        *bool `form:"isTrash" json:"isTrash,omitempty"`
	IsSpam         *bool `form:"isSpam" json:"isSpam,omitempty"`
	IsImportant    *bool `form:"isImportant" json:"isImportant,omitempty"`
	HasAttachments *bool `form:"hasAttachments" json:"hasAttachments,omitempty"`
	// IsArchived means not in the inbox, not trash and not spam.
	IsArchived         *bool `form:"isArchived" json:"isArchived,omitempty"`
	HasUnsubscribeLink *bool `form:"hasUnsubscribeLink" json:"hasUnsubscribeLink,omitempty"`

	LargerThan    int64 `form:"largerThan" json:"largerThan,omitempty"`
	SmallerThan   int64 `form:"smallerThan" json:"smallerThan,omitempty"`
	OlderThanDays int   `form:"olderThanDays" json:"olderThanDays,omitempty"`
	// DateFrom and DateTo are inclusive days, YYYY-MM-DD in UTC.
	DateFrom string `form:"dateFrom" json:"dateFrom,omitempty"`
	DateTo   string `form:"dateTo" json:"dateTo,omitempty"`
}

// DefaultFilter is the inbox-like view used when no filter is given
func DefaultFilter() Filter {
	no := false
	return Filter{IsTrash: &no, IsSpam: &no}
}

// IsZero reports whether no field is set
func (f Filter) IsZero() bool {
	return f.Sender == "" && f.SenderDomain == "" && f.Category == "" && f.Label == "" && f.Search == "" &&
		f.IsUnread == nil && f.IsStarred == nil && f.IsTrash == nil && f.IsSpam == nil &&
		f.IsImportant == nil && f.HasAttachments == nil && f.IsArchived == nil && f.HasUnsubscribeLink == nil &&
		f.LargerThan == 0 && f.SmallerThan == 0 && f.OlderThanDays == 0 && f.DateFrom == "" && f.DateTo == ""
}

// where builds the predicate over the messages table for one account
func (f Filter) where(accountID string, now time.Time) (string, []any, error) {
	conditions := []string{"account_id = ?"}
	args := []any{accountID}

	inList := func(column, list string, lower bool) {
		values := splitList(list, lower)
		if len(values) == 0 {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))))
		for _, v := range values {
			args = append(args, v)
		}
	}
	inList("from_email", f.Sender, true)
	inList("from_domain", f.SenderDomain, true)
	inList("category", f.Category, true)

	if f.Label != "" {
		conditions = append(conditions, `EXISTS (SELECT 1 FROM message_labels ml
			WHERE ml.account_id = messages.account_id AND ml.message_id = messages.message_id AND ml.label = ?)`)
		args = append(args, f.Label)
	}

	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(strings.ToLower(term)) + "%"
		conditions = append(conditions, `(LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(snippet) LIKE ? ESCAPE '\'
			OR LOWER(from_email) LIKE ? ESCAPE '\' OR LOWER(from_name) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like)
	}

	flag := func(column string, v *bool) {
		if v == nil {
			return
		}
		conditions = append(conditions, column+" = ?")
		args = append(args, boolInt(*v))
	}
	flag("is_unread", f.IsUnread)
	flag("is_starred", f.IsStarred)
	flag("is_trash", f.IsTrash)
	flag("is_spam", f.IsSpam)
	flag("is_important", f.IsImportant)
	flag("has_attachments", f.HasAttachments)

	if f.IsArchived != nil {
		archived := `(is_trash = 0 AND is_spam = 0 AND NOT EXISTS (SELECT 1 FROM message_labels ml
			WHERE ml.account_id = messages.account_id AND ml.message_id = messages.message_id AND ml.label = 'INBOX'))`
		if *f.IsArchived {
			conditions = append(conditions, archived)
		} else {
			conditions = append(conditions, "NOT "+archived)
		}
	}

	if f.HasUnsubscribeLink != nil {
		if *f.HasUnsubscribeLink {
			conditions = append(conditions, "unsubscribe_link IS NOT NULL")
		} else {
			conditions = append(conditions, "unsubscribe_link IS NULL")
		}
	}

	if f.LargerThan < 0 || f.SmallerThan < 0 || f.OlderThanDays < 0 {
		return "", nil, fmt.Errorf("%w: negative bound", ErrInvalidFilter)
	}
	if f.LargerThan > 0 {
		conditions = append(conditions, "size_bytes > ?")
		args = append(args, f.LargerThan)
	}
	if f.SmallerThan > 0 {
		conditions = append(conditions, "size_bytes < ?")
		args = append(args, f.SmallerThan)
	}
	if f.OlderThanDays > 0 {
		conditions = append(conditions, "internal_date < ?")
		args = append(args, now.AddDate(0, 0, -f.OlderThanDays).UnixMilli())
	}

	if f.DateFrom != "" {
		from, err := time.Parse(dateLayout, f.DateFrom)
		if err != nil {
			return "", nil, fmt.Errorf("%w: dateFrom: %v", ErrInvalidFilter, err)
		}
		conditions = append(conditions, "internal_date >= ?")
		args = append(args, from.UnixMilli())
	}
	if f.DateTo != "" {
		to, err := time.Parse(dateLayout, f.DateTo)
		if err != nil {
			return "", nil, fmt.Errorf("%w: dateTo: %v", ErrInvalidFilter, err)
		}
		conditions = append(conditions, "internal_date < ?")
		args = append(args, to.AddDate(0, 0, 1).UnixMilli())
	}

	return strings.Join(conditions, " AND "), args, nil
}

func splitList(list string, lower bool) []string {
	var out []string
	for _, v := range strings.Split(list, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
