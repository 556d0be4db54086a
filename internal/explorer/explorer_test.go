package explorer

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/store"
)

const acct = "acct-1"

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

type msgOpt func(*store.Message)

func from(email string) msgOpt {
	return func(m *store.Message) {
		m.FromEmail = email
		m.FromDomain = providers.Domain(email)
	}
}

func labels(l ...string) msgOpt {
	return func(m *store.Message) {
		m.Labels = l
		m.IsTrash = providers.HasLabel(l, "TRASH")
		m.IsSpam = providers.HasLabel(l, "SPAM")
		m.IsUnread = providers.HasLabel(l, "UNREAD")
	}
}

func size(n int64) msgOpt { return func(m *store.Message) { m.SizeBytes = n } }

func age(d time.Duration) msgOpt { return func(m *store.Message) { m.InternalDate = now.Add(-d) } }

func subject(s string) msgOpt { return func(m *store.Message) { m.Subject = s } }

func newEngine(t *testing.T, msgs map[string][]msgOpt) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var batch []store.Message
	for id, opts := range msgs {
		m := store.Message{
			AccountID:    acct,
			MessageID:    id,
			Subject:      "hello " + id,
			FromEmail:    "a@x.com",
			FromDomain:   "x.com",
			Labels:       []string{"INBOX"},
			SizeBytes:    100,
			InternalDate: now.Add(-time.Hour),
		}
		for _, opt := range opts {
			opt(&m)
		}
		batch = append(batch, m)
	}
	_, err = st.UpsertMessages(context.Background(), batch)
	require.NoError(t, err)

	e := New(st, Limits{Browse: 50, Cleanup: 200, Max: 1000})
	e.now = func() time.Time { return now }
	return e
}

func ids(res *Result) []string {
	out := make([]string, len(res.Emails))
	for i, m := range res.Emails {
		out[i] = m.MessageID
	}
	return out
}

func TestDefaultFilterExcludesTrashAndSpam(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"inbox": {},
		"trash": {labels("TRASH")},
		"spam":  {labels("SPAM")},
		"arch":  {labels()},
	})

	res, err := e.Query(context.Background(), acct, Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inbox", "arch"}, ids(res))

	res, err = e.Query(context.Background(), acct, Filter{IsTrash: boolPtr(true)}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"trash"}, ids(res))
}

func TestSenderListIsUnion(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"a1": {from("a@x.com")},
		"a2": {from("a@x.com")},
		"b1": {from("b@y.com")},
		"c1": {from("c@z.com")},
	})

	res, err := e.Query(context.Background(), acct, Filter{Sender: "a@x.com, B@y.com"}, PageRequest{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, ids(res))

	res, err = e.Query(context.Background(), acct, Filter{SenderDomain: "z.com,y.com"}, PageRequest{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "c1"}, ids(res))
}

func TestArchivedAndLabelFilters(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"inbox":    {labels("INBOX", "UNREAD")},
		"archived": {labels("Receipts")},
		"trash":    {labels("TRASH")},
	})
	ctx := context.Background()

	res, err := e.Query(ctx, acct, Filter{IsArchived: boolPtr(true)}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"archived"}, ids(res))

	res, err = e.Query(ctx, acct, Filter{IsArchived: boolPtr(false), IsTrash: boolPtr(false)}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox"}, ids(res))

	res, err = e.Query(ctx, acct, Filter{Label: "Receipts"}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"archived"}, ids(res))

	res, err = e.Query(ctx, acct, Filter{IsUnread: boolPtr(true)}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox"}, ids(res))
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"m1": {subject("Your INVOICE is ready")},
		"m2": {subject("50% off today")},
		"m3": {subject("500 reasons")},
	})
	ctx := context.Background()

	res, err := e.Query(ctx, acct, Filter{Search: "invoice"}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(res))

	// wildcards in the term are literal
	res, err = e.Query(ctx, acct, Filter{Search: "50%"}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(res))
}

func TestPaginationAndTotalSize(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"m1": {size(100), age(1 * time.Hour)},
		"m2": {size(200), age(2 * time.Hour)},
		"m3": {size(300), age(3 * time.Hour)},
		"m4": {size(400), age(4 * time.Hour)},
		"m5": {size(500), age(5 * time.Hour)},
		"tr": {size(9999), labels("TRASH")},
	})
	ctx := context.Background()

	res, err := e.Query(ctx, acct, Filter{}, PageRequest{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, ids(res))
	assert.Equal(t, Pagination{Page: 2, Limit: 2, Total: 5, TotalPages: 3, HasMore: true}, res.Pagination)
	assert.Equal(t, int64(1500), res.TotalSizeBytes)

	res, err = e.Query(ctx, acct, Filter{}, PageRequest{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m5"}, ids(res))
	assert.False(t, res.Pagination.HasMore)

	res, err = e.Query(ctx, acct, Filter{}, PageRequest{Sort: SortSizeDesc, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m4"}, ids(res))
}

func TestSortTiesBreakOnMessageID(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"c": {age(time.Hour)},
		"a": {age(time.Hour)},
		"b": {age(time.Hour)},
	})
	res, err := e.Query(context.Background(), acct, Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(res))
}

func TestSizeAndDateBounds(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"big-old":   {size(6 << 20), age(400 * 24 * time.Hour)},
		"small-new": {size(10), age(time.Hour)},
	})
	ctx := context.Background()

	res, err := e.Query(ctx, acct, Filter{LargerThan: 5 << 20}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"big-old"}, ids(res))

	res, err = e.Query(ctx, acct, Filter{OlderThanDays: 365}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"big-old"}, ids(res))

	res, err = e.Query(ctx, acct, Filter{DateFrom: "2026-06-01", DateTo: "2026-06-01"}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"small-new"}, ids(res))

	_, err = e.Query(ctx, acct, Filter{DateFrom: "yesterday"}, PageRequest{})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = e.Query(ctx, acct, Filter{}, PageRequest{Sort: "random"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestUnsubscribeLinkFilter(t *testing.T) {
	link := "https://x.com/u"
	e := newEngine(t, map[string][]msgOpt{
		"with":    {func(m *store.Message) { m.UnsubscribeLink = &link }},
		"without": {},
	})
	res, err := e.Query(context.Background(), acct, Filter{HasUnsubscribeLink: boolPtr(true)}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"with"}, ids(res))
}

func TestModeLimits(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{"m1": {}})

	_, limit, err := e.bounds(PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 50, limit)
	_, limit, err = e.bounds(PageRequest{Mode: ModeCleanup})
	require.NoError(t, err)
	assert.Equal(t, 200, limit)
	_, limit, err = e.bounds(PageRequest{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, limit)
}

func TestPageOutOfRange(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{"m1": {}})

	_, err := e.Query(context.Background(), acct, Filter{}, PageRequest{Page: math.MaxInt, Limit: 50})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	res, err := e.Query(context.Background(), acct, Filter{}, PageRequest{Page: math.MaxInt / 50, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, res.Emails)
}

func TestResolveIDs(t *testing.T) {
	e := newEngine(t, map[string][]msgOpt{
		"a1": {from("a@x.com"), age(time.Hour)},
		"a2": {from("a@x.com"), age(2 * time.Hour)},
		"a3": {from("a@x.com"), age(3 * time.Hour)},
		"b1": {from("b@y.com")},
	})
	ctx := context.Background()

	got, err := e.ResolveIDs(ctx, acct, Filter{Sender: "a@x.com"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, got)

	_, err = e.ResolveIDs(ctx, acct, Filter{Sender: "a@x.com"}, 2)
	assert.ErrorIs(t, err, ErrTooManyMatches)
}
