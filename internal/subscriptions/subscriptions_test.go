package subscriptions

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/store"
)

const acct = "acct-1"

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newExtractor(t *testing.T) (*Extractor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func message(id, email, name string, day int, size int64, link string) store.Message {
	m := store.Message{
		AccountID:    acct,
		MessageID:    id,
		FromEmail:    email,
		FromName:     name,
		SizeBytes:    size,
		InternalDate: base.AddDate(0, 0, day),
	}
	if link != "" {
		m.UnsubscribeLink = &link
	}
	return m
}

func seed(t *testing.T, st *store.Store) {
	t.Helper()
	trashed := message("n4", "news@shop.example", "Shop", 9, 5000, "")
	trashed.IsTrash = true
	_, err := st.UpsertMessages(context.Background(), []store.Message{
		message("n1", "news@shop.example", "Shop", 1, 100, "https://shop.example/u/old"),
		message("n2", "news@shop.example", "Shop News", 5, 200, "https://shop.example/u/new"),
		message("n3", "news@shop.example", "Shop News", 3, 300, ""),
		trashed,
		message("f1", "friend@mail.example", "Friend", 2, 50, ""),
		message("b1", "bulk@ads.example", "Ads", 4, 1000, "mailto:stop@ads.example"),
	})
	require.NoError(t, err)
}

func TestListGroupsBySender(t *testing.T) {
	e, st := newExtractor(t)
	seed(t, st)

	page, err := e.List(context.Background(), acct, Filter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 3)
	assert.Equal(t, Pagination{Page: 1, Limit: 10, Total: 3, TotalPages: 1}, page.Pagination)

	shop := page.Subscriptions[0]
	assert.Equal(t, "news@shop.example", shop.SenderEmail)
	assert.Equal(t, "Shop News", shop.SenderName)
	// trashed mail is not counted
	assert.Equal(t, int64(3), shop.Count)
	assert.Equal(t, int64(600), shop.TotalSizeBytes)
	assert.Equal(t, base.AddDate(0, 0, 1), shop.FirstEmailDate)
	assert.Equal(t, base.AddDate(0, 0, 5), shop.LatestEmailDate)
	require.NotNil(t, shop.UnsubscribeLink)
	assert.Equal(t, "https://shop.example/u/new", *shop.UnsubscribeLink)
	assert.False(t, shop.IsUnsubscribed)
}

func TestListFiltersAndSorts(t *testing.T) {
	e, st := newExtractor(t)
	seed(t, st)
	ctx := context.Background()
	yes := true

	page, err := e.List(ctx, acct, Filter{Sort: SortSize}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "bulk@ads.example", page.Subscriptions[0].SenderEmail)

	page, err = e.List(ctx, acct, Filter{Sort: SortName}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "Ads", page.Subscriptions[0].SenderName)

	page, err = e.List(ctx, acct, Filter{HasUnsubscribeLink: &yes, MinCount: 2}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 1)
	assert.Equal(t, "news@shop.example", page.Subscriptions[0].SenderEmail)

	page, err = e.List(ctx, acct, Filter{Search: "FRIEND"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 1)
	assert.Nil(t, page.Subscriptions[0].UnsubscribeLink)

	page, err = e.List(ctx, acct, Filter{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Subscriptions, 1)
	assert.False(t, page.Pagination.HasMore)

	_, err = e.List(ctx, acct, Filter{Sort: "loudest"}, 1, 10)
	assert.Error(t, err)
}

func TestListRejectsBadQuery(t *testing.T) {
	e, st := newExtractor(t)
	seed(t, st)
	ctx := context.Background()

	_, err := e.List(ctx, acct, Filter{}, math.MaxInt, 50)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.List(ctx, acct, Filter{Sort: "loudest"}, 1, 50)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestMarkUnsubscribedIsIdempotent(t *testing.T) {
	e, st := newExtractor(t)
	seed(t, st)
	ctx := context.Background()

	res, err := e.MarkUnsubscribed(ctx, acct, "News@Shop.example ", "Shop")
	require.NoError(t, err)
	assert.False(t, res.AlreadyUnsubscribed)
	assert.Equal(t, "news@shop.example", res.SenderEmail)

	res, err = e.MarkUnsubscribed(ctx, acct, "news@shop.example", "")
	require.NoError(t, err)
	assert.True(t, res.AlreadyUnsubscribed)

	yes := true
	page, err := e.List(ctx, acct, Filter{Unsubscribed: &yes}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Subscriptions, 1)
	assert.True(t, page.Subscriptions[0].IsUnsubscribed)

	_, err = e.MarkUnsubscribed(ctx, acct, "  ", "")
	assert.ErrorIs(t, err, ErrInvalidSender)
}

func TestMarkUnsubscribedBulk(t *testing.T) {
	e, _ := newExtractor(t)
	ctx := context.Background()

	_, err := e.MarkUnsubscribed(ctx, acct, "old@x.example", "")
	require.NoError(t, err)

	res, err := e.MarkUnsubscribedBulk(ctx, acct, []Sender{
		{Email: "a@x.example", Name: "A"},
		{Email: "A@x.example"},
		{Email: "old@x.example"},
		{Email: ""},
		{Email: "b@x.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, &BulkMarkResult{Marked: 2, AlreadyMarked: 2, Skipped: 1}, res)
}
