package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/store"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, category string, size int64, age time.Duration) store.Message {
	return store.Message{
		AccountID:    "acct-1",
		MessageID:    id,
		FromEmail:    from,
		Labels:       []string{"INBOX"},
		Category:     category,
		SizeBytes:    size,
		InternalDate: now.Add(-age),
	}
}

func TestQuickStats(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	day := 24 * time.Hour
	unread := msg("unread", "a@x.com", "primary", 1000, day)
	unread.IsUnread = true
	starred := msg("starred", "a@x.com", "primary", 11<<20, 800*day)
	starred.IsStarred = true
	important := msg("important", "b@y.com", "updates", 2000, 400*day)
	important.IsImportant = true
	big := msg("big", "c@z.com", "promotions", 6<<20, 10*day)
	old := msg("old", "c@z.com", "promotions", 3000, 800*day)
	trash := msg("trash", "d@w.com", "promotions", 500, day)
	trash.IsTrash = true
	spam := msg("spam", "e@v.com", "primary", 700, day)
	spam.IsSpam = true

	_, err = st.UpsertMessages(ctx, []store.Message{unread, starred, important, big, old, trash, spam})
	require.NoError(t, err)
	// another account must not leak in
	_, err = st.UpsertMessages(ctx, []store.Message{{AccountID: "acct-2", MessageID: "x", FromEmail: "q@q.com", SizeBytes: 1}})
	require.NoError(t, err)

	agg := New(st)
	agg.now = func() time.Time { return now }
	qs, err := agg.Quick(ctx, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, int64(5), qs.TotalEmails)
	assert.Equal(t, int64(1), qs.UnreadCount)
	assert.Equal(t, map[string]int64{"primary": 2, "updates": 1, "promotions": 2}, qs.Categories)
	assert.Equal(t, int64(3), qs.DistinctSenders)

	assert.Equal(t, int64(2), qs.Size.Over5MB)
	assert.Equal(t, int64(1), qs.Size.Over10MB)
	assert.Equal(t, int64(1000+11<<20+2000+6<<20+3000+500+700), qs.Size.TotalStorageBytes)
	assert.Equal(t, int64(500), qs.Size.TrashStorageBytes)

	assert.Equal(t, int64(3), qs.Age.OlderThan1Year)
	assert.Equal(t, int64(2), qs.Age.OlderThan2Years)

	assert.Equal(t, Bucket{Count: 1, SizeBytes: 500}, qs.Trash)
	assert.Equal(t, Bucket{Count: 1, SizeBytes: 700}, qs.Spam)

	// starred and important mail is never cleanup-ready
	cr := qs.CleanupReady
	assert.Equal(t, Bucket{Count: 3, SizeBytes: 1000 + 6<<20 + 3000}, cr.Total)
	assert.Equal(t, Bucket{Count: 1, SizeBytes: 3000}, cr.OlderThan1Year)
	assert.Equal(t, Bucket{Count: 1, SizeBytes: 3000}, cr.OlderThan2Years)
	assert.Equal(t, Bucket{Count: 1, SizeBytes: 6 << 20}, cr.Over5MB)
	assert.Equal(t, Bucket{}, cr.Over10MB)
	assert.Equal(t, map[string]Bucket{
		"primary":    {Count: 1, SizeBytes: 1000},
		"promotions": {Count: 2, SizeBytes: 6<<20 + 3000},
	}, cr.Categories)
}

func TestQuickStatsEmptyMirror(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer st.Close()

	qs, err := New(st).Quick(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, qs.TotalEmails)
	assert.Empty(t, qs.Categories)
	assert.Equal(t, Bucket{}, qs.CleanupReady.Total)
}
