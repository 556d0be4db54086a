package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/store"
)

type fakePublisher struct {
	fail      map[string]bool
	published []string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if p.fail[msgID] {
		return errors.New("nats: timeout")
	}
	p.published = append(p.published, msgID)
	return nil
}

func TestSyncEvent(t *testing.T) {
	job := &store.Job{ID: "job-1", AccountID: "acct-1", Kind: store.JobFull, Processed: 120, Total: 120}
	ev := Sync(job, store.StatusCompleted, "")

	assert.Equal(t, "mailmirror.acct-1.sync.completed", ev.Subject)

	ev = Sync(&store.Job{ID: "job-2", AccountID: "team.inbox"}, store.StatusRunning, "")
	assert.Equal(t, "mailmirror.team_inbox.sync.running", ev.Subject)
	assert.Equal(t, "sync.completed|job-1", ev.MsgID)

	var payload SyncPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "completed", payload.Status)
	assert.Equal(t, int64(120), payload.Processed)
	assert.NotEmpty(t, payload.EventID)
}

func TestDispatchOnce(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	ok := Bulk("acct-1", "trash", 5, 4, 1)
	bad := Sync(&store.Job{ID: "job-1", AccountID: "acct-1"}, store.StatusFailed, "boom")
	require.NoError(t, s.AppendEvent(ctx, ok))
	require.NoError(t, s.AppendEvent(ctx, bad))

	pub := &fakePublisher{fail: map[string]bool{bad.MsgID: true}}
	d := NewDispatcher(s, pub, time.Second, zerolog.Nop())

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{ok.MsgID}, pub.published)

	// the failed entry is pushed back, the published one is gone
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
