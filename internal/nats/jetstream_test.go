package natsjs

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountSubject(t *testing.T) {
	tests := []struct {
		accountID string
		eventType string
		want      string
	}{
		{"acct-1", "sync.completed", "mailmirror.acct-1.sync.completed"},
		{"user@example.com", "mirror.bulk_trash", "mailmirror.user@example_com.mirror.bulk_trash"},
		{"a*b>c d", "sync.failed", "mailmirror.a_b_c_d.sync.failed"},
		{"", "sync.running", "mailmirror._.sync.running"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, AccountSubject(tt.accountID, tt.eventType))
		})
	}
}

func TestStreamConfigDefaults(t *testing.T) {
	sc := StreamConfig{Name: "MAILMIRROR_EVENTS", MaxAge: 720 * time.Hour}.jetstream()
	assert.Equal(t, "MAILMIRROR_EVENTS", sc.Name)
	assert.Equal(t, []string{AllAccounts}, sc.Subjects)
	assert.Equal(t, 720*time.Hour, sc.MaxAge)
	assert.Equal(t, 10*time.Minute, sc.Duplicates)
	assert.Equal(t, 1, sc.Replicas)
	assert.Equal(t, nats.FileStorage, sc.Storage)

	sc = StreamConfig{Name: "S", DedupWindow: time.Minute, Replicas: 3}.jetstream()
	assert.Equal(t, time.Minute, sc.Duplicates)
	assert.Equal(t, 3, sc.Replicas)
}

func TestPublishErrorCarriesEvent(t *testing.T) {
	err := error(&PublishError{MsgID: "sync.completed|job-1", Subject: "mailmirror.acct-1.sync.completed", Err: nats.ErrTimeout})
	assert.ErrorIs(t, err, nats.ErrTimeout)
	assert.Contains(t, err.Error(), "sync.completed|job-1")

	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "mailmirror.acct-1.sync.completed", pe.Subject)
}

func TestNewPublisherRequiresStream(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:4222", StreamConfig{})
	assert.Error(t, err)
}
