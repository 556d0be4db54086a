package gmail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewWithService(svc, zerolog.Nop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestListPage(t *testing.T) {
	var gotToken string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("pageToken")
		writeJSON(w, 200, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}],"nextPageToken":"next","resultSizeEstimate":120}`)
	})

	page, err := a.ListPage(context.Background(), "tok-1", 50)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", gotToken)
	assert.Equal(t, "next", page.NextCursor)
	assert.Equal(t, int64(120), page.EstimatedTotal)
	require.Len(t, page.Refs, 2)
	assert.Equal(t, providers.MessageRef{ID: "m1", ThreadID: "t1"}, page.Refs[0])
}

func TestListPageErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		cursor string
		want   error
	}{
		{"throttled", 429, `{"error":{"code":429,"message":"Too Many Requests"}}`, "", providers.ErrRateLimited},
		{"quota", 403, `{"error":{"code":403,"message":"User Rate Limit Exceeded","errors":[{"reason":"userRateLimitExceeded"}]}}`, "", providers.ErrRateLimited},
		{"unauthorized", 401, `{"error":{"code":401,"message":"Invalid Credentials"}}`, "", providers.ErrAuthExpired},
		{"server", 503, `{"error":{"code":503,"message":"Backend Error"}}`, "", providers.ErrUnavailable},
		{"stale token", 400, `{"error":{"code":400,"message":"Invalid pageToken"}}`, "old", providers.ErrInvalidCursor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := a.ListPage(context.Background(), tt.cursor, 10)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChanges(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		writeJSON(w, 200, `{
			"historyId": "150",
			"history": [
				{"id": "101", "messagesAdded": [{"message": {"id": "a"}}]},
				{"id": "102", "messagesAdded": [{"message": {"id": "b"}}], "messagesDeleted": [{"message": {"id": "c"}}]},
				{"id": "103", "messagesDeleted": [{"message": {"id": "a"}}]}
			]
		}`)
	})

	changes, err := a.Changes(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "150", changes.NextCursor)
	assert.Equal(t, []providers.Change{
		{Kind: providers.ChangeDelete, MessageID: "a"},
		{Kind: providers.ChangeUpsert, MessageID: "b"},
		{Kind: providers.ChangeDelete, MessageID: "c"},
	}, changes.Changes)
}

func TestChangesExpiredHistory(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})

	_, err := a.Changes(context.Background(), "100")
	assert.ErrorIs(t, err, providers.ErrInvalidCursor)

	_, err = a.Changes(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, providers.ErrInvalidCursor)
}

func TestNormalize(t *testing.T) {
	m := &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		HistoryId:    42,
		Snippet:      "hello",
		LabelIds:     []string{"INBOX", "UNREAD", "CATEGORY_SOCIAL"},
		SizeEstimate: 4096,
		InternalDate: 1767225600000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "from", Value: "Alice <alice@example.com>"},
				{Name: "Subject", Value: "Hi"},
				{Name: "list-unsubscribe", Value: "<mailto:u@example.com>"},
			},
		},
	}

	got := Normalize(m)
	assert.Equal(t, "42", got.Version)
	assert.Equal(t, "Alice <alice@example.com>", got.Sender)
	assert.Equal(t, "Hi", got.Subject)
	assert.Equal(t, "social", got.Category)
	assert.True(t, got.HasAttachments)
	assert.Equal(t, "<mailto:u@example.com>", got.Headers["List-Unsubscribe"])
	assert.Equal(t, int64(1767225600000), got.MessageDate.UnixMilli())

	// same input, same output
	assert.Equal(t, got, Normalize(m))
}
