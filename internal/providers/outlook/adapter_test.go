package outlook

import (
	"errors"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

func ptr[T any](v T) *T {
	return &v
}

func TestNormalize(t *testing.T) {
	folders := Folders{Inbox: "inbox-id", DeletedItems: "trash-id", JunkEmail: "junk-id"}

	m := models.NewMessage()
	m.SetId(ptr("m1"))
	m.SetConversationId(ptr("c1"))
	m.SetChangeKey(ptr("ck1"))
	m.SetSubject(ptr("Weekly deals"))
	m.SetBodyPreview(ptr("Save now"))
	m.SetParentFolderId(ptr("inbox-id"))
	m.SetIsRead(ptr(false))
	m.SetHasAttachments(ptr(true))
	m.SetImportance(ptr(models.HIGH_IMPORTANCE))
	m.SetInferenceClassification(ptr(models.OTHER_INFERENCECLASSIFICATIONTYPE))
	m.SetReceivedDateTime(ptr(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)))

	addr := models.NewEmailAddress()
	addr.SetName(ptr("Shop"))
	addr.SetAddress(ptr("news@shop.example"))
	from := models.NewRecipient()
	from.SetEmailAddress(addr)
	m.SetFrom(from)

	h := models.NewInternetMessageHeader()
	h.SetName(ptr("list-unsubscribe"))
	h.SetValue(ptr("<https://shop.example/u>"))
	m.SetInternetMessageHeaders([]models.InternetMessageHeaderable{h})

	size := models.NewSingleValueLegacyExtendedProperty()
	size.SetId(ptr("Integer 0x0E08"))
	size.SetValue(ptr("5120"))
	m.SetSingleValueExtendedProperties([]models.SingleValueLegacyExtendedPropertyable{size})

	got := Normalize(m, folders)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "c1", got.ThreadID)
	assert.Equal(t, "ck1", got.Version)
	assert.Equal(t, `"Shop" <news@shop.example>`, got.Sender)
	assert.Equal(t, []string{"INBOX", "UNREAD", "IMPORTANT"}, got.ProviderLabels)
	assert.Equal(t, "updates", got.Category)
	assert.Equal(t, int64(5120), got.SizeBytes)
	assert.True(t, got.HasAttachments)
	assert.Equal(t, "<https://shop.example/u>", got.Headers["List-Unsubscribe"])

	email, name := providers.ParseSender(got.Sender)
	assert.Equal(t, "news@shop.example", email)
	assert.Equal(t, "Shop", name)
}

func TestNormalizeTrashFolder(t *testing.T) {
	m := models.NewMessage()
	m.SetId(ptr("m2"))
	m.SetParentFolderId(ptr("trash-id"))
	m.SetIsRead(ptr(true))

	got := Normalize(m, Folders{Inbox: "inbox-id", DeletedItems: "trash-id"})
	assert.Equal(t, []string{"TRASH"}, got.ProviderLabels)
	assert.Equal(t, "primary", got.Category)
}

func TestChangeSetReportsRemovedAsUpsert(t *testing.T) {
	edited := models.NewMessage()
	edited.SetId(ptr("m1"))

	// moved to Deleted Items or deleted outright look the same in the Inbox delta
	moved := models.NewMessage()
	moved.SetId(ptr("m2"))
	moved.SetAdditionalData(map[string]any{"@removed": map[string]any{"reason": "deleted"}})

	var set changeSet
	set.add([]models.Messageable{edited, moved})
	set.add([]models.Messageable{moved, models.NewMessage()})

	assert.Equal(t, []providers.Change{
		{Kind: providers.ChangeUpsert, MessageID: "m1"},
		{Kind: providers.ChangeUpsert, MessageID: "m2"},
	}, set.changes())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{401, providers.ErrAuthExpired},
		{404, providers.ErrNotFound},
		{429, providers.ErrRateLimited},
		{503, providers.ErrUnavailable},
	}
	for _, tt := range tests {
		odataErr := odataerrors.NewODataError()
		odataErr.ResponseStatusCode = tt.code
		assert.ErrorIs(t, classify("get", odataErr), tt.want, "status %d", tt.code)
	}

	assert.ErrorIs(t, classify("get", errors.New("connection reset")), providers.ErrUnavailable)
}
