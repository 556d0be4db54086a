package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// PR_MESSAGE_SIZE, Graph does not expose message size as a property
const messageSizeProperty = "Integer 0x0E08"

var listSelect = []string{"id", "conversationId", "changeKey"}

var getSelect = []string{
	"id", "conversationId", "changeKey", "subject", "from", "bodyPreview", "receivedDateTime",
	"internetMessageHeaders", "isRead", "flag", "importance", "hasAttachments", "parentFolderId",
	"inferenceClassification", "categories",
}

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
	log    zerolog.Logger

	foldersMu sync.Mutex
	folders   *Folders
}

// Folders holds the ids of the well-known folders that map to labels
type Folders struct {
	Inbox        string
	DeletedItems string
	JunkEmail    string
}

// New creates a new Outlook adapter from a Graph access token
func New(ctx context.Context, accessToken, userID string, logger zerolog.Logger) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	if userID == "" {
		userID = "me"
	}
	return &Adapter{
		client: client,
		userID: userID,
		log:    logger.With().Str("provider", "outlook").Logger(),
	}, nil
}

// Name implements providers.MailProvider
func (a *Adapter) Name() providers.ProviderName {
	return providers.ProviderMicrosoft
}

func (a *Adapter) user() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.userID)
}

// Profile returns the mailbox size and an inbox delta link taken now
func (a *Adapter) Profile(ctx context.Context) (*providers.Profile, error) {
	u, err := a.user().Get(ctx, nil)
	if err != nil {
		return nil, classify("profile", err)
	}

	count, err := a.user().Messages().Count().Get(ctx, nil)
	if err != nil {
		return nil, classify("profile", err)
	}

	deltaLink, err := a.latestDeltaLink(ctx)
	if err != nil {
		return nil, err
	}

	p := &providers.Profile{DeltaCursor: deltaLink}
	if mail := u.GetMail(); mail != nil {
		p.EmailAddress = *mail
	} else if upn := u.GetUserPrincipalName(); upn != nil {
		p.EmailAddress = *upn
	}
	if count != nil {
		p.MessagesTotal = int64(*count)
	}
	return p, nil
}

// latestDeltaLink asks Graph for a delta link at the current state without
// enumerating the folder.
func (a *Adapter) latestDeltaLink(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/users/%s/mailFolders/inbox/messages/delta?$deltatoken=latest", graphBaseURL, a.userID)
	resp, err := a.user().MailFolders().ByMailFolderId("inbox").Messages().Delta().WithUrl(url).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return "", classify("profile", err)
	}
	if link := resp.GetOdataDeltaLink(); link != nil {
		return *link, nil
	}
	return "", nil
}

// ListPage lists message ids across all folders. The cursor is Graph's
// @odata.nextLink.
func (a *Adapter) ListPage(ctx context.Context, cursor string, pageSize int) (*providers.ListPage, error) {
	var (
		resp models.MessageCollectionResponseable
		err  error
	)
	if cursor == "" {
		top := int32(pageSize)
		count := true
		resp, err = a.user().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Select:  listSelect,
				Count:   &count,
				Orderby: []string{"receivedDateTime desc"},
			},
		})
	} else {
		if !strings.HasPrefix(cursor, graphBaseURL) {
			return nil, providers.NewError(providers.ProviderMicrosoft, providers.ErrInvalidCursor, "list", fmt.Errorf("not a Graph link"))
		}
		resp, err = a.user().Messages().WithUrl(cursor).Get(ctx, nil)
	}
	if err != nil {
		if cursor != "" && statusCode(err) == 400 {
			return nil, providers.NewError(providers.ProviderMicrosoft, providers.ErrInvalidCursor, "list", err)
		}
		return nil, classify("list", err)
	}

	page := &providers.ListPage{}
	for _, m := range resp.GetValue() {
		ref := providers.MessageRef{ID: deref(m.GetId()), ThreadID: deref(m.GetConversationId()), Version: deref(m.GetChangeKey())}
		if ref.ID != "" {
			page.Refs = append(page.Refs, ref)
		}
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextCursor = *next
	}
	if c := resp.GetOdataCount(); c != nil {
		page.EstimatedTotal = *c
	}
	return page, nil
}

// GetMessage fetches one message's metadata and headers
func (a *Adapter) GetMessage(ctx context.Context, id string) (*providers.MessageMeta, error) {
	folders, err := a.wellKnownFolders(ctx)
	if err != nil {
		return nil, err
	}

	m, err := a.user().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: getSelect,
			Expand: []string{fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", messageSizeProperty)},
		},
	})
	if err != nil {
		return nil, classify("get", err)
	}
	return Normalize(m, folders), nil
}

func (a *Adapter) wellKnownFolders(ctx context.Context) (Folders, error) {
	a.foldersMu.Lock()
	defer a.foldersMu.Unlock()
	if a.folders != nil {
		return *a.folders, nil
	}

	var f Folders
	for name, dst := range map[string]*string{"inbox": &f.Inbox, "deleteditems": &f.DeletedItems, "junkemail": &f.JunkEmail} {
		folder, err := a.user().MailFolders().ByMailFolderId(name).Get(ctx, nil)
		if err != nil {
			return Folders{}, classify("folders", err)
		}
		*dst = deref(folder.GetId())
	}
	a.folders = &f
	return f, nil
}

// Changes follows a delta link to the end and returns the new one. Graph
// reports a message leaving the Inbox with an @removed annotation whether
// it was moved or deleted, so every entry is returned as an upsert and
// the caller's fetch tells the two apart.
func (a *Adapter) Changes(ctx context.Context, since string) (*providers.Changes, error) {
	if !strings.HasPrefix(since, graphBaseURL) {
		return nil, providers.NewError(providers.ProviderMicrosoft, providers.ErrInvalidCursor, "changes", fmt.Errorf("not a Graph delta link"))
	}

	var set changeSet
	link := since
	out := &providers.Changes{}

	for link != "" {
		resp, err := a.user().MailFolders().ByMailFolderId("inbox").Messages().Delta().WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			switch statusCode(err) {
			case 400, 404, 410:
				return nil, providers.NewError(providers.ProviderMicrosoft, providers.ErrInvalidCursor, "changes", err)
			}
			return nil, classify("changes", err)
		}
		set.add(resp.GetValue())

		link = ""
		if next := resp.GetOdataNextLink(); next != nil {
			link = *next
		} else if delta := resp.GetOdataDeltaLink(); delta != nil {
			out.NextCursor = *delta
		}
	}

	out.Changes = set.changes()
	return out, nil
}

// changeSet collects delta entries once each, in first-seen order
type changeSet struct {
	seen map[string]bool
	ids  []string
}

func (c *changeSet) add(msgs []models.Messageable) {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	for _, m := range msgs {
		id := deref(m.GetId())
		if id == "" || c.seen[id] {
			continue
		}
		c.seen[id] = true
		c.ids = append(c.ids, id)
	}
}

func (c *changeSet) changes() []providers.Change {
	out := make([]providers.Change, len(c.ids))
	for i, id := range c.ids {
		out[i] = providers.Change{Kind: providers.ChangeUpsert, MessageID: id}
	}
	return out
}

// Trash moves a message to Deleted Items
func (a *Adapter) Trash(ctx context.Context, id string) error {
	body := users.NewItemMessagesItemMovePostRequestBody()
	dest := "deleteditems"
	body.SetDestinationId(&dest)
	if _, err := a.user().Messages().ByMessageId(id).Move().Post(ctx, body, nil); err != nil {
		return classify("trash", err)
	}
	return nil
}

// Delete permanently deletes a message
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := a.user().Messages().ByMessageId(id).PermanentDelete().Post(ctx, nil); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Normalize converts a Graph message. Folder membership, read state,
// flag and importance are expressed as Gmail-style labels so the mirror
// treats both providers alike.
func Normalize(m models.Messageable, folders Folders) *providers.MessageMeta {
	meta := &providers.MessageMeta{
		Provider:  providers.ProviderMicrosoft,
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
		Version:   deref(m.GetChangeKey()),
		Subject:   deref(m.GetSubject()),
		Snippet:   deref(m.GetBodyPreview()),
		Headers:   make(map[string]string),
		Category:  "primary",
	}

	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			name, email := deref(addr.GetName()), deref(addr.GetAddress())
			if name != "" {
				meta.Sender = fmt.Sprintf("%q <%s>", name, email)
			} else {
				meta.Sender = email
			}
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.MessageDate = rcvd.UTC()
	}

	for _, h := range m.GetInternetMessageHeaders() {
		name, value := h.GetName(), h.GetValue()
		if name == nil || value == nil {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(*name)
		if _, dup := meta.Headers[key]; !dup {
			meta.Headers[key] = *value
		}
	}

	var labels []string
	switch parent := deref(m.GetParentFolderId()); {
	case parent == "":
	case parent == folders.Inbox:
		labels = append(labels, "INBOX")
	case parent == folders.DeletedItems:
		labels = append(labels, "TRASH")
	case parent == folders.JunkEmail:
		labels = append(labels, "SPAM")
	}
	if read := m.GetIsRead(); read != nil && !*read {
		labels = append(labels, "UNREAD")
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			labels = append(labels, "STARRED")
		}
	}
	if imp := m.GetImportance(); imp != nil && *imp == models.HIGH_IMPORTANCE {
		labels = append(labels, "IMPORTANT")
	}
	labels = append(labels, m.GetCategories()...)
	meta.ProviderLabels = labels

	if ic := m.GetInferenceClassification(); ic != nil && *ic == models.OTHER_INFERENCECLASSIFICATIONTYPE {
		meta.Category = "updates"
	}
	if att := m.GetHasAttachments(); att != nil {
		meta.HasAttachments = *att
	}

	for _, p := range m.GetSingleValueExtendedProperties() {
		if strings.EqualFold(deref(p.GetId()), messageSizeProperty) {
			if n, err := strconv.ParseInt(deref(p.GetValue()), 10, 64); err == nil {
				meta.SizeBytes = n
			}
		}
	}
	return meta
}

func statusCode(err error) int {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	return 0
}

// classify maps Graph failures onto the provider error kinds
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch code := statusCode(err); {
	case code == 401 || code == 403:
		return providers.NewError(providers.ProviderMicrosoft, providers.ErrAuthExpired, op, err)
	case code == 404:
		return providers.NewError(providers.ProviderMicrosoft, providers.ErrNotFound, op, err)
	case code == 429:
		return providers.NewError(providers.ProviderMicrosoft, providers.ErrRateLimited, op, err)
	case code >= 500:
		return providers.NewError(providers.ProviderMicrosoft, providers.ErrUnavailable, op, err)
	case code != 0:
		return fmt.Errorf("graph %s: %w", op, err)
	}
	return providers.NewError(providers.ProviderMicrosoft, providers.ErrUnavailable, op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

var _ providers.MailProvider = (*Adapter)(nil)
