package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

const user = "me"

// headers requested in metadata format
var metadataHeaders = []string{"From", "Subject", "Date", "List-Unsubscribe", "List-Unsubscribe-Post"}

// Config holds the OAuth client used to refresh access tokens
type Config struct {
	ClientID     string
	ClientSecret string
}

// Adapter implements MailProvider for Gmail
type Adapter struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// New creates a Gmail adapter from an OAuth token. The token is refreshed
// transparently when cfg carries client credentials.
func New(ctx context.Context, cfg Config, tok *oauth2.Token, logger zerolog.Logger) (*Adapter, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
	httpClient := oauthCfg.Client(ctx, tok)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewWithService(svc, logger), nil
}

// NewWithService wraps an already configured service
func NewWithService(svc *gmail.Service, logger zerolog.Logger) *Adapter {
	logger = logger.With().Str("provider", "gmail").Logger()
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Adapter{svc: svc, cb: gobreaker.NewCircuitBreaker(settings), log: logger}
}

// Name implements providers.MailProvider
func (a *Adapter) Name() providers.ProviderName {
	return providers.ProviderGoogle
}

// Profile returns the mailbox size and the current historyId as delta checkpoint
func (a *Adapter) Profile(ctx context.Context) (*providers.Profile, error) {
	var p *gmail.Profile
	err := a.execute("profile", func() error {
		var err error
		p, err = a.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &providers.Profile{
		EmailAddress:  p.EmailAddress,
		MessagesTotal: p.MessagesTotal,
		DeltaCursor:   formatHistoryID(p.HistoryId),
	}, nil
}

// ListPage lists one page of message ids, trash and spam included
func (a *Adapter) ListPage(ctx context.Context, cursor string, pageSize int) (*providers.ListPage, error) {
	var resp *gmail.ListMessagesResponse
	err := a.execute("list", func() error {
		call := a.svc.Users.Messages.List(user).IncludeSpamTrash(true).MaxResults(int64(pageSize))
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		// Gmail answers 400 to an expired or foreign page token
		if cursor != "" && httpCode(err) == 400 {
			return nil, providers.NewError(providers.ProviderGoogle, providers.ErrInvalidCursor, "list", err)
		}
		return nil, err
	}

	page := &providers.ListPage{
		Refs:           make([]providers.MessageRef, 0, len(resp.Messages)),
		NextCursor:     resp.NextPageToken,
		EstimatedTotal: resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, providers.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// GetMessage fetches message metadata only (no body)
func (a *Adapter) GetMessage(ctx context.Context, id string) (*providers.MessageMeta, error) {
	var m *gmail.Message
	err := a.execute("get", func() error {
		var err error
		m, err = a.svc.Users.Messages.Get(user, id).Format("metadata").MetadataHeaders(metadataHeaders...).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return Normalize(m), nil
}

// Changes walks history since a historyId. Changes for the same message
// collapse to the last one observed.
func (a *Adapter) Changes(ctx context.Context, since string) (*providers.Changes, error) {
	startID, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		return nil, providers.NewError(providers.ProviderGoogle, providers.ErrInvalidCursor, "changes", err)
	}

	latest := startID
	kinds := make(map[string]providers.ChangeKind)
	var order []string
	record := func(id string, kind providers.ChangeKind) {
		if _, seen := kinds[id]; !seen {
			order = append(order, id)
		}
		kinds[id] = kind
	}

	err = a.execute("changes", func() error {
		call := a.svc.Users.History.List(user).StartHistoryId(startID).MaxResults(500).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved")
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, r := range h.MessagesAdded {
					record(r.Message.Id, providers.ChangeUpsert)
				}
				for _, r := range h.LabelsAdded {
					record(r.Message.Id, providers.ChangeUpsert)
				}
				for _, r := range h.LabelsRemoved {
					record(r.Message.Id, providers.ChangeUpsert)
				}
				for _, r := range h.MessagesDeleted {
					record(r.Message.Id, providers.ChangeDelete)
				}
			}
			return nil
		})
	})
	if err != nil {
		// historyId older than the retention window
		if httpCode(err) == 404 {
			return nil, providers.NewError(providers.ProviderGoogle, providers.ErrInvalidCursor, "changes", err)
		}
		return nil, err
	}

	out := &providers.Changes{
		Changes:    make([]providers.Change, 0, len(order)),
		NextCursor: formatHistoryID(latest),
	}
	for _, id := range order {
		out.Changes = append(out.Changes, providers.Change{Kind: kinds[id], MessageID: id})
	}
	return out, nil
}

// Trash moves a message to Gmail's trash
func (a *Adapter) Trash(ctx context.Context, id string) error {
	return a.execute("trash", func() error {
		_, err := a.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
		return err
	})
}

// Delete permanently deletes a message, skipping trash
func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.execute("delete", func() error {
		return a.svc.Users.Messages.Delete(user, id).Context(ctx).Do()
	})
}

// Normalize converts a metadata-format Gmail message. It depends only on
// its input.
func Normalize(m *gmail.Message) *providers.MessageMeta {
	headers := make(map[string]string)
	mimeType := ""
	if m.Payload != nil {
		mimeType = m.Payload.MimeType
		for _, kv := range m.Payload.Headers {
			key := textproto.CanonicalMIMEHeaderKey(kv.Name)
			if _, dup := headers[key]; !dup {
				headers[key] = kv.Value
			}
		}
	}

	labels := append([]string(nil), m.LabelIds...)

	return &providers.MessageMeta{
		Provider:       providers.ProviderGoogle,
		MessageID:      m.Id,
		ThreadID:       m.ThreadId,
		Version:        formatHistoryID(m.HistoryId),
		Subject:        headers["Subject"],
		Sender:         headers["From"],
		Snippet:        m.Snippet,
		ProviderLabels: labels,
		Category:       providers.CategoryFromLabels(labels),
		SizeBytes:      m.SizeEstimate,
		HasAttachments: strings.EqualFold(mimeType, "multipart/mixed"),
		Headers:        headers,
		MessageDate:    time.UnixMilli(m.InternalDate).UTC(),
	}
}

func formatHistoryID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}

// execute runs fn behind the circuit breaker and classifies its error.
// Client errors do not count against the breaker.
func (a *Adapter) execute(op string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			switch httpCode(err) {
			case 400, 401, 403, 404:
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})
	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}
	if err == nil {
		return nil
	}
	a.log.Debug().Err(err).Str("op", op).Str("breaker", a.cb.State().String()).Msg("gmail call failed")
	return classify(op, err)
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func httpCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify maps Gmail API failures onto the provider error kinds
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return providers.NewError(providers.ProviderGoogle, providers.ErrUnavailable, op, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return providers.NewError(providers.ProviderGoogle, providers.ErrAuthExpired, op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return providers.NewError(providers.ProviderGoogle, providers.ErrAuthExpired, op, err)
		case apiErr.Code == 429:
			return providers.NewError(providers.ProviderGoogle, providers.ErrRateLimited, op, err)
		case apiErr.Code == 403 && isRateLimitReason(apiErr):
			return providers.NewError(providers.ProviderGoogle, providers.ErrRateLimited, op, err)
		case apiErr.Code == 403:
			return providers.NewError(providers.ProviderGoogle, providers.ErrAuthExpired, op, err)
		case apiErr.Code == 404:
			return providers.NewError(providers.ProviderGoogle, providers.ErrNotFound, op, err)
		case apiErr.Code >= 500:
			return providers.NewError(providers.ProviderGoogle, providers.ErrUnavailable, op, err)
		}
		return fmt.Errorf("gmail %s: %w", op, err)
	}

	// transport failures
	return providers.NewError(providers.ProviderGoogle, providers.ErrUnavailable, op, err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	if strings.Contains(apiErr.Message, "Rate Limit") {
		return true
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

var _ providers.MailProvider = (*Adapter)(nil)
