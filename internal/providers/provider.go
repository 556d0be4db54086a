package providers

import (
	"context"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// MessageRef is one entry of a mailbox listing page
type MessageRef struct {
	ID       string
	ThreadID string
	// Version is a provider change marker (Graph changeKey). Empty when the
	// provider does not expose one in listings (Gmail).
	Version string
}

// ListPage is one page of a mailbox listing
type ListPage struct {
	Refs []MessageRef
	// NextCursor is the continuation token; empty on the last page.
	NextCursor string
	// EstimatedTotal is the provider's revised mailbox size, 0 when unknown.
	EstimatedTotal int64
}

// MessageMeta represents normalized email metadata across providers
type MessageMeta struct {
	Provider       ProviderName
	MessageID      string // provider ID (Gmail: Id, Outlook: id)
	ThreadID       string // provider thread/conversation id
	Version        string
	Subject        string
	Sender         string // raw From header
	Snippet        string
	ProviderLabels []string
	Category       string
	SizeBytes      int64
	HasAttachments bool
	Headers        map[string]string
	MessageDate    time.Time
}

// Profile describes the remote mailbox at a point in time
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	// DeltaCursor is the checkpoint a later Changes call starts from
	// (Gmail: historyId, Outlook: delta link).
	DeltaCursor string
}

// ChangeKind is the kind of a remote mailbox change
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeDelete
)

// Change is one entry of a changes-since listing
type Change struct {
	Kind      ChangeKind
	MessageID string
}

// Changes is the result of a changes-since call
type Changes struct {
	Changes    []Change
	NextCursor string
}

// MailProvider interface for provider-agnostic mail sync
type MailProvider interface {
	Name() ProviderName

	// Profile returns mailbox totals and the current delta checkpoint.
	Profile(ctx context.Context) (*Profile, error)

	// ListPage returns the page of message references at cursor ("" = first page).
	ListPage(ctx context.Context, cursor string, pageSize int) (*ListPage, error)

	// GetMessage fetches and normalizes one message.
	GetMessage(ctx context.Context, id string) (*MessageMeta, error)

	// Changes lists changes since a delta checkpoint.
	Changes(ctx context.Context, since string) (*Changes, error)

	// Trash moves a message to the provider's trash.
	Trash(ctx context.Context, id string) error

	// Delete permanently deletes a message.
	Delete(ctx context.Context, id string) error
}
