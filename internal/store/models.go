package store

import (
	"time"

	"github.com/Martian-dev/mailmirror/internal/providers"
)

// Status is both an account's sync state and a sync job's status
type Status string

const (
	StatusIdle        Status = "idle"
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
	StatusAuthExpired Status = "auth_expired"
)

// Terminal reports whether no further transitions happen from s within a job
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusAuthExpired:
		return true
	}
	return false
}

// JobKind distinguishes full and delta syncs
type JobKind string

const (
	JobFull  JobKind = "full"
	JobDelta JobKind = "delta"
)

// Account identifies a mirrored mailbox
type Account struct {
	ID              string                 `json:"id"`
	Email           string                 `json:"email"`
	Provider        providers.ProviderName `json:"provider"`
	SyncState       Status                 `json:"syncState"`
	LastFullSyncAt  *time.Time             `json:"lastFullSyncAt,omitempty"`
	LastDeltaCursor string                 `json:"-"`
	LastError       string                 `json:"lastError,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// Job is one sync attempt
type Job struct {
	ID        string  `json:"id"`
	AccountID string  `json:"accountId"`
	Kind      JobKind `json:"kind"`
	Status    Status  `json:"status"`
	Processed int64   `json:"processed"`
	Total     int64   `json:"total"`
	// Cursor is the page token of the next page to fetch; empty before the
	// first page of a fresh job and after the last page.
	Cursor string `json:"-"`
	// DeltaCursor is the provider checkpoint taken when the job started.
	DeltaCursor string `json:"-"`
	// LineageStartedAt is the start of the first job in a resume chain.
	LineageStartedAt time.Time  `json:"-"`
	ResumedFrom      string     `json:"resumedFrom,omitempty"`
	Added            int64      `json:"added,omitempty"`
	Updated          int64      `json:"updated,omitempty"`
	Deleted          int64      `json:"deleted,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Message is the local copy of one remote message
type Message struct {
	AccountID       string    `json:"-"`
	MessageID       string    `json:"messageId"`
	ThreadID        string    `json:"threadId"`
	Version         string    `json:"-"`
	Subject         string    `json:"subject"`
	Snippet         string    `json:"snippet"`
	FromEmail       string    `json:"fromEmail"`
	FromName        string    `json:"fromName"`
	FromDomain      string    `json:"-"`
	Labels          []string  `json:"labels"`
	Category        string    `json:"category"`
	SizeBytes       int64     `json:"sizeBytes"`
	IsUnread        bool      `json:"isUnread"`
	IsStarred       bool      `json:"isStarred"`
	IsTrash         bool      `json:"isTrash"`
	IsSpam          bool      `json:"isSpam"`
	IsImportant     bool      `json:"isImportant"`
	HasAttachments  bool      `json:"hasAttachments"`
	InternalDate    time.Time `json:"internalDate"`
	SyncedAt        time.Time `json:"syncedAt"`
	UnsubscribeLink *string   `json:"unsubscribeLink"`
}

// ProgressSnapshot is the persisted progress view of a job
type ProgressSnapshot struct {
	JobID      string    `json:"jobId"`
	AccountID  string    `json:"-"`
	Status     Status    `json:"status"`
	Processed  int64     `json:"processed"`
	Total      int64     `json:"total"`
	Percentage float64   `json:"percentage"`
	Rate       float64   `json:"rate"`
	ETASeconds *float64  `json:"eta"`
	Phase      string    `json:"phase"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Event is an outbox entry written in the same transaction as the change it describes
type Event struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// SyncInfo is the per-message state the ingestion skip policy needs
type SyncInfo struct {
	Version  string
	SyncedAt time.Time
}
