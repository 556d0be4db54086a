// Package events builds the lifecycle events written to the outbox and
// dispatches them to the message bus.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	natsjs "github.com/Martian-dev/mailmirror/internal/nats"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// SyncPayload describes a sync job status change
type SyncPayload struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Processed int64  `json:"processed"`
	Total     int64  `json:"total"`
	Added     int64  `json:"added,omitempty"`
	Updated   int64  `json:"updated,omitempty"`
	Deleted   int64  `json:"deleted,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkPayload describes a finished bulk action
type BulkPayload struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"account_id"`
	Action    string `json:"action"`
	Requested int    `json:"requested"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Sync builds the outbox entry for job entering status. The message id is
// stable per (job, status) so a replayed transition is deduplicated.
func Sync(job *store.Job, status store.Status, errMsg string) *store.Event {
	eventType := "sync." + string(status)
	payload, _ := json.Marshal(SyncPayload{
		EventID:   uuid.NewString(),
		Type:      eventType,
		TS:        time.Now().UnixMilli(),
		AccountID: job.AccountID,
		JobID:     job.ID,
		Kind:      string(job.Kind),
		Status:    string(status),
		Processed: job.Processed,
		Total:     job.Total,
		Added:     job.Added,
		Updated:   job.Updated,
		Deleted:   job.Deleted,
		Error:     errMsg,
	})
	return &store.Event{
		Subject: natsjs.AccountSubject(job.AccountID, eventType),
		Type:    eventType,
		Payload: payload,
		MsgID:   fmt.Sprintf("%s|%s", eventType, job.ID),
	}
}

// Bulk builds the outbox entry for a finished bulk action
func Bulk(accountID, action string, requested, succeeded, failed int) *store.Event {
	eventID := uuid.NewString()
	eventType := "mirror.bulk_" + action
	payload, _ := json.Marshal(BulkPayload{
		EventID:   eventID,
		Type:      eventType,
		TS:        time.Now().UnixMilli(),
		AccountID: accountID,
		Action:    action,
		Requested: requested,
		Succeeded: succeeded,
		Failed:    failed,
	})
	return &store.Event{
		Subject: natsjs.AccountSubject(accountID, eventType),
		Type:    eventType,
		Payload: payload,
		MsgID:   fmt.Sprintf("%s|%s", eventType, eventID),
	}
}
