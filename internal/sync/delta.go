package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmirror/internal/metrics"
	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// DeltaResult reports an incremental sync. When FullSync is set the delta
// checkpoint was missing or rejected and a full sync job was started in
// its place; JobID then names that job.
type DeltaResult struct {
	JobID         string       `json:"jobId"`
	Status        store.Status `json:"status"`
	Added         int64        `json:"added"`
	Updated       int64        `json:"updated"`
	Deleted       int64        `json:"deleted"`
	FullSync      bool         `json:"fullSync"`
	TotalMessages int64        `json:"totalMessages,omitempty"`
}

// Delta applies the remote changes made since the account's last
// checkpoint. It runs to completion before returning and shares the
// per-account lease with full syncs.
func (m *Manager) Delta(ctx context.Context, accountID string) (*DeltaResult, error) {
	l, err := m.acquire(accountID)
	if err != nil {
		return nil, err
	}
	res, handedOff, err := m.delta(ctx, accountID, l)
	if !handedOff {
		m.release(accountID, l)
	}
	return res, err
}

// delta reports handedOff when a full sync job now owns the lease
func (m *Manager) delta(ctx context.Context, accountID string, l *lease) (*DeltaResult, bool, error) {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if acct.LastDeltaCursor == "" {
		m.log.Info().Str("account_id", accountID).Msg("no delta checkpoint, running full sync")
		return m.fallBack(ctx, accountID, l)
	}

	p, err := m.provider(ctx, accountID)
	if err != nil {
		return nil, false, err
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        store.JobDelta,
		Status:      store.StatusRunning,
		DeltaCursor: acct.LastDeltaCursor,
	}
	if err := m.store.CreateJob(ctx, job, m.event(job, store.StatusRunning, "")); err != nil {
		if errors.Is(err, store.ErrActiveJob) {
			return nil, false, ErrAlreadyRunning
		}
		return nil, false, err
	}
	tracker := NewTracker(job.ID, accountID, 0, 0, m.opts.RateWindow, m.opts.Now)
	m.leasesMutex.Lock()
	l.jobID = job.ID
	l.tracker = tracker
	m.leasesMutex.Unlock()
	if err := m.store.SaveSnapshot(ctx, tracker.Start()); err != nil {
		m.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to save delta snapshot")
	}

	var changes *providers.Changes
	err = retry.Do(ctx, m.backoff("changes"), func() error {
		var err error
		changes, err = p.Changes(ctx, acct.LastDeltaCursor)
		return err
	}, providers.Retryable)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidCursor) {
			m.failDelta(ctx, job, tracker, store.StatusFailed, err)
			if err := m.store.ClearDeltaCursor(context.WithoutCancel(ctx), accountID); err != nil {
				return nil, false, err
			}
			m.log.Warn().Err(err).Str("account_id", accountID).Msg("delta checkpoint rejected, falling back to full sync")
			return m.fallBack(ctx, accountID, l)
		}
		return nil, false, m.deltaFailed(ctx, job, tracker, err)
	}

	upsertIDs, deletes := splitChanges(changes.Changes)
	msgs, gone, err := fetchMessages(ctx, p, accountID, upsertIDs, m.opts.FetchConcurrency, m.backoff("get"))
	if err != nil {
		return nil, false, m.deltaFailed(ctx, job, tracker, err)
	}
	// changed and then removed before we fetched it
	deletes = append(deletes, gone...)

	// nothing is written once the lease was revoked or cancelled
	switch {
	case l.authExpired.Load():
		return nil, false, m.deltaFailed(ctx, job, tracker, ErrAuthExpired)
	case l.cancelRequested.Load():
		return nil, false, m.deltaFailed(ctx, job, tracker, ErrCancelled)
	}

	var eventFn func(store.DeltaResult) *store.Event
	if m.opts.EmitEvents {
		eventFn = func(r store.DeltaResult) *store.Event {
			done := *job
			done.Added, done.Updated, done.Deleted = r.Added, r.Updated, r.Deleted
			done.Processed = r.Added + r.Updated + r.Deleted
			done.Total = done.Processed
			return m.event(&done, store.StatusCompleted, "")
		}
	}
	applied, err := m.store.ApplyDelta(ctx, job.ID, accountID, msgs, deletes, changes.NextCursor, eventFn)
	if err != nil {
		return nil, false, m.deltaFailed(ctx, job, tracker, fmt.Errorf("apply delta: %w", err))
	}
	metrics.MessagesIngested.Add(float64(len(msgs)))
	metrics.SyncJobsTotal.WithLabelValues(string(store.JobDelta), string(store.StatusCompleted)).Inc()

	m.log.Info().
		Str("account_id", accountID).
		Str("job_id", job.ID).
		Int64("added", applied.Added).
		Int64("updated", applied.Updated).
		Int64("deleted", applied.Deleted).
		Msg("delta sync completed")

	return &DeltaResult{
		JobID:   job.ID,
		Status:  store.StatusCompleted,
		Added:   applied.Added,
		Updated: applied.Updated,
		Deleted: applied.Deleted,
	}, false, nil
}

func (m *Manager) fallBack(ctx context.Context, accountID string, l *lease) (*DeltaResult, bool, error) {
	started, err := m.startFull(ctx, accountID, l, nil)
	if err != nil {
		return nil, false, err
	}
	return &DeltaResult{
		JobID:         started.JobID,
		Status:        started.Status,
		FullSync:      true,
		TotalMessages: started.TotalMessages,
	}, true, nil
}

// deltaFailed ends a delta job after err and returns the error to report
func (m *Manager) deltaFailed(ctx context.Context, job *store.Job, tracker *Tracker, err error) error {
	status := store.StatusFailed
	switch {
	case errors.Is(err, ErrAuthExpired):
		status = store.StatusAuthExpired
	case errors.Is(err, providers.ErrAuthExpired):
		status = store.StatusAuthExpired
		err = fmt.Errorf("%w: %w", ErrAuthExpired, err)
	case errors.Is(err, ErrCancelled), ctx.Err() != nil:
		status = store.StatusCancelled
	}
	m.failDelta(ctx, job, tracker, status, err)
	return err
}

func (m *Manager) failDelta(ctx context.Context, job *store.Job, tracker *Tracker, status store.Status, cause error) {
	ctx = context.WithoutCancel(ctx)
	errMsg := fmt.Sprintf("%s: %v", Code(cause), cause)
	snap := tracker.Finish(status)
	job.Status = status
	job.Error = errMsg
	if err := m.store.TransitionJob(ctx, store.JobTransition{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Status:    status,
		Error:     errMsg,
		Snapshot:  &snap,
		Event:     m.event(job, status, errMsg),
	}); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record delta outcome")
	}
	metrics.SyncJobsTotal.WithLabelValues(string(store.JobDelta), string(status)).Inc()
	m.log.Warn().Err(cause).Str("account_id", job.AccountID).Str("job_id", job.ID).Str("status", string(status)).Msg("delta sync failed")
}

// splitChanges dedupes changes by id, keeping each id's last change
func splitChanges(changes []providers.Change) (upserts, deletes []string) {
	last := make(map[string]providers.ChangeKind, len(changes))
	var order []string
	for _, c := range changes {
		if _, ok := last[c.MessageID]; !ok {
			order = append(order, c.MessageID)
		}
		last[c.MessageID] = c.Kind
	}
	for _, id := range order {
		if last[id] == providers.ChangeDelete {
			deletes = append(deletes, id)
		} else {
			upserts = append(upserts, id)
		}
	}
	return upserts, deletes
}
