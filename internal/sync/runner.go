package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailmirror/internal/metrics"
	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// Runner drives one full sync job page by page. A page's messages are
// durable before its cursor is saved, and the next page is not listed
// before both are written.
type Runner struct {
	store    *store.Store
	provider providers.MailProvider
	job      *store.Job
	tracker  *Tracker
	lease    *lease
	opts     Options
	backoff  func(op string) retry.BackoffConfig
	event    func(job *store.Job, status store.Status, errMsg string) *store.Event
	log      zerolog.Logger
}

// Run executes the job until it completes, is cancelled or fails, and
// returns the final status.
func (r *Runner) Run(ctx context.Context) store.Status {
	snap := r.tracker.Start()
	if err := r.store.TransitionJob(ctx, store.JobTransition{
		JobID:     r.job.ID,
		AccountID: r.job.AccountID,
		Status:    store.StatusRunning,
		Snapshot:  &snap,
		Event:     r.event(r.job, store.StatusRunning, ""),
	}); err != nil {
		return r.finish(ctx, store.StatusFailed, fmt.Errorf("start job: %w", err))
	}
	r.job.Status = store.StatusRunning

	for {
		if r.lease.authExpired.Load() {
			return r.finish(ctx, store.StatusAuthExpired, ErrAuthExpired)
		}
		if r.lease.cancelRequested.Load() || ctx.Err() != nil {
			return r.finish(ctx, store.StatusCancelled, nil)
		}

		done, err := r.runPage(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, context.Canceled):
				return r.finish(ctx, store.StatusCancelled, nil)
			case errors.Is(err, providers.ErrAuthExpired):
				return r.finish(ctx, store.StatusAuthExpired, err)
			default:
				return r.finish(ctx, store.StatusFailed, err)
			}
		}
		if done {
			if r.lease.authExpired.Load() {
				return r.finish(ctx, store.StatusAuthExpired, ErrAuthExpired)
			}
			return r.finish(ctx, store.StatusCompleted, nil)
		}
	}
}

// runPage lists, fetches and stores one page, then saves the cursor and
// progress. It reports whether that was the last page.
func (r *Runner) runPage(ctx context.Context) (bool, error) {
	start := time.Now()

	r.tracker.SetPhase(PhaseListing)
	var page *providers.ListPage
	err := retry.Do(ctx, r.backoff("list"), func() error {
		var err error
		page, err = r.provider.ListPage(ctx, r.job.Cursor, r.opts.PageSize)
		return err
	}, providers.Retryable)
	if err != nil {
		return false, fmt.Errorf("list page: %w", err)
	}

	r.tracker.SetPhase(PhaseDownloading)
	refs := r.needsFetch(ctx, page.Refs)
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	msgs, _, err := fetchMessages(ctx, r.provider, r.job.AccountID, ids, r.opts.FetchConcurrency, r.backoff("get"))
	if err != nil {
		return false, err
	}

	r.tracker.SetPhase(PhaseFinalizing)
	if len(msgs) > 0 {
		if _, err := r.store.UpsertMessages(ctx, msgs); err != nil {
			return false, fmt.Errorf("store page: %w", err)
		}
		metrics.MessagesIngested.Add(float64(len(msgs)))
	}

	processed := r.job.Processed + int64(len(page.Refs))
	total := r.job.Total
	if page.EstimatedTotal > 0 {
		total = page.EstimatedTotal
	}
	if total < processed {
		total = processed
	}

	snap := r.tracker.Update(processed, total)
	if err := r.store.SaveProgress(ctx, r.job.ID, page.NextCursor, processed, total, snap); err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}
	r.job.Cursor = page.NextCursor
	r.job.Processed = processed
	r.job.Total = total

	metrics.PageDuration.Observe(time.Since(start).Seconds())
	r.log.Debug().
		Int("listed", len(page.Refs)).
		Int("fetched", len(msgs)).
		Int64("processed", processed).
		Int64("total", total).
		Float64("rate", snap.Rate).
		Msg("page stored")

	return page.NextCursor == "", nil
}

// needsFetch drops refs already mirrored in this lineage with an unchanged
// version. A failed lookup fetches everything.
func (r *Runner) needsFetch(ctx context.Context, refs []providers.MessageRef) []providers.MessageRef {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	known, err := r.store.MessageSyncInfo(ctx, r.job.AccountID, ids)
	if err != nil {
		r.log.Warn().Err(err).Msg("sync info lookup failed, fetching whole page")
		return refs
	}

	out := refs[:0:0]
	for _, ref := range refs {
		info, ok := known[ref.ID]
		if ok && (ref.Version == "" || ref.Version == info.Version) && info.SyncedAt.After(r.job.LineageStartedAt) {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// finish records the terminal status. It runs detached from ctx so a
// cancelled job still persists its outcome.
func (r *Runner) finish(ctx context.Context, status store.Status, cause error) store.Status {
	ctx = context.WithoutCancel(ctx)

	t := store.JobTransition{
		JobID:     r.job.ID,
		AccountID: r.job.AccountID,
		Status:    status,
	}
	var errMsg string
	if cause != nil {
		errMsg = fmt.Sprintf("%s: %v", Code(cause), cause)
		t.Error = errMsg
	}
	switch status {
	case store.StatusCompleted:
		processed := r.job.Processed
		t.Total = &processed
		t.ClearCursor = true
		t.FullSyncDone = true
		r.job.Total = processed
		r.job.Cursor = ""
	case store.StatusFailed:
		if errors.Is(cause, providers.ErrInvalidCursor) {
			t.ClearCursor = true
			r.job.Cursor = ""
		}
	}

	snap := r.tracker.Finish(status)
	t.Snapshot = &snap
	r.job.Status = status
	r.job.Error = errMsg
	t.Event = r.event(r.job, status, errMsg)

	if err := r.store.TransitionJob(ctx, t); err != nil {
		r.log.Error().Err(err).Str("status", string(status)).Msg("failed to record job outcome")
	}
	metrics.SyncJobsTotal.WithLabelValues(string(store.JobFull), string(status)).Inc()

	ev := r.log.Info()
	if cause != nil {
		ev = r.log.Warn().Err(cause)
	}
	ev.Str("status", string(status)).
		Int64("processed", r.job.Processed).
		Int64("total", r.job.Total).
		Msg("full sync finished")
	return status
}

// fetchMessages downloads ids with bounded concurrency and converts them
// to mirror rows. Ids the provider no longer has are returned as missing.
// Any other failure aborts the batch.
func fetchMessages(ctx context.Context, p providers.MailProvider, accountID string, ids []string, concurrency int, backoff retry.BackoffConfig) ([]store.Message, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	results := make([]*store.Message, len(ids))
	missing := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, id := range ids {
		g.Go(func() error {
			var meta *providers.MessageMeta
			err := retry.Do(gctx, backoff, func() error {
				var err error
				meta, err = p.GetMessage(gctx, id)
				return err
			}, providers.Retryable)
			if errors.Is(err, providers.ErrNotFound) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("get message %s: %w", id, err)
			}
			msg := ToMessage(accountID, meta)
			results[i] = &msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	msgs := make([]store.Message, 0, len(ids))
	var gone []string
	for i, m := range results {
		if m != nil {
			msgs = append(msgs, *m)
		} else if missing[i] {
			gone = append(gone, ids[i])
		}
	}
	return msgs, gone, nil
}

// ToMessage converts provider metadata into a mirror row. It depends only
// on its inputs.
func ToMessage(accountID string, meta *providers.MessageMeta) store.Message {
	email, name := providers.ParseSender(meta.Sender)

	labels := make([]string, 0, len(meta.ProviderLabels))
	seen := make(map[string]bool, len(meta.ProviderLabels))
	for _, l := range meta.ProviderLabels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}

	category := meta.Category
	if category == "" {
		category = providers.CategoryFromLabels(labels)
	}

	var unsubscribe *string
	if link := providers.UnsubscribeLink(meta.Headers["List-Unsubscribe"]); link != "" {
		unsubscribe = &link
	}

	return store.Message{
		AccountID:       accountID,
		MessageID:       meta.MessageID,
		ThreadID:        meta.ThreadID,
		Version:         meta.Version,
		Subject:         meta.Subject,
		Snippet:         meta.Snippet,
		FromEmail:       email,
		FromName:        name,
		FromDomain:      providers.Domain(email),
		Labels:          labels,
		Category:        category,
		SizeBytes:       meta.SizeBytes,
		IsUnread:        providers.HasLabel(labels, "UNREAD"),
		IsStarred:       providers.HasLabel(labels, "STARRED"),
		IsTrash:         providers.HasLabel(labels, "TRASH"),
		IsSpam:          providers.HasLabel(labels, "SPAM"),
		IsImportant:     providers.HasLabel(labels, "IMPORTANT"),
		HasAttachments:  meta.HasAttachments,
		InternalDate:    meta.MessageDate.UTC(),
		UnsubscribeLink: unsubscribe,
	}
}
