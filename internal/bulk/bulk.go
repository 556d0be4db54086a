// Package bulk trashes or permanently deletes sets of messages on the
// provider and reconciles the mirror with the outcome.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/explorer"
	"github.com/Martian-dev/mailmirror/internal/metrics"
	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/store"
	mirrorsync "github.com/Martian-dev/mailmirror/internal/sync"
)

var ErrInvalidTarget = errors.New("exactly one of ids or filters is required")

// Action is a bulk mutation
type Action string

const (
	ActionTrash  Action = "trash"
	ActionDelete Action = "delete"
)

// Target names the messages to act on: explicit ids or a filter, never both
type Target struct {
	IDs     []string         `json:"ids"`
	Filters *explorer.Filter `json:"filters"`
}

// Resolver turns a filter into the ids it matches at call time
type Resolver interface {
	ResolveIDs(ctx context.Context, accountID string, f explorer.Filter, max int) ([]string, error)
}

// AuthNotifier is told when the provider rejects the account's credentials
type AuthNotifier interface {
	MarkAuthExpired(ctx context.Context, accountID, reason string) error
}

// Options tune the executor
type Options struct {
	Concurrency int
	MaxTargets  int
	Backoff     retry.BackoffConfig
	EmitEvents  bool
}

// TrashResult reports a bulk trash
type TrashResult struct {
	TrashedCount int      `json:"trashedCount"`
	FailedCount  int      `json:"failedCount"`
	FailedIDs    []string `json:"failedIds,omitempty"`
	AuthExpired  bool     `json:"authExpired,omitempty"`
	Message      string   `json:"message"`
}

// DeleteResult reports a bulk permanent delete
type DeleteResult struct {
	DeletedCount int      `json:"deletedCount"`
	FailedCount  int      `json:"failedCount"`
	FailedIDs    []string `json:"failedIds,omitempty"`
	AuthExpired  bool     `json:"authExpired,omitempty"`
	Message      string   `json:"message"`
}

// Executor runs bulk actions
type Executor struct {
	store     *store.Store
	resolver  Resolver
	providers mirrorsync.ProviderFactory
	auth      AuthNotifier
	opts      Options
	log       zerolog.Logger
}

func NewExecutor(st *store.Store, resolver Resolver, factory mirrorsync.ProviderFactory, auth AuthNotifier, opts Options, logger zerolog.Logger) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.MaxTargets <= 0 {
		opts.MaxTargets = 10000
	}
	return &Executor{
		store:     st,
		resolver:  resolver,
		providers: factory,
		auth:      auth,
		opts:      opts,
		log:       logger.With().Str("component", "bulk").Logger(),
	}
}

// outcome of one id
type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDone
	outcomeSkipped
)

type run struct {
	ids         []string
	outcomes    []outcome
	authExpired bool
}

func (r *run) done() []string {
	var ids []string
	for i, o := range r.outcomes {
		if o == outcomeDone {
			ids = append(ids, r.ids[i])
		}
	}
	return ids
}

func (r *run) failed() []string {
	var ids []string
	for i, o := range r.outcomes {
		if o != outcomeDone {
			ids = append(ids, r.ids[i])
		}
	}
	return ids
}

// Trash moves the target messages to the provider's trash and flags the
// successes as trashed locally. Failures are counted, not fatal.
func (e *Executor) Trash(ctx context.Context, accountID string, target Target) (*TrashResult, error) {
	r, err := e.execute(ctx, accountID, ActionTrash, target, func(ctx context.Context, p providers.MailProvider, id string) error {
		return p.Trash(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	done := r.done()
	if len(done) > 0 {
		if _, err := e.store.MarkTrashed(context.WithoutCancel(ctx), accountID, done); err != nil {
			return nil, fmt.Errorf("mark trashed: %w", err)
		}
	}

	res := &TrashResult{
		TrashedCount: len(done),
		FailedIDs:    r.failed(),
		AuthExpired:  r.authExpired,
	}
	res.FailedCount = len(res.FailedIDs)
	res.Message = fmt.Sprintf("Moved %d emails to trash", res.TrashedCount)
	if res.FailedCount > 0 {
		res.Message += fmt.Sprintf(", %d failed", res.FailedCount)
	}
	e.finish(ctx, accountID, ActionTrash, len(r.ids), res.TrashedCount, res.FailedCount)
	return res, nil
}

// PermanentlyDelete deletes the target messages on the provider and
// removes the rows it confirmed. A message the provider no longer has
// counts as deleted.
func (e *Executor) PermanentlyDelete(ctx context.Context, accountID string, target Target) (*DeleteResult, error) {
	r, err := e.execute(ctx, accountID, ActionDelete, target, func(ctx context.Context, p providers.MailProvider, id string) error {
		err := p.Delete(ctx, id)
		if errors.Is(err, providers.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	done := r.done()
	if len(done) > 0 {
		if _, err := e.store.DeleteMessages(context.WithoutCancel(ctx), accountID, done); err != nil {
			return nil, fmt.Errorf("delete mirrored messages: %w", err)
		}
	}

	res := &DeleteResult{
		DeletedCount: len(done),
		FailedIDs:    r.failed(),
		AuthExpired:  r.authExpired,
	}
	res.FailedCount = len(res.FailedIDs)
	res.Message = fmt.Sprintf("Permanently deleted %d emails", res.DeletedCount)
	if res.FailedCount > 0 {
		res.Message += fmt.Sprintf(", %d failed", res.FailedCount)
	}
	e.finish(ctx, accountID, ActionDelete, len(r.ids), res.DeletedCount, res.FailedCount)
	return res, nil
}

// execute resolves the target and applies call to every id with bounded
// fan-out. It runs to completion even if the caller goes away.
func (e *Executor) execute(ctx context.Context, accountID string, action Action, target Target, call func(context.Context, providers.MailProvider, string) error) (*run, error) {
	ids, err := e.resolve(ctx, accountID, target)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	r := &run{ids: ids, outcomes: make([]outcome, len(ids))}
	if len(ids) == 0 {
		return r, nil
	}

	p, err := e.providers(ctx, accountID)
	if err != nil {
		if errors.Is(err, providers.ErrAuthExpired) {
			e.authExpired(ctx, accountID, err)
			return nil, fmt.Errorf("%w: %w", mirrorsync.ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("create provider: %w", err)
	}

	log := e.log.With().Str("account_id", accountID).Str("action", string(action)).Logger()
	log.Info().Int("targets", len(ids)).Msg("bulk action started")

	var (
		stop    atomic.Bool
		authErr atomic.Value
	)
	backoff := e.opts.Backoff
	backoff.OnRetry = func(attempt int, err error) {
		metrics.RemoteRetries.WithLabelValues(string(action)).Inc()
	}

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for i, id := range ids {
		if stop.Load() {
			r.outcomes[i] = outcomeSkipped
			continue
		}
		g.Go(func() error {
			err := retry.Do(ctx, backoff, func() error {
				return call(ctx, p, id)
			}, providers.Retryable)
			switch {
			case err == nil:
				r.outcomes[i] = outcomeDone
			case errors.Is(err, providers.ErrAuthExpired):
				r.outcomes[i] = outcomeFailed
				if stop.CompareAndSwap(false, true) {
					authErr.Store(err)
				}
			default:
				r.outcomes[i] = outcomeFailed
				log.Warn().Err(err).Str("message_id", id).Msg("bulk action failed for message")
			}
			return nil
		})
	}
	_ = g.Wait()

	if v := authErr.Load(); v != nil {
		r.authExpired = true
		e.authExpired(ctx, accountID, v.(error))
	}
	return r, nil
}

func (e *Executor) resolve(ctx context.Context, accountID string, target Target) ([]string, error) {
	hasIDs := len(target.IDs) > 0
	hasFilter := target.Filters != nil && !target.Filters.IsZero()
	if hasIDs == hasFilter {
		return nil, ErrInvalidTarget
	}

	if hasFilter {
		return e.resolver.ResolveIDs(ctx, accountID, *target.Filters, e.opts.MaxTargets)
	}

	if len(target.IDs) > e.opts.MaxTargets {
		return nil, fmt.Errorf("%w: more than %d ids", ErrInvalidTarget, e.opts.MaxTargets)
	}
	seen := make(map[string]bool, len(target.IDs))
	ids := make([]string, 0, len(target.IDs))
	for _, id := range target.IDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) authExpired(ctx context.Context, accountID string, cause error) {
	if e.auth == nil {
		return
	}
	if err := e.auth.MarkAuthExpired(ctx, accountID, cause.Error()); err != nil {
		e.log.Error().Err(err).Str("account_id", accountID).Msg("failed to record auth expiry")
	}
}

func (e *Executor) finish(ctx context.Context, accountID string, action Action, requested, succeeded, failed int) {
	metrics.BulkMessages.WithLabelValues(string(action), "success").Add(float64(succeeded))
	metrics.BulkMessages.WithLabelValues(string(action), "failed").Add(float64(failed))

	if e.opts.EmitEvents {
		if err := e.store.AppendEvent(context.WithoutCancel(ctx), events.Bulk(accountID, string(action), requested, succeeded, failed)); err != nil {
			e.log.Error().Err(err).Str("account_id", accountID).Msg("failed to append bulk event")
		}
	}

	e.log.Info().
		Str("account_id", accountID).
		Str("action", string(action)).
		Int("requested", requested).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("bulk action finished")
}
