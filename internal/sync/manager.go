package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/logging"
	"github.com/Martian-dev/mailmirror/internal/metrics"
	"github.com/Martian-dev/mailmirror/internal/providers"
	"github.com/Martian-dev/mailmirror/internal/retry"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// ProviderFactory returns an authenticated mail client for an account.
// It fails with an error wrapping providers.ErrAuthExpired when the
// account's credentials are no longer valid.
type ProviderFactory func(ctx context.Context, accountID string) (providers.MailProvider, error)

// Options tune the sync engine
type Options struct {
	PageSize         int
	FetchConcurrency int
	// RateWindow is the number of pages averaged for the processing rate.
	RateWindow int
	Backoff    retry.BackoffConfig
	// EmitEvents writes lifecycle events to the outbox.
	EmitEvents bool
	// Now is the tracker clock; tests replace it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 10
	}
	if o.RateWindow <= 0 {
		o.RateWindow = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// lease is the in-process claim of an account by one job. At most one
// lease exists per account.
type lease struct {
	jobID           string
	cancelRequested atomic.Bool
	authExpired     atomic.Bool
	tracker         *Tracker
}

// Manager owns the sync jobs of all accounts
type Manager struct {
	store     *store.Store
	providers ProviderFactory
	opts      Options
	log       zerolog.Logger

	leases      map[string]*lease
	leasesMutex sync.RWMutex
	closed      bool
	wg          sync.WaitGroup

	baseCtx context.Context
	stopAll context.CancelFunc
}

// NewManager creates a sync manager. Jobs run detached from request
// contexts and stop when Shutdown is called.
func NewManager(st *store.Store, factory ProviderFactory, opts Options, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		providers: factory,
		opts:      opts.withDefaults(),
		log:       logger.With().Str("component", "sync").Logger(),
		leases:    make(map[string]*lease),
		baseCtx:   ctx,
		stopAll:   cancel,
	}
}

// StartResult is returned when a full sync job is accepted
type StartResult struct {
	JobID         string       `json:"jobId"`
	Status        store.Status `json:"status"`
	TotalMessages int64        `json:"totalMessages"`
}

// CancelResult is returned by Cancel
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

// Progress is the polling view of an account's sync
type Progress struct {
	AccountID      string                  `json:"accountId"`
	SyncState      store.Status            `json:"syncState"`
	LastFullSyncAt *time.Time              `json:"lastFullSyncAt,omitempty"`
	LastError      string                  `json:"lastError,omitempty"`
	HasSnapshot    bool                    `json:"hasSnapshot"`
	Snapshot       *store.ProgressSnapshot `json:"snapshot,omitempty"`
	Job            *store.Job              `json:"job,omitempty"`
}

// Start creates a full sync job for the account and runs it in the
// background. The returned job is pending; poll GetProgress for updates.
func (m *Manager) Start(ctx context.Context, accountID string) (*StartResult, error) {
	l, err := m.acquire(accountID)
	if err != nil {
		return nil, err
	}
	res, err := m.startFull(ctx, accountID, l, nil)
	if err != nil {
		m.release(accountID, l)
		return nil, err
	}
	return res, nil
}

// Resume continues the latest cancelled or failed full sync of the account
// from its saved cursor. Pages already stored are not fetched again.
func (m *Manager) Resume(ctx context.Context, accountID string) (*StartResult, error) {
	l, err := m.acquire(accountID)
	if err != nil {
		return nil, err
	}

	prev, err := m.store.LatestJob(ctx, accountID, store.JobFull)
	if errors.Is(err, store.ErrNotFound) {
		m.release(accountID, l)
		return nil, ErrNothingToResume
	}
	if err != nil {
		m.release(accountID, l)
		return nil, err
	}
	if (prev.Status != store.StatusCancelled && prev.Status != store.StatusFailed) || prev.Cursor == "" {
		m.release(accountID, l)
		return nil, ErrNothingToResume
	}

	res, err := m.startFull(ctx, accountID, l, prev)
	if err != nil {
		m.release(accountID, l)
		return nil, err
	}
	return res, nil
}

// startFull validates the account, creates the job row and launches the
// runner. prev is the job being resumed, nil for a fresh sync.
func (m *Manager) startFull(ctx context.Context, accountID string, l *lease, prev *store.Job) (*StartResult, error) {
	if _, err := m.account(ctx, accountID); err != nil {
		return nil, err
	}
	p, err := m.provider(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var profile *providers.Profile
	err = retry.Do(ctx, m.backoff("profile"), func() error {
		var err error
		profile, err = p.Profile(ctx)
		return err
	}, providers.Retryable)
	if err != nil {
		if errors.Is(err, providers.ErrAuthExpired) {
			return nil, m.authFailed(ctx, accountID, err)
		}
		return nil, fmt.Errorf("read mailbox profile: %w", err)
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        store.JobFull,
		Status:      store.StatusPending,
		Total:       profile.MessagesTotal,
		DeltaCursor: profile.DeltaCursor,
	}
	if prev != nil {
		job.Cursor = prev.Cursor
		job.Processed = prev.Processed
		job.LineageStartedAt = prev.LineageStartedAt
		job.ResumedFrom = prev.ID
		if prev.DeltaCursor != "" {
			// changes made since the lineage began are picked up by the
			// first delta after completion
			job.DeltaCursor = prev.DeltaCursor
		}
		if job.Total < job.Processed {
			job.Total = job.Processed
		}
	}

	if err := m.store.CreateJob(ctx, job, m.event(job, store.StatusPending, "")); err != nil {
		if errors.Is(err, store.ErrActiveJob) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	m.launch(accountID, l, job, p)

	m.log.Info().
		Str("account_id", accountID).
		Str("job_id", job.ID).
		Str("resumed_from", job.ResumedFrom).
		Str("mailbox", logging.MaskEmail(profile.EmailAddress)).
		Int64("total", job.Total).
		Msg("full sync started")

	return &StartResult{JobID: job.ID, Status: job.Status, TotalMessages: job.Total}, nil
}

func (m *Manager) launch(accountID string, l *lease, job *store.Job, p providers.MailProvider) {
	tracker := NewTracker(job.ID, accountID, job.Processed, job.Total, m.opts.RateWindow, m.opts.Now)

	m.leasesMutex.Lock()
	l.jobID = job.ID
	l.tracker = tracker
	m.leasesMutex.Unlock()

	runner := &Runner{
		store:    m.store,
		provider: p,
		job:      job,
		tracker:  tracker,
		lease:    l,
		opts:     m.opts,
		backoff:  m.backoff,
		event:    m.event,
		log:      m.log.With().Str("account_id", accountID).Str("job_id", job.ID).Logger(),
	}

	go func() {
		defer m.release(accountID, l)
		runner.Run(m.baseCtx)
	}()
}

// Cancel asks the account's running job to stop at the next page
// boundary. The page in flight completes and is stored. A delta stops
// before applying its changes.
func (m *Manager) Cancel(ctx context.Context, accountID string) (*CancelResult, error) {
	m.leasesMutex.RLock()
	l := m.leases[accountID]
	var jobID string
	if l != nil {
		jobID = l.jobID
	}
	m.leasesMutex.RUnlock()

	if l == nil {
		return nil, fmt.Errorf("no sync in progress for account %s: %w", accountID, ErrNotFound)
	}
	l.cancelRequested.Store(true)

	m.log.Info().Str("account_id", accountID).Str("job_id", jobID).Msg("sync cancel requested")
	return &CancelResult{Success: true, Message: "sync cancellation requested", JobID: jobID}, nil
}

// GetProgress returns the account's sync state, latest job and snapshot
// as one consistent read.
func (m *Manager) GetProgress(ctx context.Context, accountID string) (*Progress, error) {
	view, err := m.store.SyncView(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p := &Progress{
		AccountID:      view.Account.ID,
		SyncState:      view.Account.SyncState,
		LastFullSyncAt: view.Account.LastFullSyncAt,
		LastError:      view.Account.LastError,
		Job:            view.Job,
		Snapshot:       view.Snapshot,
		HasSnapshot:    view.Snapshot != nil,
	}

	// the display phase lives in memory only
	if p.Snapshot != nil && p.Snapshot.Status == store.StatusRunning {
		m.leasesMutex.RLock()
		l := m.leases[accountID]
		if l != nil && l.jobID == p.Snapshot.JobID && l.tracker != nil {
			p.Snapshot.Phase = l.tracker.Snapshot().Phase
		}
		m.leasesMutex.RUnlock()
	}
	return p, nil
}

// MarkAuthExpired moves the account to auth_expired and stops its running
// job at the next page boundary. Syncs are refused until MarkReconnected.
func (m *Manager) MarkAuthExpired(ctx context.Context, accountID, reason string) error {
	m.leasesMutex.RLock()
	if l := m.leases[accountID]; l != nil {
		l.authExpired.Store(true)
	}
	m.leasesMutex.RUnlock()

	err := m.store.SetAccountState(ctx, accountID, store.StatusAuthExpired, reason)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	m.log.Warn().Str("account_id", accountID).Str("reason", reason).Msg("account authorization expired")
	return nil
}

// MarkReconnected clears auth_expired after the user re-authorized
func (m *Manager) MarkReconnected(ctx context.Context, accountID string) error {
	acct, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if acct.SyncState != store.StatusAuthExpired {
		return nil
	}
	return m.store.SetAccountState(ctx, accountID, store.StatusIdle, "")
}

// Recover fails jobs left pending or running by a previous process. It
// must run before the manager accepts work.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.FailInterruptedJobs(ctx, "internal: interrupted by service restart")
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	for _, job := range jobs {
		metrics.SyncJobsTotal.WithLabelValues(string(job.Kind), string(store.StatusFailed)).Inc()
		m.log.Warn().
			Str("account_id", job.AccountID).
			Str("job_id", job.ID).
			Int64("processed", job.Processed).
			Msg("failed job interrupted by restart, resumable from its cursor")
	}
	return nil
}

// RunningSyncs returns the accounts currently holding a job
func (m *Manager) RunningSyncs() []string {
	m.leasesMutex.RLock()
	defer m.leasesMutex.RUnlock()

	accounts := make([]string, 0, len(m.leases))
	for id := range m.leases {
		accounts = append(accounts, id)
	}
	return accounts
}

// Shutdown stops accepting jobs, cancels running ones and waits for them
// to record their final status.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.leasesMutex.Lock()
	m.closed = true
	m.leasesMutex.Unlock()

	m.stopAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync shutdown: %w", ctx.Err())
	}
}

func (m *Manager) acquire(accountID string) (*lease, error) {
	m.leasesMutex.Lock()
	defer m.leasesMutex.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := m.leases[accountID]; exists {
		return nil, ErrAlreadyRunning
	}
	l := &lease{}
	m.leases[accountID] = l
	m.wg.Add(1)
	metrics.SyncJobsRunning.Inc()
	return l, nil
}

func (m *Manager) release(accountID string, l *lease) {
	m.leasesMutex.Lock()
	if m.leases[accountID] == l {
		delete(m.leases, accountID)
	}
	m.leasesMutex.Unlock()
	metrics.SyncJobsRunning.Dec()
	m.wg.Done()
}

func (m *Manager) account(ctx context.Context, accountID string) (*store.Account, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if acct.SyncState == store.StatusAuthExpired {
		return nil, ErrAuthExpired
	}
	return acct, nil
}

func (m *Manager) provider(ctx context.Context, accountID string) (providers.MailProvider, error) {
	p, err := m.providers(ctx, accountID)
	if err != nil {
		if errors.Is(err, providers.ErrAuthExpired) {
			return nil, m.authFailed(ctx, accountID, err)
		}
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}

// authFailed records an authorization failure seen before a job started
func (m *Manager) authFailed(ctx context.Context, accountID string, cause error) error {
	if err := m.store.SetAccountState(context.WithoutCancel(ctx), accountID, store.StatusAuthExpired, cause.Error()); err != nil {
		m.log.Error().Err(err).Str("account_id", accountID).Msg("failed to record auth expiry")
	}
	return fmt.Errorf("%w: %w", ErrAuthExpired, cause)
}

func (m *Manager) backoff(op string) retry.BackoffConfig {
	cfg := m.opts.Backoff
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RemoteRetries.WithLabelValues(op).Inc()
		m.log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying remote call")
	}
	return cfg
}

func (m *Manager) event(job *store.Job, status store.Status, errMsg string) *store.Event {
	if !m.opts.EmitEvents {
		return nil
	}
	return events.Sync(job, status, errMsg)
}
