// Package syncer drives sync runs: credential, remote fetch, reconcile,
// apply, watermark. One run per (tenant, calendar) pair; runs against the
// same calendar are serialized, runs against different calendars are
// independent. The syncer does not decide when to run — triggering, retry,
// and backoff belong to the caller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"calmirror/internal/credentials"
	"calmirror/internal/metric"
	"calmirror/internal/models"
	"calmirror/internal/provider"
	"calmirror/internal/reconciler"
	"calmirror/internal/store"
)

// ErrSyncInProgress means another run currently holds the calendar's lock.
// The caller may retry after that run finishes.
var ErrSyncInProgress = errors.New("syncer: sync already in progress for calendar")

// Store is the persistence contract the orchestrator consumes. Implemented
// by *store.Store; tests substitute doubles.
type Store interface {
	GetConnection(ctx context.Context, tenantID string, provider models.ProviderKind) (models.Connection, error)
	GetConnectionByID(ctx context.Context, id string) (models.Connection, error)
	GetCalendar(ctx context.Context, calendarID string) (models.Calendar, error)
	UpsertCalendar(ctx context.Context, cal models.Calendar) (models.Calendar, error)
	FlagStaleCalendars(ctx context.Context, connectionID string, activeProviderIDs []string) error
	MarkCalendarSynced(ctx context.Context, calendarID string, at time.Time) error
	GetEventsByCalendarWindow(ctx context.Context, calendarID string, window models.Window) ([]models.Event, error)
	ApplyEventDiff(ctx context.Context, calendarID string, diff models.EventDiff) store.ApplyResult
	RecordSyncRun(ctx context.Context, run models.SyncRun) error
	FinalizeSyncRun(ctx context.Context, run models.SyncRun) error
}

// CredentialManager hands out currently-valid connections.
type CredentialManager interface {
	EnsureValid(ctx context.Context, conn models.Connection) (models.Connection, error)
	ForceRefresh(ctx context.Context, conn models.Connection) (models.Connection, error)
}

// Orchestrator owns the sync state machine.
type Orchestrator struct {
	store     Store
	providers provider.Registry
	creds     CredentialManager
	logger    *slog.Logger
	// timeout bounds one run end to end; zero means no deadline.
	timeout time.Duration

	mu      sync.Mutex
	running map[string]bool
}

// New creates an orchestrator.
func New(st Store, providers provider.Registry, creds CredentialManager, logger *slog.Logger, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:     st,
		providers: providers,
		creds:     creds,
		logger:    logger,
		timeout:   timeout,
		running:   make(map[string]bool),
	}
}

// tryLock acquires the calendar's advisory lock without blocking. The lock
// only gates entry; no cross-run lock is held while blocked on provider I/O.
func (o *Orchestrator) tryLock(calendarID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[calendarID] {
		return false
	}
	o.running[calendarID] = true
	return true
}

func (o *Orchestrator) unlock(calendarID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, calendarID)
}

// RunSync performs one sync run for the tenant's calendar over the half-open
// window [window.Min, window.Max). The returned SyncRun is terminal; failed
// runs are not retried here. An error is returned only when no run could be
// recorded at all.
func (o *Orchestrator) RunSync(ctx context.Context, tenantID, calendarID string, window models.Window) (models.SyncRun, error) {
	if err := window.Validate(); err != nil {
		return models.SyncRun{}, err
	}
	if !o.tryLock(calendarID) {
		return models.SyncRun{}, ErrSyncInProgress
	}
	defer o.unlock(calendarID)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return models.SyncRun{}, err
	}
	if cal.TenantID != tenantID {
		return models.SyncRun{}, fmt.Errorf("calendar %s does not belong to tenant %s", calendarID, tenantID)
	}

	run := models.SyncRun{
		ID:         uuid.NewString(),
		CalendarID: calendarID,
		TimeMin:    window.Min,
		TimeMax:    window.Max,
		StartedAt:  time.Now().UTC(),
		Status:     models.RunPending,
	}
	if err := o.store.RecordSyncRun(ctx, run); err != nil {
		return models.SyncRun{}, err
	}

	run = o.execute(ctx, run, cal, window)

	run.CompletedAt = time.Now().UTC()
	if err := o.store.FinalizeSyncRun(ctx, run); err != nil {
		o.logger.Error("can't finalize sync run", "runID", run.ID, "error", err)
	}
	metric.SyncRuns.WithLabelValues(string(run.Status)).Inc()
	metric.SyncRunDuration.Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	o.logger.Info("sync run finished",
		"runID", run.ID,
		"calendarID", run.CalendarID,
		"status", run.Status,
		"created", run.Created,
		"updated", run.Updated,
		"deleted", run.Deleted,
		"failed", run.Failed,
	)
	return run, nil
}

// PreviewSync computes the diff a run over the window would apply, without
// writing anything or recording a run.
func (o *Orchestrator) PreviewSync(ctx context.Context, tenantID, calendarID string, window models.Window) (models.EventDiff, error) {
	if err := window.Validate(); err != nil {
		return models.EventDiff{}, err
	}
	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return models.EventDiff{}, err
	}
	if cal.TenantID != tenantID {
		return models.EventDiff{}, fmt.Errorf("calendar %s does not belong to tenant %s", calendarID, tenantID)
	}

	conn, err := o.store.GetConnectionByID(ctx, cal.ConnectionID)
	if err != nil {
		return models.EventDiff{}, err
	}
	conn, err = o.creds.EnsureValid(ctx, conn)
	if err != nil {
		return models.EventDiff{}, err
	}
	adapter, err := o.providers.ForProvider(conn.Provider)
	if err != nil {
		return models.EventDiff{}, err
	}

	remote, err := o.fetchRemote(ctx, adapter, conn, cal, window)
	if err != nil {
		return models.EventDiff{}, err
	}
	local, err := o.store.GetEventsByCalendarWindow(ctx, cal.ID, window)
	if err != nil {
		return models.EventDiff{}, err
	}
	return reconciler.Reconcile(local, remote, window), nil
}

// execute walks the run through its states and returns it with the terminal
// state set.
func (o *Orchestrator) execute(ctx context.Context, run models.SyncRun, cal models.Calendar, window models.Window) models.SyncRun {
	conn, err := o.store.GetConnectionByID(ctx, cal.ConnectionID)
	if err != nil {
		return failed(run, err, true)
	}

	conn, err = o.creds.EnsureValid(ctx, conn)
	if err != nil {
		// No point reconciling against future requests that will also
		// fail; credential failures abort immediately.
		return failed(run, err, !errors.Is(err, credentials.ErrCredentialInvalid))
	}

	adapter, err := o.providers.ForProvider(conn.Provider)
	if err != nil {
		return failed(run, err, false)
	}

	remote, err := o.fetchRemote(ctx, adapter, conn, cal, window)
	if errors.Is(err, provider.ErrNotFound) {
		// The remote calendar is gone. Flag it locally; not a run
		// failure.
		if flagErr := o.flagCalendarStale(ctx, cal); flagErr != nil {
			o.logger.Warn("can't flag stale calendar", "calendarID", cal.ID, "error", flagErr)
		}
		o.logger.Info("remote calendar gone, flagged stale", "calendarID", cal.ID)
		run.Status = models.RunSuccess
		return run
	}
	if err != nil {
		return failed(run, err, retryable(err))
	}

	local, err := o.store.GetEventsByCalendarWindow(ctx, cal.ID, window)
	if err != nil {
		return failed(run, err, true)
	}

	diff := reconciler.Reconcile(local, remote, window)
	if !diff.Empty() {
		result := o.store.ApplyEventDiff(ctx, cal.ID, diff)
		run.Created = result.Created
		run.Updated = result.Updated
		run.Deleted = result.Deleted
		run.Failed = result.Failed()
		metric.SyncItems.WithLabelValues("create").Add(float64(result.Created))
		metric.SyncItems.WithLabelValues("update").Add(float64(result.Updated))
		metric.SyncItems.WithLabelValues("delete").Add(float64(result.Deleted))
	}

	if run.Failed > 0 {
		run.Status = models.RunPartial
		run.Retryable = true
		run.Error = fmt.Sprintf("%d of %d diff items failed", run.Failed, run.Failed+run.Created+run.Updated+run.Deleted)
	} else {
		run.Status = models.RunSuccess
	}
	if err := o.store.MarkCalendarSynced(ctx, cal.ID, time.Now().UTC()); err != nil {
		o.logger.Warn("can't update sync watermark", "calendarID", cal.ID, "error", err)
	}
	return run
}

// fetchRemote lists remote events, refreshing the credential and retrying
// exactly once when the provider rejects a token that looked fresh locally.
func (o *Orchestrator) fetchRemote(ctx context.Context, adapter provider.Client, conn models.Connection, cal models.Calendar, window models.Window) ([]models.Event, error) {
	events, err := adapter.ListEvents(ctx, conn, cal.ProviderCalendarID, window)
	if !errors.Is(err, provider.ErrAuthExpired) {
		return events, err
	}

	o.logger.Info("access token rejected, refreshing once", "connectionID", conn.ID)
	conn, refreshErr := o.creds.ForceRefresh(ctx, conn)
	if refreshErr != nil {
		return nil, refreshErr
	}
	return adapter.ListEvents(ctx, conn, cal.ProviderCalendarID, window)
}

// flagCalendarStale marks the one calendar stale by re-upserting it with the
// flag set.
func (o *Orchestrator) flagCalendarStale(ctx context.Context, cal models.Calendar) error {
	cal.Stale = true
	_, err := o.store.UpsertCalendar(ctx, cal)
	return err
}

func failed(run models.SyncRun, err error, canRetry bool) models.SyncRun {
	run.Status = models.RunFailed
	run.Retryable = canRetry
	run.Error = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		run.Error = "sync run timed out: " + err.Error()
		run.Retryable = true
	}
	return run
}

// retryable classifies fetch failures for the external scheduler.
func retryable(err error) bool {
	switch {
	case errors.Is(err, credentials.ErrCredentialInvalid):
		return false
	case errors.Is(err, provider.ErrRateLimited),
		errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return true
}
