package syncer

import (
	"context"
	"fmt"
	"sync"

	"calmirror/internal/models"
)

const syncWorkers = 4

// DiscoverCalendars lists the provider's calendars for the tenant's
// connection and mirrors them locally. Newly seen calendars are created,
// known ones refreshed, and ones missing from the listing flagged stale.
func (o *Orchestrator) DiscoverCalendars(ctx context.Context, tenantID string, kind models.ProviderKind) ([]models.Calendar, error) {
	conn, err := o.store.GetConnection(ctx, tenantID, kind)
	if err != nil {
		return nil, err
	}
	conn, err = o.creds.EnsureValid(ctx, conn)
	if err != nil {
		return nil, err
	}
	adapter, err := o.providers.ForProvider(conn.Provider)
	if err != nil {
		return nil, err
	}

	remote, err := adapter.ListCalendars(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("can't list calendars: %w", err)
	}

	stored := make([]models.Calendar, 0, len(remote))
	activeIDs := make([]string, 0, len(remote))
	for _, cal := range remote {
		cal.Stale = false
		saved, err := o.store.UpsertCalendar(ctx, cal)
		if err != nil {
			return nil, fmt.Errorf("can't upsert calendar %q: %w", cal.ProviderCalendarID, err)
		}
		stored = append(stored, saved)
		activeIDs = append(activeIDs, cal.ProviderCalendarID)
	}
	if err := o.store.FlagStaleCalendars(ctx, conn.ID, activeIDs); err != nil {
		return nil, err
	}

	o.logger.Info("calendar discovery finished", "tenantID", tenantID, "provider", kind, "count", len(stored))
	return stored, nil
}

// SyncAll discovers the tenant's calendars for one provider and runs a sync
// per calendar over the window. Calendars sync in parallel on a small worker
// pool; the per-calendar lock keeps runs against one calendar serialized.
func (o *Orchestrator) SyncAll(ctx context.Context, tenantID string, kind models.ProviderKind, window models.Window) ([]models.SyncRun, error) {
	calendars, err := o.DiscoverCalendars(ctx, tenantID, kind)
	if err != nil {
		return nil, err
	}

	jobs := make(chan models.Calendar, len(calendars))
	for _, cal := range calendars {
		if cal.Stale {
			continue
		}
		jobs <- cal
	}
	close(jobs)

	var (
		mu   sync.Mutex
		runs []models.SyncRun
		wg   sync.WaitGroup
	)
	for range syncWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cal := range jobs {
				run, err := o.RunSync(ctx, tenantID, cal.ID, window)
				if err != nil {
					o.logger.Error("sync run could not start", "calendarID", cal.ID, "error", err)
					continue
				}
				mu.Lock()
				runs = append(runs, run)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return runs, nil
}
