package store

import (
	"context"
	"fmt"

	"calmirror/internal/models"
)

// RecordSyncRun inserts the run in its pending state at the start of an
// orchestration pass.
func (s *Store) RecordSyncRun(ctx context.Context, run models.SyncRun) error {
	row := syncRunRow{
		ID:         run.ID,
		CalendarID: run.CalendarID,
		TimeMin:    unix(run.TimeMin),
		TimeMax:    unix(run.TimeMax),
		StartedAt:  unix(run.StartedAt),
		Status:     string(run.Status),
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("can't record sync run: %w", err)
	}
	return nil
}

// FinalizeSyncRun writes the terminal outcome exactly once. Finalized runs
// are immutable; a second finalize is a no-op.
func (s *Store) FinalizeSyncRun(ctx context.Context, run models.SyncRun) error {
	res, err := s.db.NewUpdate().
		Model((*syncRunRow)(nil)).
		Set("completed_at = ?", unix(run.CompletedAt)).
		Set("created = ?", run.Created).
		Set("updated = ?", run.Updated).
		Set("deleted = ?", run.Deleted).
		Set("failed = ?", run.Failed).
		Set("status = ?", string(run.Status)).
		Set("error = ?", run.Error).
		Set("retryable = ?", run.Retryable).
		Where("id = ?", run.ID).
		Where("status = ?", string(models.RunPending)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("can't finalize sync run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Warn("sync run already finalized", "runID", run.ID)
	}
	return nil
}

// ListSyncRuns returns the calendar's most recent runs, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, calendarID string, limit int) ([]models.SyncRun, error) {
	var rows []syncRunRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("calendar_id = ?", calendarID).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("can't list sync runs: %w", err)
	}
	runs := make([]models.SyncRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, models.SyncRun{
			ID:          row.ID,
			CalendarID:  row.CalendarID,
			TimeMin:     fromUnix(row.TimeMin),
			TimeMax:     fromUnix(row.TimeMax),
			StartedAt:   fromUnix(row.StartedAt),
			CompletedAt: fromUnix(row.CompletedAt),
			Created:     row.Created,
			Updated:     row.Updated,
			Deleted:     row.Deleted,
			Failed:      row.Failed,
			Status:      models.RunStatus(row.Status),
			Error:       row.Error,
			Retryable:   row.Retryable,
		})
	}
	return runs, nil
}
