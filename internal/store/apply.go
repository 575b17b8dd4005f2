package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"calmirror/internal/models"
)

// ItemFailure records one diff item that could not be applied.
type ItemFailure struct {
	Op              string
	ProviderEventID string
	Err             error
}

// ApplyResult summarizes an apply phase.
type ApplyResult struct {
	Created  int
	Updated  int
	Deleted  int
	Failures []ItemFailure
}

// Failed returns the number of items that could not be applied.
func (r ApplyResult) Failed() int { return len(r.Failures) }

// ApplyEventDiff applies the reconciliation diff to local storage. Items are
// applied individually: one failing item is recorded and the rest proceed.
// Upserts are keyed by (calendar_id, provider_event_id), so replaying a diff
// never duplicates events.
func (s *Store) ApplyEventDiff(ctx context.Context, calendarID string, diff models.EventDiff) ApplyResult {
	var result ApplyResult

	for _, ev := range diff.ToCreate {
		ev.CalendarID = calendarID
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if err := s.upsertEvent(ctx, ev); err != nil {
			s.logger.Warn("can't create event", "calendarID", calendarID, "providerEventID", ev.ProviderEventID, "error", err)
			result.Failures = append(result.Failures, ItemFailure{Op: "create", ProviderEventID: ev.ProviderEventID, Err: err})
			continue
		}
		result.Created++
	}

	for _, ev := range diff.ToUpdate {
		ev.CalendarID = calendarID
		if err := s.upsertEvent(ctx, ev); err != nil {
			s.logger.Warn("can't update event", "calendarID", calendarID, "providerEventID", ev.ProviderEventID, "error", err)
			result.Failures = append(result.Failures, ItemFailure{Op: "update", ProviderEventID: ev.ProviderEventID, Err: err})
			continue
		}
		result.Updated++
	}

	for _, ev := range diff.ToDelete {
		if err := s.deleteEvent(ctx, calendarID, ev.ProviderEventID); err != nil {
			s.logger.Warn("can't delete event", "calendarID", calendarID, "providerEventID", ev.ProviderEventID, "error", err)
			result.Failures = append(result.Failures, ItemFailure{Op: "delete", ProviderEventID: ev.ProviderEventID, Err: err})
			continue
		}
		result.Deleted++
	}

	return result
}

// upsertEvent writes one event and its attendee list in a transaction.
func (s *Store) upsertEvent(ctx context.Context, ev models.Event) error {
	if ev.ProviderEventID == "" {
		return fmt.Errorf("event has no provider event id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	row := eventToRow(ev)

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().
			Model(&row).
			On("CONFLICT (calendar_id, provider_event_id) DO UPDATE").
			Set("title = EXCLUDED.title").
			Set("description = EXCLUDED.description").
			Set("start_time = EXCLUDED.start_time").
			Set("end_time = EXCLUDED.end_time").
			Set("all_day = EXCLUDED.all_day").
			Set("location = EXCLUDED.location").
			Set("last_modified = EXCLUDED.last_modified").
			Exec(ctx); err != nil {
			return fmt.Errorf("can't upsert event: %w", err)
		}

		// The conflict target may have kept an older row id; resolve it
		// before rewriting attendees.
		stored := new(eventRow)
		if err := tx.NewSelect().
			Model(stored).
			Column("id").
			Where("calendar_id = ?", ev.CalendarID).
			Where("provider_event_id = ?", ev.ProviderEventID).
			Scan(ctx); err != nil {
			return fmt.Errorf("can't read back event: %w", err)
		}

		if _, err := tx.NewDelete().
			Model((*attendeeRow)(nil)).
			Where("event_id = ?", stored.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("can't clear attendees: %w", err)
		}
		if len(ev.Attendees) > 0 {
			attendeeRows := make([]attendeeRow, 0, len(ev.Attendees))
			for _, a := range ev.Attendees {
				attendeeRows = append(attendeeRows, attendeeRow{
					EventID:        stored.ID,
					Email:          a.Email,
					Name:           a.Name,
					ResponseStatus: a.ResponseStatus,
				})
			}
			if _, err := tx.NewInsert().Model(&attendeeRows).Exec(ctx); err != nil {
				return fmt.Errorf("can't insert attendees: %w", err)
			}
		}
		return nil
	})
}

// deleteEvent removes one event and its attendees.
func (s *Store) deleteEvent(ctx context.Context, calendarID, providerEventID string) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		stored := new(eventRow)
		err := tx.NewSelect().
			Model(stored).
			Column("id").
			Where("calendar_id = ?", calendarID).
			Where("provider_event_id = ?", providerEventID).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			// Already gone; deletion is idempotent.
			return nil
		}
		if err != nil {
			return fmt.Errorf("can't find event: %w", err)
		}

		if _, err := tx.NewDelete().
			Model((*attendeeRow)(nil)).
			Where("event_id = ?", stored.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("can't delete attendees: %w", err)
		}
		if _, err := tx.NewDelete().
			Model((*eventRow)(nil)).
			Where("id = ?", stored.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("can't delete event: %w", err)
		}
		return nil
	})
}
