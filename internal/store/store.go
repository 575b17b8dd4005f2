// Package store is the persistence layer for the local calendar mirror:
// connections, calendars, events, attendees, and sync run history on sqlite
// via bun. Callers never issue raw queries; everything goes through the
// operations here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"calmirror/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the bun handle. Passed into the orchestrator explicitly so
// tests can substitute a double.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite database: %w", err)
	}
	sqldb.SetMaxIdleConns(8)
	return New(bun.NewDB(sqldb, sqlitedialect.New()), logger), nil
}

// New wraps an existing bun handle. Tests use it with an in-memory database.
func New(db *bun.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateSchema creates the tables and the uniqueness indexes backing the
// idempotency keys.
func (s *Store) CreateSchema(ctx context.Context) error {
	if err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*connectionRow)(nil),
			(*calendarRow)(nil),
			(*eventRow)(nil),
			(*attendeeRow)(nil),
			(*syncRunRow)(nil),
		} {
			if _, err := tx.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewCreateIndex().
			Model((*calendarRow)(nil)).
			Index("idx_calendars_connection_provider").
			Unique().
			Column("connection_id", "provider_calendar_id").
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewCreateIndex().
			Model((*eventRow)(nil)).
			Index("idx_events_calendar_provider").
			Unique().
			Column("calendar_id", "provider_event_id").
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("CreateSchema: %w", err)
	}
	return nil
}

// GetConnection returns the tenant's connection for the given provider.
func (s *Store) GetConnection(ctx context.Context, tenantID string, provider models.ProviderKind) (models.Connection, error) {
	row := new(connectionRow)
	err := s.db.NewSelect().
		Model(row).
		Where("tenant_id = ?", tenantID).
		Where("provider = ?", string(provider)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Connection{}, fmt.Errorf("connection for tenant %s provider %s: %w", tenantID, provider, ErrNotFound)
	}
	if err != nil {
		return models.Connection{}, fmt.Errorf("can't get connection: %w", err)
	}
	return row.toModel(), nil
}

// GetConnectionByID returns a connection by local id.
func (s *Store) GetConnectionByID(ctx context.Context, id string) (models.Connection, error) {
	row := new(connectionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Connection{}, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Connection{}, fmt.Errorf("can't get connection: %w", err)
	}
	return row.toModel(), nil
}

// SaveConnection inserts or overwrites the connection. Token refresh runs
// through here.
func (s *Store) SaveConnection(ctx context.Context, conn models.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if err := conn.Validate(); err != nil {
		return fmt.Errorf("can't save connection: %w", err)
	}
	row := connectionToRow(conn)
	if _, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("access_token = EXCLUDED.access_token").
		Set("refresh_token = EXCLUDED.refresh_token").
		Set("token_expiry = EXCLUDED.token_expiry").
		Exec(ctx); err != nil {
		return fmt.Errorf("can't save connection: %w", err)
	}
	return nil
}

// GetCalendar returns one calendar by local id.
func (s *Store) GetCalendar(ctx context.Context, calendarID string) (models.Calendar, error) {
	row := new(calendarRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", calendarID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Calendar{}, fmt.Errorf("calendar %s: %w", calendarID, ErrNotFound)
	}
	if err != nil {
		return models.Calendar{}, fmt.Errorf("can't get calendar: %w", err)
	}
	return row.toModel(), nil
}

// GetCalendarsByConnection returns all mirrored calendars of a connection.
func (s *Store) GetCalendarsByConnection(ctx context.Context, connectionID string) ([]models.Calendar, error) {
	var rows []calendarRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("connection_id = ?", connectionID).
		Order("name ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("can't get calendars: %w", err)
	}
	calendars := make([]models.Calendar, 0, len(rows))
	for _, row := range rows {
		calendars = append(calendars, row.toModel())
	}
	return calendars, nil
}

// UpsertCalendar creates the calendar on first discovery or refreshes its
// display attributes, keyed by (connection_id, provider_calendar_id). The
// local id and sync watermark survive updates. Returns the stored calendar.
func (s *Store) UpsertCalendar(ctx context.Context, cal models.Calendar) (models.Calendar, error) {
	if cal.ID == "" {
		cal.ID = uuid.NewString()
	}
	row := calendarRow{
		ID:                 cal.ID,
		ConnectionID:       cal.ConnectionID,
		TenantID:           cal.TenantID,
		ProviderCalendarID: cal.ProviderCalendarID,
		Name:               cal.Name,
		Color:              cal.Color,
		IsPrimary:          cal.IsPrimary,
		Stale:              cal.Stale,
		LastSyncedAt:       unix(cal.LastSyncedAt),
	}
	if _, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (connection_id, provider_calendar_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("color = EXCLUDED.color").
		Set("is_primary = EXCLUDED.is_primary").
		Set("stale = EXCLUDED.stale").
		Exec(ctx); err != nil {
		return models.Calendar{}, fmt.Errorf("can't upsert calendar: %w", err)
	}

	stored := new(calendarRow)
	if err := s.db.NewSelect().
		Model(stored).
		Where("connection_id = ?", cal.ConnectionID).
		Where("provider_calendar_id = ?", cal.ProviderCalendarID).
		Scan(ctx); err != nil {
		return models.Calendar{}, fmt.Errorf("can't read back calendar: %w", err)
	}
	return stored.toModel(), nil
}

// FlagStaleCalendars marks calendars of the connection that are missing from
// the latest provider listing. Calendars are flagged, never deleted, so
// historical event links survive.
func (s *Store) FlagStaleCalendars(ctx context.Context, connectionID string, activeProviderIDs []string) error {
	query := s.db.NewUpdate().
		Model((*calendarRow)(nil)).
		Set("stale = ?", true).
		Where("connection_id = ?", connectionID)
	if len(activeProviderIDs) > 0 {
		query = query.Where("provider_calendar_id NOT IN (?)", bun.In(activeProviderIDs))
	}
	if _, err := query.Exec(ctx); err != nil {
		return fmt.Errorf("can't flag stale calendars: %w", err)
	}
	return nil
}

// MarkCalendarSynced advances the calendar's sync watermark.
func (s *Store) MarkCalendarSynced(ctx context.Context, calendarID string, at time.Time) error {
	if _, err := s.db.NewUpdate().
		Model((*calendarRow)(nil)).
		Set("last_synced_at = ?", unix(at)).
		Where("id = ?", calendarID).
		Exec(ctx); err != nil {
		return fmt.Errorf("can't mark calendar synced: %w", err)
	}
	return nil
}

// GetEventsByCalendarWindow returns local events overlapping [window.Min,
// window.Max), attendees included. Overlap (not containment) mirrors the
// provider list semantics so reconciliation sees the same population on both
// sides.
func (s *Store) GetEventsByCalendarWindow(ctx context.Context, calendarID string, window models.Window) ([]models.Event, error) {
	var rows []eventRow
	if err := s.db.NewSelect().
		Model(&rows).
		Relation("Attendees").
		Where("calendar_id = ?", calendarID).
		Where("start_time < ?", unix(window.Max)).
		Where("end_time > ?", unix(window.Min)).
		Order("start_time ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("can't get events: %w", err)
	}
	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, nil
}
