package store

import (
	"time"

	"github.com/uptrace/bun"

	"calmirror/internal/models"
)

// Row types for the local mirror. Timestamps are stored as unix milliseconds
// UTC so sqlite range queries compare numerically and provider modification
// times survive the round trip without losing precision.

type connectionRow struct {
	bun.BaseModel `bun:"table:connections"`

	ID           string `bun:"id,pk"`
	TenantID     string `bun:"tenant_id,notnull"`
	Provider     string `bun:"provider,notnull"`
	Email        string `bun:"email"`
	AccessToken  string `bun:"access_token,notnull"`
	RefreshToken string `bun:"refresh_token"`
	TokenExpiry  int64  `bun:"token_expiry"`

	Calendars []*calendarRow `bun:"rel:has-many,join:id=connection_id"`
}

type calendarRow struct {
	bun.BaseModel `bun:"table:calendars"`

	ID                 string `bun:"id,pk"`
	ConnectionID       string `bun:"connection_id,notnull"`
	TenantID           string `bun:"tenant_id,notnull"`
	ProviderCalendarID string `bun:"provider_calendar_id,notnull"`
	Name               string `bun:"name,notnull"`
	Color              string `bun:"color"`
	IsPrimary          bool   `bun:"is_primary"`
	Stale              bool   `bun:"stale"`
	LastSyncedAt       int64  `bun:"last_synced_at"`

	Connection *connectionRow `bun:"rel:belongs-to,join:connection_id=id"`
	Events     []*eventRow    `bun:"rel:has-many,join:id=calendar_id"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID              string `bun:"id,pk"`
	CalendarID      string `bun:"calendar_id,notnull"`
	ProviderEventID string `bun:"provider_event_id,notnull"`
	Title           string `bun:"title,notnull"`
	Description     string `bun:"description"`
	StartTime       int64  `bun:"start_time,notnull"`
	EndTime         int64  `bun:"end_time,notnull"`
	AllDay          bool   `bun:"all_day"`
	Location        string `bun:"location"`
	LastModified    int64  `bun:"last_modified"`

	Calendar  *calendarRow   `bun:"rel:belongs-to,join:calendar_id=id"`
	Attendees []*attendeeRow `bun:"rel:has-many,join:id=event_id"`
}

type attendeeRow struct {
	bun.BaseModel `bun:"table:attendees"`

	EventID        string `bun:"event_id,notnull"`
	Email          string `bun:"email,notnull"`
	Name           string `bun:"name"`
	ResponseStatus string `bun:"response_status"`

	Event *eventRow `bun:"rel:belongs-to,join:event_id=id"`
}

type syncRunRow struct {
	bun.BaseModel `bun:"table:sync_runs"`

	ID          string `bun:"id,pk"`
	CalendarID  string `bun:"calendar_id,notnull"`
	TimeMin     int64  `bun:"time_min,notnull"`
	TimeMax     int64  `bun:"time_max,notnull"`
	StartedAt   int64  `bun:"started_at,notnull"`
	CompletedAt int64  `bun:"completed_at"`
	Created     int    `bun:"created"`
	Updated     int    `bun:"updated"`
	Deleted     int    `bun:"deleted"`
	Failed      int    `bun:"failed"`
	Status      string `bun:"status,notnull"`
	Error       string `bun:"error"`
	Retryable   bool   `bun:"retryable"`
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func (r connectionRow) toModel() models.Connection {
	return models.Connection{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Provider:     models.ProviderKind(r.Provider),
		Email:        r.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenExpiry:  fromUnix(r.TokenExpiry),
	}
}

func connectionToRow(c models.Connection) connectionRow {
	return connectionRow{
		ID:           c.ID,
		TenantID:     c.TenantID,
		Provider:     string(c.Provider),
		Email:        c.Email,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenExpiry:  unix(c.TokenExpiry),
	}
}

func (r calendarRow) toModel() models.Calendar {
	return models.Calendar{
		ID:                 r.ID,
		ConnectionID:       r.ConnectionID,
		TenantID:           r.TenantID,
		ProviderCalendarID: r.ProviderCalendarID,
		Name:               r.Name,
		Color:              r.Color,
		IsPrimary:          r.IsPrimary,
		Stale:              r.Stale,
		LastSyncedAt:       fromUnix(r.LastSyncedAt),
	}
}

func (r eventRow) toModel() models.Event {
	ev := models.Event{
		ID:              r.ID,
		CalendarID:      r.CalendarID,
		ProviderEventID: r.ProviderEventID,
		Title:           r.Title,
		Description:     r.Description,
		StartTime:       fromUnix(r.StartTime),
		EndTime:         fromUnix(r.EndTime),
		AllDay:          r.AllDay,
		Location:        r.Location,
		LastModified:    fromUnix(r.LastModified),
	}
	for _, a := range r.Attendees {
		ev.Attendees = append(ev.Attendees, models.Attendee{
			Email:          a.Email,
			Name:           a.Name,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return ev
}

func eventToRow(e models.Event) eventRow {
	return eventRow{
		ID:              e.ID,
		CalendarID:      e.CalendarID,
		ProviderEventID: e.ProviderEventID,
		Title:           e.Title,
		Description:     e.Description,
		StartTime:       unix(e.StartTime),
		EndTime:         unix(e.EndTime),
		AllDay:          e.AllDay,
		Location:        e.Location,
		LastModified:    unix(e.LastModified),
	}
}
