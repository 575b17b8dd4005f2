package store

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"calmirror/internal/models"
	"calmirror/internal/reconciler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// An in-memory sqlite database lives and dies with its connection.
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	st := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, st.CreateSchema(context.Background()))
	return st
}

func seedConnection(t *testing.T, st *Store) models.Connection {
	t.Helper()
	conn := models.Connection{
		ID:           "conn-1",
		TenantID:     "tenant-1",
		Provider:     models.ProviderGoogle,
		Email:        "user@example.com",
		AccessToken:  "tok",
		RefreshToken: "refresh",
		TokenExpiry:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveConnection(context.Background(), conn))
	return conn
}

func seedCalendar(t *testing.T, st *Store, conn models.Connection) models.Calendar {
	t.Helper()
	cal, err := st.UpsertCalendar(context.Background(), models.Calendar{
		ConnectionID:       conn.ID,
		TenantID:           conn.TenantID,
		ProviderCalendarID: "remote-cal-1",
		Name:               "Work",
		Color:              models.DefaultCalendarColor,
	})
	require.NoError(t, err)
	return cal
}

func storedEvent(providerID string, start time.Time) models.Event {
	return models.Event{
		ProviderEventID: providerID,
		Title:           "Meeting " + providerID,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		LastModified:    time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndGetConnection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)

	got, err := st.GetConnection(ctx, conn.TenantID, conn.Provider)
	require.NoError(t, err)
	assert.Equal(t, conn, got)

	byID, err := st.GetConnectionByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn, byID)

	_, err = st.GetConnection(ctx, "nobody", models.ProviderGoogle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveConnectionOverwritesTokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)

	conn.AccessToken = "new-tok"
	conn.RefreshToken = "new-refresh"
	conn.TokenExpiry = conn.TokenExpiry.Add(time.Hour)
	require.NoError(t, st.SaveConnection(ctx, conn))

	got, err := st.GetConnectionByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-tok", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	assert.True(t, got.TokenExpiry.Equal(conn.TokenExpiry))
}

func TestSaveConnectionRejectsInvalid(t *testing.T) {
	st := newTestStore(t)
	err := st.SaveConnection(context.Background(), models.Connection{Provider: models.ProviderGoogle})
	assert.Error(t, err)
}

func TestUpsertCalendarKeepsIdentityAndWatermark(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)

	syncedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.MarkCalendarSynced(ctx, cal.ID, syncedAt))

	// Re-discovery with a renamed calendar must hit the same row.
	again, err := st.UpsertCalendar(ctx, models.Calendar{
		ConnectionID:       conn.ID,
		TenantID:           conn.TenantID,
		ProviderCalendarID: cal.ProviderCalendarID,
		Name:               "Work (renamed)",
		Color:              "#FF0000",
	})
	require.NoError(t, err)

	assert.Equal(t, cal.ID, again.ID, "the local id survives re-discovery")
	assert.Equal(t, "Work (renamed)", again.Name)
	assert.Equal(t, "#FF0000", again.Color)
	assert.True(t, again.LastSyncedAt.Equal(syncedAt), "the watermark survives re-discovery")

	calendars, err := st.GetCalendarsByConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Len(t, calendars, 1)
}

func TestFlagStaleCalendars(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)

	for _, pid := range []string{"remote-cal-1", "remote-cal-2", "remote-cal-3"} {
		_, err := st.UpsertCalendar(ctx, models.Calendar{
			ConnectionID:       conn.ID,
			TenantID:           conn.TenantID,
			ProviderCalendarID: pid,
			Name:               pid,
		})
		require.NoError(t, err)
	}

	require.NoError(t, st.FlagStaleCalendars(ctx, conn.ID, []string{"remote-cal-1", "remote-cal-3"}))

	calendars, err := st.GetCalendarsByConnection(ctx, conn.ID)
	require.NoError(t, err)
	stale := make(map[string]bool)
	for _, cal := range calendars {
		stale[cal.ProviderCalendarID] = cal.Stale
	}
	assert.False(t, stale["remote-cal-1"])
	assert.True(t, stale["remote-cal-2"])
	assert.False(t, stale["remote-cal-3"])

	// An empty listing flags everything.
	require.NoError(t, st.FlagStaleCalendars(ctx, conn.ID, nil))
	calendars, err = st.GetCalendarsByConnection(ctx, conn.ID)
	require.NoError(t, err)
	for _, cal := range calendars {
		assert.True(t, cal.Stale)
	}
}

func TestApplyEventDiffCreatesUpdatesDeletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)
	window := models.Window{
		Min: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	created := storedEvent("ev-1", window.Min.Add(24*time.Hour))
	created.Attendees = []models.Attendee{
		{Email: "a@example.com", Name: "A", ResponseStatus: "accepted"},
		{Email: "b@example.com", ResponseStatus: "needsAction"},
	}
	result := st.ApplyEventDiff(ctx, cal.ID, models.EventDiff{ToCreate: []models.Event{created}})
	assert.Equal(t, 1, result.Created)
	assert.Zero(t, result.Failed())

	events, err := st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Meeting ev-1", events[0].Title)
	assert.Len(t, events[0].Attendees, 2)

	updated := created
	updated.Title = "Rescheduled"
	updated.StartTime = created.StartTime.Add(time.Hour)
	updated.EndTime = created.EndTime.Add(time.Hour)
	updated.Attendees = []models.Attendee{{Email: "a@example.com", Name: "A", ResponseStatus: "declined"}}
	result = st.ApplyEventDiff(ctx, cal.ID, models.EventDiff{ToUpdate: []models.Event{updated}})
	assert.Equal(t, 1, result.Updated)

	events, err = st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)
	require.Len(t, events, 1, "updating must never duplicate the row")
	assert.Equal(t, "Rescheduled", events[0].Title)
	require.Len(t, events[0].Attendees, 1, "the attendee list is replaced, not appended")
	assert.Equal(t, "declined", events[0].Attendees[0].ResponseStatus)

	result = st.ApplyEventDiff(ctx, cal.ID, models.EventDiff{ToDelete: []models.Event{updated}})
	assert.Equal(t, 1, result.Deleted)

	events, err = st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestApplyEventDiffReplayIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)
	window := models.Window{
		Min: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	diff := models.EventDiff{
		ToCreate: []models.Event{
			storedEvent("ev-1", window.Min.Add(24*time.Hour)),
			storedEvent("ev-2", window.Min.Add(48*time.Hour)),
		},
		ToDelete: []models.Event{storedEvent("ev-gone", window.Min.Add(72*time.Hour))},
	}

	first := st.ApplyEventDiff(ctx, cal.ID, diff)
	assert.Zero(t, first.Failed())
	replay := st.ApplyEventDiff(ctx, cal.ID, diff)
	assert.Zero(t, replay.Failed(), "replaying a diff must not fail")
	assert.Equal(t, 1, replay.Deleted, "deleting an absent event is a no-op, not an error")

	events, err := st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)
	assert.Len(t, events, 2, "replay must not duplicate events")
}

func TestApplyEventDiffKeepsSubSecondTimestamps(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)
	window := models.Window{
		Min: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	remote := storedEvent("ev-frac", window.Min.Add(24*time.Hour))
	remote.LastModified = time.Date(2026, 2, 20, 10, 0, 0, 123_000_000, time.UTC)

	result := st.ApplyEventDiff(ctx, cal.ID, models.EventDiff{ToCreate: []models.Event{remote}})
	require.Zero(t, result.Failed())

	events, err := st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].LastModified.Equal(remote.LastModified),
		"fractional seconds must survive a round trip")

	// With the timestamp intact, an unchanged remote snapshot produces no work.
	diff := reconciler.Reconcile(events, []models.Event{remote}, window)
	assert.True(t, diff.Empty(), "a stored event must not look stale against its own snapshot")
}

func TestApplyEventDiffRejectsEventWithoutProviderID(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)

	bad := storedEvent("", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	result := st.ApplyEventDiff(context.Background(), cal.ID, models.EventDiff{ToCreate: []models.Event{bad}})
	require.Equal(t, 1, result.Failed())
	assert.Equal(t, "create", result.Failures[0].Op)
	assert.Zero(t, result.Created)
}

func TestGetEventsByCalendarWindowOverlap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)
	window := models.Window{
		Min: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	inside := storedEvent("ev-inside", window.Min.Add(24*time.Hour))
	straddlesStart := storedEvent("ev-straddles-start", window.Min.Add(-30*time.Minute))
	straddlesEnd := storedEvent("ev-straddles-end", window.Max.Add(-30*time.Minute))
	before := storedEvent("ev-before", window.Min.Add(-48*time.Hour))
	after := storedEvent("ev-after", window.Max.Add(48*time.Hour))

	result := st.ApplyEventDiff(ctx, cal.ID, models.EventDiff{
		ToCreate: []models.Event{inside, straddlesStart, straddlesEnd, before, after},
	})
	require.Zero(t, result.Failed())

	events, err := st.GetEventsByCalendarWindow(ctx, cal.ID, window)
	require.NoError(t, err)

	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.ProviderEventID)
	}
	assert.ElementsMatch(t, []string{"ev-inside", "ev-straddles-start", "ev-straddles-end"}, ids)
}

func TestSyncRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)

	started := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	run := models.SyncRun{
		ID:         "run-1",
		CalendarID: cal.ID,
		TimeMin:    started,
		TimeMax:    started.Add(7 * 24 * time.Hour),
		StartedAt:  started,
		Status:     models.RunPending,
	}
	require.NoError(t, st.RecordSyncRun(ctx, run))

	run.Status = models.RunPartial
	run.CompletedAt = started.Add(30 * time.Second)
	run.Created = 3
	run.Failed = 1
	run.Error = "1 of 4 diff items failed"
	run.Retryable = true
	require.NoError(t, st.FinalizeSyncRun(ctx, run))

	runs, err := st.ListSyncRuns(ctx, cal.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPartial, runs[0].Status)
	assert.Equal(t, 3, runs[0].Created)
	assert.Equal(t, 1, runs[0].Failed)
	assert.True(t, runs[0].Retryable)

	// A second finalize must not rewrite history.
	run.Status = models.RunSuccess
	run.Error = ""
	require.NoError(t, st.FinalizeSyncRun(ctx, run))

	runs, err = st.ListSyncRuns(ctx, cal.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPartial, runs[0].Status, "finalized runs are immutable")
	assert.Equal(t, "1 of 4 diff items failed", runs[0].Error)
}

func TestListSyncRunsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, st)
	cal := seedCalendar(t, st, conn)

	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, st.RecordSyncRun(ctx, models.SyncRun{
			ID:         id,
			CalendarID: cal.ID,
			TimeMin:    base,
			TimeMax:    base.Add(24 * time.Hour),
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			Status:     models.RunPending,
		}))
	}

	runs, err := st.ListSyncRuns(ctx, cal.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
}
