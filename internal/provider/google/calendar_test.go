package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"calmirror/internal/models"
	"calmirror/internal/provider"
)

func testClient() *CalendarClient {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestToEventTimed(t *testing.T) {
	c := testClient()

	ev, err := c.toEvent(&calendar.Event{
		Id:          "ev-1",
		Summary:     "Standup",
		Description: "Daily",
		Location:    "Room 4",
		Updated:     "2026-02-20T10:00:00Z",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00+01:00"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00+01:00"},
		Attendees: []*calendar.EventAttendee{
			{Email: "a@example.com", DisplayName: "A", ResponseStatus: "accepted"},
			{Email: "b@example.com", ResponseStatus: "needsAction"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "ev-1", ev.ProviderEventID)
	assert.Equal(t, "Standup", ev.Title)
	assert.False(t, ev.AllDay)
	assert.True(t, ev.StartTime.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)), "offsets normalize to the same instant")
	assert.True(t, ev.EndTime.Equal(time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)))
	assert.True(t, ev.LastModified.Equal(time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)))
	require.Len(t, ev.Attendees, 2)
	assert.Equal(t, models.Attendee{Email: "a@example.com", Name: "A", ResponseStatus: "accepted"}, ev.Attendees[0])
}

func TestToEventTruncatesToMillis(t *testing.T) {
	c := testClient()

	ev, err := c.toEvent(&calendar.Event{
		Id:      "ev-frac",
		Updated: "2026-02-20T10:00:00.123456789Z",
		Start:   &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00Z"},
	})
	require.NoError(t, err)

	assert.True(t, ev.LastModified.Equal(time.Date(2026, 2, 20, 10, 0, 0, 123_000_000, time.UTC)),
		"sub-millisecond precision is dropped so stored snapshots compare equal")
}

func TestListEventsFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		item := func(id string) *calendar.Event {
			return &calendar.Event{
				Id:      id,
				Summary: "Event " + id,
				Updated: "2026-02-20T10:00:00Z",
				Start:   &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
				End:     &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00Z"},
			}
		}
		page := &calendar.Events{}
		if r.URL.Query().Get("pageToken") == "" {
			page.Items = []*calendar.Event{item("ev-page1")}
			page.NextPageToken = "tok-2"
		} else {
			page.Items = []*calendar.Event{item("ev-page2")}
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	c := NewClientForEndpoint(slog.New(slog.NewTextHandler(io.Discard, nil)), srv.URL, srv.Client())
	window := models.Window{
		Min: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Max: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	events, err := c.ListEvents(context.Background(), models.Connection{ID: "conn-1"}, "cal-1", window)
	require.NoError(t, err)

	require.Len(t, events, 2, "events beyond the first page must be fetched")
	assert.Equal(t, "ev-page1", events[0].ProviderEventID)
	assert.Equal(t, "ev-page2", events[1].ProviderEventID)
}

func TestToEventAllDay(t *testing.T) {
	c := testClient()

	ev, err := c.toEvent(&calendar.Event{
		Id:    "ev-2",
		Start: &calendar.EventDateTime{Date: "2026-03-02"},
		End:   &calendar.EventDateTime{Date: "2026-03-03"},
	})
	require.NoError(t, err)

	assert.True(t, ev.AllDay)
	assert.Equal(t, models.DefaultEventTitle, ev.Title, "events without a summary get the placeholder title")
	assert.True(t, ev.StartTime.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.True(t, ev.EndTime.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
}

func TestToEventMalformed(t *testing.T) {
	c := testClient()
	var payloadErr *provider.InvalidPayloadError

	_, err := c.toEvent(&calendar.Event{Start: &calendar.EventDateTime{Date: "2026-03-02"}, End: &calendar.EventDateTime{Date: "2026-03-03"}})
	require.ErrorAs(t, err, &payloadErr, "missing id")

	_, err = c.toEvent(&calendar.Event{Id: "ev-3"})
	require.ErrorAs(t, err, &payloadErr, "missing start/end")

	_, err = c.toEvent(&calendar.Event{
		Id:    "ev-4",
		Start: &calendar.EventDateTime{DateTime: "yesterday"},
		End:   &calendar.EventDateTime{DateTime: "tomorrow"},
	})
	require.ErrorAs(t, err, &payloadErr, "unparsable times")
}

func TestFromEventRoundTrip(t *testing.T) {
	c := testClient()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	in := models.Event{
		ProviderEventID: "ev-1",
		Title:           "Standup",
		Description:     "Daily",
		Location:        "Room 4",
		StartTime:       start,
		EndTime:         start.Add(30 * time.Minute),
		Attendees:       []models.Attendee{{Email: "a@example.com", Name: "A", ResponseStatus: "accepted"}},
	}

	wire := fromEvent(in)
	wire.Id = in.ProviderEventID
	out, err := c.toEvent(wire)
	require.NoError(t, err)

	assert.Equal(t, in.ProviderEventID, out.ProviderEventID)
	assert.True(t, in.SameContent(out))
}

func TestFromEventAllDayUsesDates(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	wire := fromEvent(models.Event{
		Title:     "Offsite",
		StartTime: start,
		EndTime:   start.Add(24 * time.Hour),
		AllDay:    true,
	})

	assert.Equal(t, "2026-03-02", wire.Start.Date)
	assert.Equal(t, "2026-03-03", wire.End.Date)
	assert.Empty(t, wire.Start.DateTime)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, provider.ErrAuthExpired},
		{"rate limited 403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, provider.ErrRateLimited},
		{"user rate limited 403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, provider.ErrRateLimited},
		{"forbidden without rate reason", &googleapi.Error{Code: 403}, provider.ErrAuthExpired},
		{"not found", &googleapi.Error{Code: 404}, provider.ErrNotFound},
		{"gone", &googleapi.Error{Code: 410}, provider.ErrNotFound},
		{"too many requests", &googleapi.Error{Code: 429}, provider.ErrRateLimited},
		{"server error", &googleapi.Error{Code: 503}, provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}
}
