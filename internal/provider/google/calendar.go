package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calmirror/internal/models"
	"calmirror/internal/provider"
)

const (
	dateFormat   = "2006-01-02"
	providerName = "google"
)

// CalendarClient adapts the Google Calendar API to the provider contract.
type CalendarClient struct {
	logger *slog.Logger
	// opts replaces the per-connection token source when set; tests use
	// it to point the service at a local server.
	opts []option.ClientOption
}

// NewClient creates a new Google Calendar adapter.
func NewClient(logger *slog.Logger) *CalendarClient {
	return &CalendarClient{logger: logger}
}

// NewClientForEndpoint creates an adapter against a non-default API endpoint
// with a fixed HTTP client. Used by tests.
func NewClientForEndpoint(logger *slog.Logger, endpoint string, httpClient *http.Client) *CalendarClient {
	return &CalendarClient{logger: logger, opts: []option.ClientOption{
		option.WithEndpoint(endpoint),
		option.WithHTTPClient(httpClient),
	}}
}

// service builds a calendar service bound to the connection's current access
// token. The token source is static on purpose: refreshing is the credential
// manager's job, and an adapter-side auto-refresh would race it.
func (c *CalendarClient) service(ctx context.Context, conn models.Connection) (*calendar.Service, error) {
	opts := c.opts
	if opts == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: conn.AccessToken})
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars fetches the account's full calendar list in provider order.
func (c *CalendarClient) ListCalendars(ctx context.Context, conn models.Connection) ([]models.Calendar, error) {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	var calendars []models.Calendar
	err = svc.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			color := item.BackgroundColor
			if color == "" {
				color = models.DefaultCalendarColor
			}
			calendars = append(calendars, models.Calendar{
				ConnectionID:       conn.ID,
				TenantID:           conn.TenantID,
				ProviderCalendarID: item.Id,
				Name:               item.Summary,
				Color:              color,
				IsPrimary:          item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	c.logger.Debug("listed google calendars", "count", len(calendars))
	return calendars, nil
}

// ListEvents fetches single-instance events within the window.
func (c *CalendarClient) ListEvents(ctx context.Context, conn models.Connection, providerCalendarID string, window models.Window) ([]models.Event, error) {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	// Pages follows nextPageToken for us. A single page would silently cap
	// the snapshot, and a capped snapshot reads as mass deletion downstream.
	var events []models.Event
	err = svc.Events.List(providerCalendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(window.Min.UTC().Format(time.RFC3339)).
		TimeMax(window.Max.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(2500).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, err := c.toEvent(item)
				if err != nil {
					c.logger.Warn("skipping malformed google event", "calendarID", providerCalendarID, "error", err)
					continue
				}
				events = append(events, ev)
			}
			return nil
		})
	if err != nil {
		return nil, mapError(err)
	}
	c.logger.Info("fetched google events", "calendarID", providerCalendarID, "count", len(events))
	return events, nil
}

// CreateEvent inserts the event and returns Google's id for it.
func (c *CalendarClient) CreateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) (string, error) {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return "", err
	}

	created, err := svc.Events.Insert(providerCalendarID, fromEvent(event)).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return created.Id, nil
}

// UpdateEvent rewrites the remote event identified by event.ProviderEventID.
func (c *CalendarClient) UpdateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) error {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return err
	}

	if _, err := svc.Events.Update(providerCalendarID, event.ProviderEventID, fromEvent(event)).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// DeleteEvent removes the remote event.
func (c *CalendarClient) DeleteEvent(ctx context.Context, conn models.Connection, providerCalendarID, providerEventID string) error {
	svc, err := c.service(ctx, conn)
	if err != nil {
		return err
	}

	if err := svc.Events.Delete(providerCalendarID, providerEventID).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// toEvent normalizes a Google event into the canonical shape. All-day events
// carry a date only; timed events carry an RFC3339 date-time.
func (c *CalendarClient) toEvent(item *calendar.Event) (models.Event, error) {
	if item.Id == "" {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.ICalUID, Reason: "missing event id"}
	}
	if item.Start == nil || item.End == nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.Id, Reason: "missing start or end"}
	}

	allDay := item.Start.DateTime == ""
	var start, end time.Time
	var err error
	if allDay {
		start, err = time.ParseInLocation(dateFormat, item.Start.Date, time.UTC)
		if err == nil {
			end, err = time.ParseInLocation(dateFormat, item.End.Date, time.UTC)
		}
	} else {
		start, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err == nil {
			end, err = time.Parse(time.RFC3339, item.End.DateTime)
		}
	}
	if err != nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.Id, Reason: err.Error()}
	}

	title := item.Summary
	if title == "" {
		title = models.DefaultEventTitle
	}

	var lastModified time.Time
	if item.Updated != "" {
		// Best effort; an unparsable Updated falls back to the zero time
		// and content comparison decides updates. Truncated to the
		// store's millisecond precision so read-back compares equal.
		lastModified, _ = time.Parse(time.RFC3339, item.Updated)
		lastModified = lastModified.Truncate(time.Millisecond)
	}

	var attendees []models.Attendee
	for _, a := range item.Attendees {
		attendees = append(attendees, models.Attendee{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}

	return models.Event{
		ProviderEventID: item.Id,
		Title:           title,
		Description:     item.Description,
		StartTime:       start,
		EndTime:         end,
		AllDay:          allDay,
		Location:        item.Location,
		Attendees:       attendees,
		LastModified:    lastModified,
	}, nil
}

// fromEvent converts a canonical event into Google's request shape.
func fromEvent(event models.Event) *calendar.Event {
	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.AllDay {
		out.Start = &calendar.EventDateTime{Date: event.StartTime.UTC().Format(dateFormat)}
		out.End = &calendar.EventDateTime{Date: event.EndTime.UTC().Format(dateFormat)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		out.End = &calendar.EventDateTime{DateTime: event.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	for _, a := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.Name,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return out
}

// mapError translates Google API failures into the adapter error taxonomy.
func mapError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case 401:
			return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrAuthExpired)
		case 403:
			for _, item := range gErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrRateLimited)
				}
			}
			return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrAuthExpired)
		case 404, 410:
			return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrNotFound)
		case 429:
			return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrRateLimited)
		default:
			if gErr.Code >= 500 {
				return fmt.Errorf("google: %s: %w", gErr.Message, provider.ErrProviderUnavailable)
			}
			return fmt.Errorf("google: api error: %w", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("google: network failure: %w", provider.ErrProviderUnavailable)
	}
	return fmt.Errorf("google: %w", err)
}
