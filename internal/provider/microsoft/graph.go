// Package microsoft adapts the Microsoft Graph calendar API. There is no
// official Go SDK for Graph calendars, so the adapter speaks REST directly
// through an oauth2-authorized HTTP client.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"calmirror/internal/models"
	"calmirror/internal/provider"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	// Graph date-times omit the zone; the Prefer header pins them to UTC.
	graphTimeFormat = "2006-01-02T15:04:05"
	providerName    = "microsoft"
)

// GraphClient adapts Microsoft Graph to the provider contract.
type GraphClient struct {
	logger  *slog.Logger
	baseURL string
	// httpClient overrides the oauth2 client when set; tests use it.
	httpClient *http.Client
}

// NewClient creates a new Microsoft Graph adapter.
func NewClient(logger *slog.Logger) *GraphClient {
	return &GraphClient{logger: logger, baseURL: graphBaseURL}
}

// NewClientForEndpoint creates an adapter against a non-default Graph
// endpoint with a fixed HTTP client. Used by tests.
func NewClientForEndpoint(logger *slog.Logger, baseURL string, httpClient *http.Client) *GraphClient {
	return &GraphClient{logger: logger, baseURL: baseURL, httpClient: httpClient}
}

func (c *GraphClient) client(ctx context.Context, conn models.Connection) *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: conn.AccessToken})
	return oauth2.NewClient(ctx, ts)
}

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	HexColor          string `json:"hexColor"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID      string `json:"id,omitempty"`
	Subject string `json:"subject"`
	Body    *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body,omitempty"`
	Start    *graphDateTime `json:"start"`
	End      *graphDateTime `json:"end"`
	IsAllDay bool           `json:"isAllDay"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location,omitempty"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
	IsCancelled          bool   `json:"isCancelled,omitempty"`
}

// ListCalendars fetches the account's calendars in Graph order, following
// @odata.nextLink until the listing is exhausted.
func (c *GraphClient) ListCalendars(ctx context.Context, conn models.Connection) ([]models.Calendar, error) {
	var calendars []models.Calendar
	next := c.baseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value    []graphCalendar `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := c.getURL(ctx, conn, next, &page); err != nil {
			return nil, err
		}
		for _, cal := range page.Value {
			color := cal.HexColor
			if color == "" {
				color = models.DefaultCalendarColor
			}
			calendars = append(calendars, models.Calendar{
				ConnectionID:       conn.ID,
				TenantID:           conn.TenantID,
				ProviderCalendarID: cal.ID,
				Name:               cal.Name,
				Color:              color,
				IsPrimary:          cal.IsDefaultCalendar,
			})
		}
		next = page.NextLink
	}
	c.logger.Debug("listed microsoft calendars", "count", len(calendars))
	return calendars, nil
}

// ListEvents fetches the calendar view for the window, following
// @odata.nextLink until the view is exhausted. A truncated snapshot would
// read as mass deletion downstream, so every page must be consumed.
// calendarView returns materialized instances of recurring events, matching
// the single-instance contract.
func (c *GraphClient) ListEvents(ctx context.Context, conn models.Connection, providerCalendarID string, window models.Window) ([]models.Event, error) {
	params := url.Values{}
	params.Set("startDateTime", window.Min.UTC().Format(graphTimeFormat))
	params.Set("endDateTime", window.Max.UTC().Format(graphTimeFormat))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", "500")

	var events []models.Event
	next := c.baseURL + "/me/calendars/" + url.PathEscape(providerCalendarID) + "/calendarView?" + params.Encode()
	for next != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := c.getURL(ctx, conn, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if item.IsCancelled {
				continue
			}
			ev, err := toEvent(item)
			if err != nil {
				c.logger.Warn("skipping malformed microsoft event", "calendarID", providerCalendarID, "error", err)
				continue
			}
			events = append(events, ev)
		}
		next = page.NextLink
	}
	c.logger.Info("fetched microsoft events", "calendarID", providerCalendarID, "count", len(events))
	return events, nil
}

// CreateEvent posts the event and returns Graph's id for it.
func (c *GraphClient) CreateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) (string, error) {
	var created graphEvent
	path := "/me/calendars/" + url.PathEscape(providerCalendarID) + "/events"
	if err := c.write(ctx, conn, http.MethodPost, path, fromEvent(event), http.StatusCreated, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateEvent patches the remote event identified by event.ProviderEventID.
func (c *GraphClient) UpdateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) error {
	path := "/me/calendars/" + url.PathEscape(providerCalendarID) + "/events/" + url.PathEscape(event.ProviderEventID)
	return c.write(ctx, conn, http.MethodPatch, path, fromEvent(event), http.StatusOK, nil)
}

// DeleteEvent removes the remote event.
func (c *GraphClient) DeleteEvent(ctx context.Context, conn models.Connection, providerCalendarID, providerEventID string) error {
	path := "/me/calendars/" + url.PathEscape(providerCalendarID) + "/events/" + url.PathEscape(providerEventID)
	return c.write(ctx, conn, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

func (c *GraphClient) getURL(ctx context.Context, conn models.Connection, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := c.client(ctx, conn).Do(req)
	if err != nil {
		return fmt.Errorf("microsoft: request failed: %w: %v", provider.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.StatusError(providerName, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("microsoft: failed to decode response: %w", err)
	}
	return nil
}

func (c *GraphClient) write(ctx context.Context, conn models.Connection, method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("microsoft: failed to marshal event: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client(ctx, conn).Do(req)
	if err != nil {
		return fmt.Errorf("microsoft: request failed: %w: %v", provider.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return provider.StatusError(providerName, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("microsoft: failed to decode response: %w", err)
		}
	}
	return nil
}

func toEvent(item graphEvent) (models.Event, error) {
	if item.ID == "" {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, Reason: "missing event id"}
	}
	if item.Start == nil || item.End == nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.ID, Reason: "missing start or end"}
	}

	start, err := parseGraphTime(item.Start)
	if err != nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.ID, Reason: err.Error()}
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: item.ID, Reason: err.Error()}
	}

	title := item.Subject
	if title == "" {
		title = models.DefaultEventTitle
	}

	var description string
	if item.Body != nil {
		description = item.Body.Content
	}
	var location string
	if item.Location != nil {
		location = item.Location.DisplayName
	}

	var lastModified time.Time
	if item.LastModifiedDateTime != "" {
		// Graph reports 100ns precision; the store keeps milliseconds,
		// so truncate here or replayed snapshots look newer forever.
		lastModified, _ = time.Parse(time.RFC3339, item.LastModifiedDateTime)
		lastModified = lastModified.Truncate(time.Millisecond)
	}

	var attendees []models.Attendee
	for _, a := range item.Attendees {
		attendees = append(attendees, models.Attendee{
			Email:          a.EmailAddress.Address,
			Name:           a.EmailAddress.Name,
			ResponseStatus: a.Status.Response,
		})
	}

	return models.Event{
		ProviderEventID: item.ID,
		Title:           title,
		Description:     description,
		StartTime:       start,
		EndTime:         end,
		AllDay:          item.IsAllDay,
		Location:        location,
		Attendees:       attendees,
		LastModified:    lastModified,
	}, nil
}

// parseGraphTime reads a Graph date-time. The Prefer header pins responses to
// UTC; anything else in the zone field is honored if loadable.
func parseGraphTime(dt *graphDateTime) (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeFormat, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date-time %q: %w", dt.DateTime, err)
	}
	return t, nil
}

func fromEvent(event models.Event) graphEvent {
	out := graphEvent{
		Subject:  event.Title,
		IsAllDay: event.AllDay,
		Start:    &graphDateTime{DateTime: event.StartTime.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:      &graphDateTime{DateTime: event.EndTime.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
	}
	if event.Description != "" {
		out.Body = &struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		}{ContentType: "text", Content: event.Description}
	}
	if event.Location != "" {
		out.Location = &struct {
			DisplayName string `json:"displayName"`
		}{DisplayName: event.Location}
	}
	for _, a := range event.Attendees {
		attendee := struct {
			EmailAddress struct {
				Address string `json:"address"`
				Name    string `json:"name"`
			} `json:"emailAddress"`
			Status struct {
				Response string `json:"response"`
			} `json:"status"`
		}{}
		attendee.EmailAddress.Address = a.Email
		attendee.EmailAddress.Name = a.Name
		attendee.Status.Response = a.ResponseStatus
		out.Attendees = append(out.Attendees, attendee)
	}
	return out
}
