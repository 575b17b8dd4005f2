// Package apple adapts iCloud's CalDAV interface to the provider contract.
// iCloud authenticates with an app-specific password rather than OAuth, so
// connections for this provider carry no refresh token and never expire.
package apple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"calmirror/internal/models"
	"calmirror/internal/provider"
)

const (
	defaultEndpoint = "https://caldav.icloud.com/"
	providerName    = "apple"
)

// basicAuthTransport adds Basic Auth and a User-Agent to every request.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "calmirror/1.0")
	return t.transport.RoundTrip(req)
}

// CalDAVClient adapts a CalDAV server (iCloud) to the provider contract.
type CalDAVClient struct {
	logger   *slog.Logger
	endpoint string
}

// NewClient creates a new CalDAV adapter against the iCloud endpoint.
func NewClient(logger *slog.Logger) *CalDAVClient {
	return &CalDAVClient{logger: logger, endpoint: defaultEndpoint}
}

// NewClientForEndpoint creates an adapter against another CalDAV server.
// Used by tests and self-hosted servers.
func NewClientForEndpoint(logger *slog.Logger, endpoint string) *CalDAVClient {
	return &CalDAVClient{logger: logger, endpoint: endpoint}
}

// clients builds caldav and webdav clients authorized as the connection's
// account. The access token holds the app-specific password.
func (c *CalDAVClient) clients(conn models.Connection) (*caldav.Client, *webdav.Client, error) {
	httpClient := &http.Client{Transport: &basicAuthTransport{
		username:  conn.Email,
		password:  conn.AccessToken,
		transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webdav client: %w", err)
	}
	return caldavClient, webdavClient, nil
}

// ListCalendars discovers the account's calendars via the principal and
// calendar home set. The CalDAV collection path doubles as the provider
// calendar id.
func (c *CalDAVClient) ListCalendars(ctx context.Context, conn models.Connection) ([]models.Calendar, error) {
	caldavClient, _, err := c.clients(conn)
	if err != nil {
		return nil, err
	}

	principalPath, err := caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, mapError("failed to find principal path", err)
	}
	homeSetPath, err := caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, mapError("failed to find calendar home set", err)
	}
	found, err := caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, mapError("failed to find calendars", err)
	}

	calendars := make([]models.Calendar, 0, len(found))
	for _, cal := range found {
		calendars = append(calendars, models.Calendar{
			ConnectionID:       conn.ID,
			TenantID:           conn.TenantID,
			ProviderCalendarID: cal.Path,
			Name:               cal.Name,
			Color:              models.DefaultCalendarColor,
		})
	}
	c.logger.Debug("listed caldav calendars", "count", len(calendars))
	return calendars, nil
}

// ListEvents issues a calendar-query REPORT for VEVENTs in the window.
func (c *CalDAVClient) ListEvents(ctx context.Context, conn models.Connection, providerCalendarID string, window models.Window) ([]models.Event, error) {
	caldavClient, _, err := c.clients(conn)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Min.UTC(),
				End:   window.Max.UTC(),
			}},
		},
	}

	objects, err := caldavClient.QueryCalendar(ctx, providerCalendarID, query)
	if err != nil {
		return nil, mapError("calendar query failed", err)
	}

	var events []models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			ev, err := c.toEvent(ve)
			if err != nil {
				c.logger.Warn("skipping malformed caldav event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, ev)
		}
	}
	c.logger.Info("fetched caldav events", "calendarID", providerCalendarID, "count", len(events))
	return events, nil
}

// CreateEvent PUTs a new .ics object named after the event UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) (string, error) {
	if event.ProviderEventID == "" {
		event.ProviderEventID = uuid.New().String()
	}
	if err := c.putEvent(ctx, conn, providerCalendarID, event); err != nil {
		return "", err
	}
	return event.ProviderEventID, nil
}

// UpdateEvent overwrites the .ics object at the event's path.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) error {
	return c.putEvent(ctx, conn, providerCalendarID, event)
}

// DeleteEvent removes the .ics object.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, conn models.Connection, providerCalendarID, providerEventID string) error {
	_, webdavClient, err := c.clients(conn)
	if err != nil {
		return err
	}
	if err := webdavClient.RemoveAll(ctx, eventPath(providerCalendarID, providerEventID)); err != nil {
		return mapError("failed to delete event", err)
	}
	return nil
}

func (c *CalDAVClient) putEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) error {
	_, webdavClient, err := c.clients(conn)
	if err != nil {
		return err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calmirror//EN")
	cal.Children = append(cal.Children, c.toICal(event))

	writer, err := webdavClient.Create(ctx, eventPath(providerCalendarID, event.ProviderEventID))
	if err != nil {
		return mapError("failed to create event on CalDAV server", err)
	}
	defer writer.Close()

	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	return nil
}

func eventPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid+".ics")
}

// toICal converts a canonical event into a VEVENT component.
func (c *CalDAVClient) toICal(event models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ProviderEventID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime)
	if !event.LastModified.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, event.LastModified.UTC())
	}

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee.Email))
		if attendee.Name != "" {
			p.Params.Set(ical.ParamCommonName, attendee.Name)
		}
		if attendee.ResponseStatus != "" {
			p.Params.Set(ical.ParamParticipationStatus, attendee.ResponseStatus)
		}
		ve.Props.Add(p)
	}
	return ve
}

// toEvent normalizes a VEVENT into the canonical shape. The iCal UID is the
// provider event id.
func (c *CalDAVClient) toEvent(ve ical.Event) (models.Event, error) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, Reason: "missing UID"}
	}

	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: uid, Reason: "bad DTSTART"}
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		return models.Event{}, &provider.InvalidPayloadError{Provider: providerName, ItemID: uid, Reason: "bad DTEND"}
	}

	allDay := false
	if p := ve.Props.Get(ical.PropDateTimeStart); p != nil {
		allDay = p.ValueType() == ical.ValueDate
	}

	title, _ := ve.Props.Text(ical.PropSummary)
	if title == "" {
		title = models.DefaultEventTitle
	}
	description, _ := ve.Props.Text(ical.PropDescription)
	location, _ := ve.Props.Text(ical.PropLocation)

	var lastModified time.Time
	if t, err := ve.Props.DateTime(ical.PropLastModified, time.UTC); err == nil && !t.IsZero() {
		lastModified = t
	} else if t, err := ve.Props.DateTime(ical.PropDateTimeStamp, time.UTC); err == nil {
		lastModified = t
	}

	var attendees []models.Attendee
	for _, p := range ve.Props.Values(ical.PropAttendee) {
		attendees = append(attendees, models.Attendee{
			Email:          strings.TrimPrefix(p.Value, "mailto:"),
			Name:           p.Params.Get(ical.ParamCommonName),
			ResponseStatus: p.Params.Get(ical.ParamParticipationStatus),
		})
	}

	return models.Event{
		ProviderEventID: uid,
		Title:           title,
		Description:     description,
		StartTime:       start,
		EndTime:         end,
		AllDay:          allDay,
		Location:        location,
		Attendees:       attendees,
		LastModified:    lastModified,
	}, nil
}

// mapError translates CalDAV/WebDAV failures into the adapter taxonomy.
func mapError(msg string, err error) error {
	var httpErr *webdav.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%s: %w", msg, provider.StatusError(providerName, httpErr.Code))
	}
	return fmt.Errorf("%s: %w: %v", msg, provider.ErrProviderUnavailable, err)
}
