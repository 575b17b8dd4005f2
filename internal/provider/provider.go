// Package provider defines the uniform contract over the external calendar
// APIs. Each variant translates these calls into its provider's native
// request/response shape and normalizes results into the canonical models.
// Adapters never touch local storage.
package provider

import (
	"context"
	"fmt"

	"calmirror/internal/models"
)

// Client is the capability set every provider adapter implements.
type Client interface {
	// ListCalendars returns the account's calendars in provider order.
	// One-shot list, not a cursor stream.
	ListCalendars(ctx context.Context, conn models.Connection) ([]models.Calendar, error)

	// ListEvents returns single-instance events in [window.Min, window.Max).
	// Recurring events are materialized by the provider, never re-expanded
	// locally.
	ListEvents(ctx context.Context, conn models.Connection, providerCalendarID string, window models.Window) ([]models.Event, error)

	// CreateEvent writes a new event and returns the provider-assigned id.
	CreateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) (string, error)

	// UpdateEvent rewrites the event identified by event.ProviderEventID.
	UpdateEvent(ctx context.Context, conn models.Connection, providerCalendarID string, event models.Event) error

	// DeleteEvent removes the remote event.
	DeleteEvent(ctx context.Context, conn models.Connection, providerCalendarID, providerEventID string) error
}

// Registry maps provider kinds to their adapters.
type Registry map[models.ProviderKind]Client

// ForProvider returns the adapter for the given kind.
func (r Registry) ForProvider(kind models.ProviderKind) (Client, error) {
	c, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", kind)
	}
	return c, nil
}
