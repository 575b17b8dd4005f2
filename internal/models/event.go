package models

import "time"

// DefaultEventTitle is the placeholder for remote events without a summary.
const DefaultEventTitle = "Untitled Event"

// Attendee is one participant on an event.
type Attendee struct {
	Email          string
	Name           string
	ResponseStatus string
}

// Event is a local mirror of one remote event. (CalendarID, ProviderEventID)
// is the idempotency key for all upserts.
type Event struct {
	ID              string
	CalendarID      string
	ProviderEventID string
	Title           string
	Description     string
	StartTime       time.Time
	EndTime         time.Time
	AllDay          bool
	Location        string
	Attendees       []Attendee
	// LastModified is the provider-reported modification time, the source
	// of truth for conflict resolution.
	LastModified time.Time
}

// SameContent reports whether two events carry identical user-visible fields.
// Used to decide updates when modification timestamps are absent or equal.
func (e Event) SameContent(other Event) bool {
	if e.Title != other.Title ||
		e.Description != other.Description ||
		!e.StartTime.Equal(other.StartTime) ||
		!e.EndTime.Equal(other.EndTime) ||
		e.AllDay != other.AllDay ||
		e.Location != other.Location {
		return false
	}
	if len(e.Attendees) != len(other.Attendees) {
		return false
	}
	for i := range e.Attendees {
		if e.Attendees[i] != other.Attendees[i] {
			return false
		}
	}
	return true
}

// EventDiff is the output of reconciliation: idempotent instructions to bring
// the local mirror in line with a remote snapshot.
type EventDiff struct {
	ToCreate []Event
	ToUpdate []Event
	ToDelete []Event
}

// Empty reports whether the diff contains no instructions.
func (d EventDiff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}
