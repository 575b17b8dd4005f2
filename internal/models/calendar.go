package models

import "time"

// DefaultCalendarColor is used when a provider reports no color.
const DefaultCalendarColor = "#3B82F6"

// Calendar is a remote calendar mirrored locally. (ConnectionID,
// ProviderCalendarID) is unique. Calendars are never auto-deleted; ones that
// disappear from a provider listing are flagged stale instead so historical
// event links survive.
type Calendar struct {
	ID                 string
	ConnectionID       string
	TenantID           string
	ProviderCalendarID string
	Name               string
	Color              string
	IsPrimary          bool
	Stale              bool
	LastSyncedAt       time.Time
}
