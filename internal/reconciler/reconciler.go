// Package reconciler computes the diff between a remote calendar snapshot and
// the local mirror. Pure: no I/O, no clocks, no storage.
package reconciler

import (
	"calmirror/internal/models"
)

// Reconcile maps a remote snapshot against the local events of one calendar
// and produces an idempotent set of create/update/delete instructions.
//
// Rules:
//   - remote events with no local match are created;
//   - matched events are updated when the remote modification time is
//     strictly newer, or when the timestamps are absent or equal and any
//     user-visible field differs (remote wins on ties — the provider is the
//     source of truth for synced calendars);
//   - local events absent from the snapshot are deleted only when the sync
//     window fully covers their time range; absence outside the window is
//     not evidence of deletion.
//
// Replaying a snapshot against its own applied output yields an empty diff.
func Reconcile(local, remote []models.Event, window models.Window) models.EventDiff {
	byProviderID := make(map[string]models.Event, len(local))
	for _, ev := range local {
		byProviderID[ev.ProviderEventID] = ev
	}

	// Providers should not repeat ids within one fetch; if one does, the
	// last occurrence wins.
	latest := make(map[string]models.Event, len(remote))
	for _, ev := range remote {
		if ev.ProviderEventID != "" {
			latest[ev.ProviderEventID] = ev
		}
	}

	var diff models.EventDiff
	seen := make(map[string]bool, len(remote))
	for _, ev := range remote {
		if ev.ProviderEventID == "" || seen[ev.ProviderEventID] {
			continue
		}
		seen[ev.ProviderEventID] = true
		remoteEv := latest[ev.ProviderEventID]

		localEv, exists := byProviderID[remoteEv.ProviderEventID]
		if !exists {
			diff.ToCreate = append(diff.ToCreate, remoteEv)
			continue
		}
		if needsUpdate(localEv, remoteEv) {
			// Carry the local identity so the apply phase hits the
			// existing row.
			remoteEv.ID = localEv.ID
			remoteEv.CalendarID = localEv.CalendarID
			diff.ToUpdate = append(diff.ToUpdate, remoteEv)
		}
	}

	for _, localEv := range local {
		if seen[localEv.ProviderEventID] {
			continue
		}
		if window.Covers(localEv) {
			diff.ToDelete = append(diff.ToDelete, localEv)
		}
	}
	return diff
}

// needsUpdate decides whether the remote copy replaces the local one. A
// strictly newer remote timestamp always wins; a strictly older one never
// does. Absent or equal timestamps fall back to content comparison, with the
// remote side winning ties.
func needsUpdate(local, remote models.Event) bool {
	if !local.LastModified.IsZero() && !remote.LastModified.IsZero() {
		if remote.LastModified.After(local.LastModified) {
			return true
		}
		if remote.LastModified.Before(local.LastModified) {
			return false
		}
	}
	return !local.SameContent(remote)
}
