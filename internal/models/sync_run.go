package models

import "time"

// RunStatus is the terminal outcome of a sync run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// SyncRun records the outcome of one orchestration pass over a calendar.
// Append-only history: immutable once finalized.
type SyncRun struct {
	ID          string
	CalendarID  string
	TimeMin     time.Time
	TimeMax     time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Created     int
	Updated     int
	Deleted     int
	Failed      int
	Status      RunStatus
	Error       string
	// Retryable hints the external scheduler whether re-triggering can
	// help. Credential failures need user re-authorization instead.
	Retryable bool
}
