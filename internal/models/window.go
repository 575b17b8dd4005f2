package models

import (
	"fmt"
	"time"
)

// Window is the half-open time interval [Min, Max) a sync run covers.
type Window struct {
	Min time.Time
	Max time.Time
}

// Validate rejects empty or inverted windows.
func (w Window) Validate() error {
	if !w.Min.Before(w.Max) {
		return fmt.Errorf("window [%s, %s) is empty", w.Min, w.Max)
	}
	return nil
}

// Covers reports whether the event's time range lies fully inside the window.
// Only events covered by the window may be deleted when they are absent from
// a remote fetch; absence outside the window is not evidence of deletion.
func (w Window) Covers(e Event) bool {
	return !e.StartTime.Before(w.Min) && !e.EndTime.After(w.Max)
}
