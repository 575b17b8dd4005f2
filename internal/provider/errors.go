package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure modes every adapter signals distinctly so the orchestrator can
// choose retry-once vs. abort vs. skip-item.
var (
	// ErrAuthExpired means the access token was rejected. The orchestrator
	// refreshes the credential and retries the call exactly once.
	ErrAuthExpired = errors.New("provider: access token rejected")

	// ErrRateLimited signals backoff to the external scheduler. Never
	// retried inside a run.
	ErrRateLimited = errors.New("provider: rate limited")

	// ErrNotFound means the remote calendar or event is gone; callers
	// clean up locally rather than failing the run.
	ErrNotFound = errors.New("provider: not found")

	// ErrProviderUnavailable covers transient network and 5xx failures,
	// retryable by caller policy.
	ErrProviderUnavailable = errors.New("provider: unavailable")
)

// InvalidPayloadError marks one malformed remote item. The orchestrator skips
// the item, logs it, and continues the run.
type InvalidPayloadError struct {
	Provider string
	ItemID   string
	Reason   string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("%s: invalid payload for item %q: %s", e.Provider, e.ItemID, e.Reason)
}

// StatusError maps an HTTP response code to the adapter error taxonomy.
// Anything not covered maps to a plain error carrying the status.
func StatusError(provider string, status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: status %d: %w", provider, status, ErrAuthExpired)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", provider, status, ErrRateLimited)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s: status %d: %w", provider, status, ErrNotFound)
	case status >= 500:
		return fmt.Errorf("%s: status %d: %w", provider, status, ErrProviderUnavailable)
	default:
		return fmt.Errorf("%s: unexpected status %d", provider, status)
	}
}
