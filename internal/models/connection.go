package models

import (
	"fmt"
	"time"
)

// ProviderKind identifies which external calendar provider a connection talks to.
type ProviderKind string

const (
	ProviderGoogle    ProviderKind = "google"
	ProviderMicrosoft ProviderKind = "microsoft"
	ProviderApple     ProviderKind = "apple"
)

// IsValid reports whether the kind is one of the known providers.
func (p ProviderKind) IsValid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple:
		return true
	}
	return false
}

// Connection is one OAuth-authorized link between a tenant and an external
// provider account. Tokens are mutated only by the credential manager.
type Connection struct {
	ID       string
	TenantID string
	Provider ProviderKind
	// Email is the provider-side account identity. Apple uses it as the
	// CalDAV username.
	Email       string
	AccessToken string
	// RefreshToken may be empty; Apple app-specific passwords have none.
	RefreshToken string
	// TokenExpiry is zero when the credential does not expire.
	TokenExpiry time.Time
}

// Validate checks the provider-specific required fields.
func (c Connection) Validate() error {
	switch {
	case c.TenantID == "":
		return fmt.Errorf("connection %s: tenant id is blank", c.ID)
	case !c.Provider.IsValid():
		return fmt.Errorf("connection %s: unknown provider %q", c.ID, c.Provider)
	case c.AccessToken == "":
		return fmt.Errorf("connection %s: access token is blank", c.ID)
	}
	if c.Provider == ProviderApple && c.Email == "" {
		return fmt.Errorf("connection %s: apple connections need an account email", c.ID)
	}
	return nil
}

// Expires reports whether the access token has an expiry at all.
func (c Connection) Expires() bool {
	return !c.TokenExpiry.IsZero()
}
