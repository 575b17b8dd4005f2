// Package credentials guarantees the provider adapters always receive a
// currently-valid access token.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"calmirror/internal/metric"
	"calmirror/internal/models"
	"calmirror/internal/provider"
)

// DefaultSkew is subtracted from the token expiry to absorb clock drift and
// in-flight request latency.
const DefaultSkew = 60 * time.Second

// ErrCredentialInvalid means the refresh token is missing, revoked, or
// rejected. Terminal: the user must re-authorize the connection.
var ErrCredentialInvalid = errors.New("credentials: connection needs re-authorization")

// ConnectionSaver persists refreshed tokens.
type ConnectionSaver interface {
	SaveConnection(ctx context.Context, conn models.Connection) error
}

// Manager refreshes expiring access tokens and persists the result. A refresh
// is never attempted concurrently twice for the same connection; concurrent
// callers share one in-flight refresh. Providers rotate refresh tokens, so a
// duplicate token request can invalidate the credential.
type Manager struct {
	store   ConnectionSaver
	logger  *slog.Logger
	configs map[models.ProviderKind]*oauth2.Config
	skew    time.Duration
	group   singleflight.Group
	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a credential manager. configs maps each OAuth provider
// to the oauth2 config used for its refresh grant.
func NewManager(store ConnectionSaver, logger *slog.Logger, configs map[models.ProviderKind]*oauth2.Config) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		configs: configs,
		skew:    DefaultSkew,
		now:     time.Now,
	}
}

// EnsureValid returns a connection whose access token is good for at least
// the skew margin, refreshing and persisting it when needed.
func (m *Manager) EnsureValid(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if err := conn.Validate(); err != nil {
		return models.Connection{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	// Credentials without an expiry (Apple app-specific passwords) are
	// always considered fresh.
	if !conn.Expires() || m.now().Before(conn.TokenExpiry.Add(-m.skew)) {
		return conn, nil
	}
	return m.refresh(ctx, conn)
}

// ForceRefresh refreshes regardless of the recorded expiry. The orchestrator
// uses it when a provider rejects a token that looked fresh locally.
func (m *Manager) ForceRefresh(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if err := conn.Validate(); err != nil {
		return models.Connection{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return m.refresh(ctx, conn)
}

func (m *Manager) refresh(ctx context.Context, conn models.Connection) (models.Connection, error) {
	result, err, _ := m.group.Do(conn.ID, func() (any, error) {
		// The flight is shared with other callers, so it must not die
		// with whichever caller happened to start it.
		refreshed, err := m.doRefresh(context.WithoutCancel(ctx), conn)
		if err != nil {
			metric.TokenRefreshes.WithLabelValues("failure").Inc()
			return nil, err
		}
		metric.TokenRefreshes.WithLabelValues("success").Inc()
		return refreshed, nil
	})
	if err != nil {
		return models.Connection{}, err
	}
	return result.(models.Connection), nil
}

func (m *Manager) doRefresh(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if conn.RefreshToken == "" {
		return models.Connection{}, fmt.Errorf("%w: connection %s has no refresh token", ErrCredentialInvalid, conn.ID)
	}
	config, ok := m.configs[conn.Provider]
	if !ok {
		return models.Connection{}, fmt.Errorf("%w: no oauth config for provider %q", ErrCredentialInvalid, conn.Provider)
	}

	m.logger.Debug("refreshing access token", "connectionID", conn.ID, "provider", conn.Provider)

	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The authorization server answered: the refresh token
			// is revoked or invalid.
			return models.Connection{}, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}
		return models.Connection{}, fmt.Errorf("token refresh: %w: %v", provider.ErrProviderUnavailable, err)
	}

	conn.AccessToken = token.AccessToken
	conn.TokenExpiry = token.Expiry
	if token.RefreshToken != "" {
		// Some providers rotate the refresh token on every grant.
		conn.RefreshToken = token.RefreshToken
	}

	if err := m.store.SaveConnection(ctx, conn); err != nil {
		return models.Connection{}, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.logger.Info("access token refreshed", "connectionID", conn.ID, "provider", conn.Provider, "expiry", conn.TokenExpiry)
	return conn, nil
}
