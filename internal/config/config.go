package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds everything read from the environment. main loads .env first;
// missing optional values fall back to defaults with a warning.
type Config struct {
	databasePath string

	googleClientID        string
	googleClientSecret    string
	microsoftClientID     string
	microsoftClientSecret string
	microsoftTenant       string

	syncWindowDays int
	syncTimeout    time.Duration
	metricsAddr    string
}

func New() *Config {
	return &Config{
		databasePath: func() string {
			path := os.Getenv("DATABASE_PATH")
			if path == "" {
				path = "./calmirror.db"
			}
			slog.Debug("env", "DATABASE_PATH", path)
			return path
		}(),

		googleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		googleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),

		microsoftClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		microsoftClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		microsoftTenant: func() string {
			tenant := os.Getenv("MICROSOFT_TENANT")
			if tenant == "" {
				tenant = "common"
			}
			return tenant
		}(),

		syncWindowDays: func() int {
			raw := os.Getenv("SYNC_WINDOW_DAYS")
			if raw == "" {
				// Defaulted wide so consecutive windows overlap and
				// catch provider-side edits.
				return 7
			}
			days, err := strconv.Atoi(raw)
			if err != nil || days <= 0 {
				slog.Warn("invalid SYNC_WINDOW_DAYS, using default", "value", raw)
				return 7
			}
			slog.Debug("env", "SYNC_WINDOW_DAYS", days)
			return days
		}(),

		syncTimeout: func() time.Duration {
			raw := os.Getenv("SYNC_TIMEOUT")
			if raw == "" {
				return 5 * time.Minute
			}
			d, err := time.ParseDuration(raw)
			if err != nil {
				slog.Warn("invalid SYNC_TIMEOUT, using default", "value", raw)
				return 5 * time.Minute
			}
			slog.Debug("env", "SYNC_TIMEOUT", d)
			return d
		}(),

		metricsAddr: func() string {
			addr := os.Getenv("METRICS_ADDR")
			if addr == "" {
				addr = ":9090"
			}
			return addr
		}(),
	}
}

func (c *Config) GetDatabasePath() string          { return c.databasePath }
func (c *Config) GetGoogleClientID() string        { return c.googleClientID }
func (c *Config) GetGoogleClientSecret() string    { return c.googleClientSecret }
func (c *Config) GetMicrosoftClientID() string     { return c.microsoftClientID }
func (c *Config) GetMicrosoftClientSecret() string { return c.microsoftClientSecret }
func (c *Config) GetMicrosoftTenant() string       { return c.microsoftTenant }
func (c *Config) GetSyncWindowDays() int           { return c.syncWindowDays }
func (c *Config) GetSyncTimeout() time.Duration    { return c.syncTimeout }
func (c *Config) GetMetricsAddr() string           { return c.metricsAddr }
