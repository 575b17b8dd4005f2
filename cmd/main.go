package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	microsoftoauth "golang.org/x/oauth2/microsoft"
	calendarapi "google.golang.org/api/calendar/v3"

	"calmirror/internal/config"
	"calmirror/internal/credentials"
	"calmirror/internal/metric"
	"calmirror/internal/models"
	"calmirror/internal/provider"
	"calmirror/internal/provider/apple"
	"calmirror/internal/provider/google"
	"calmirror/internal/provider/microsoft"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

func init() {
	if err := godotenv.Load(); err != nil {
		slog.Info(err.Error())
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel(),
			TimeFormat: time.RFC1123Z,
		}),
	))
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	app := &cli.App{
		Name:  "calmirror",
		Usage: "Mirror external calendar providers into a local store.",
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

type appState struct {
	cfg   *config.Config
	store *store.Store
	orch  *syncer.Orchestrator
}

// setup wires the store, adapters, credential manager, and orchestrator.
func setup(ctx context.Context) (*appState, error) {
	logger := slog.Default()
	cfg := config.New()

	st, err := store.Open(cfg.GetDatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	if err := st.CreateSchema(ctx); err != nil {
		return nil, err
	}

	registry := provider.Registry{
		models.ProviderGoogle:    google.NewClient(logger),
		models.ProviderMicrosoft: microsoft.NewClient(logger),
		models.ProviderApple:     apple.NewClient(logger),
	}
	creds := credentials.NewManager(st, logger, oauthConfigs(cfg))
	orch := syncer.New(st, registry, creds, logger, cfg.GetSyncTimeout())

	return &appState{cfg: cfg, store: st, orch: orch}, nil
}

// oauthConfigs builds the refresh/auth configs for the OAuth providers.
// Apple has none; it authenticates with an app-specific password.
func oauthConfigs(cfg *config.Config) map[models.ProviderKind]*oauth2.Config {
	return map[models.ProviderKind]*oauth2.Config{
		models.ProviderGoogle: {
			ClientID:     cfg.GetGoogleClientID(),
			ClientSecret: cfg.GetGoogleClientSecret(),
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendarapi.CalendarScope},
			Endpoint:     googleoauth.Endpoint,
		},
		models.ProviderMicrosoft: {
			ClientID:     cfg.GetMicrosoftClientID(),
			ClientSecret: cfg.GetMicrosoftClientSecret(),
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
			Endpoint:     microsoftoauth.AzureADEndpoint(cfg.GetMicrosoftTenant()),
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a provider account for a tenant.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Required: true, Usage: "Tenant the connection belongs to."},
			&cli.StringFlag{Name: "provider", Required: true, Usage: "google, microsoft, or apple."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c.Context)
			if err != nil {
				return err
			}

			kind := models.ProviderKind(c.String("provider"))
			if !kind.IsValid() {
				return fmt.Errorf("unknown provider %q", kind)
			}

			reader := bufio.NewReader(os.Stdin)
			conn := models.Connection{
				TenantID: c.String("tenant"),
				Provider: kind,
			}

			if kind == models.ProviderApple {
				fmt.Print("Enter Apple ID email: ")
				email, _ := reader.ReadString('\n')
				fmt.Print("Enter app-specific password: ")
				password, _ := reader.ReadString('\n')
				conn.Email = strings.TrimSpace(email)
				conn.AccessToken = strings.TrimSpace(password)
			} else {
				oc := oauthConfigs(a.cfg)[kind]
				authURL := oc.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
				fmt.Printf("Go to the following link in your browser then type the "+
					"authorization code: \n%v\n", authURL)

				fmt.Print("Enter Authorization Code: ")
				authCode, _ := reader.ReadString('\n')
				token, err := oc.Exchange(c.Context, strings.TrimSpace(authCode))
				if err != nil {
					return fmt.Errorf("unable to retrieve token from web: %w", err)
				}

				fmt.Print("Enter the account email: ")
				email, _ := reader.ReadString('\n')
				conn.Email = strings.TrimSpace(email)
				conn.AccessToken = token.AccessToken
				conn.RefreshToken = token.RefreshToken
				conn.TokenExpiry = token.Expiry
			}

			if err := a.store.SaveConnection(c.Context, conn); err != nil {
				return err
			}
			slog.Info("connection saved", "tenant", conn.TenantID, "provider", conn.Provider)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "Discover and mirror the provider's calendars for a tenant.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Required: true},
			&cli.StringFlag{Name: "provider", Required: true},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c.Context)
			if err != nil {
				return err
			}

			kind := models.ProviderKind(c.String("provider"))
			calendars, err := a.orch.DiscoverCalendars(c.Context, c.String("tenant"), kind)
			if err != nil {
				return err
			}
			for _, cal := range calendars {
				fmt.Printf("%s\t%s\tprimary=%v\tstale=%v\n", cal.ID, cal.Name, cal.IsPrimary, cal.Stale)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run calendar synchronization for a tenant.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Required: true},
			&cli.StringFlag{Name: "provider", Required: true},
			&cli.StringFlag{Name: "calendar", Usage: "Sync a single calendar id instead of all."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Show what a sync would change without writing."},
			&cli.IntFlag{Name: "watch", Usage: "Run sync every N seconds and serve metrics."},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c.Context)
			if err != nil {
				return err
			}

			tenantID := c.String("tenant")
			kind := models.ProviderKind(c.String("provider"))

			if c.Bool("dry-run") {
				return dryRun(c, a, tenantID, kind)
			}

			runOnce := func() error {
				window := syncWindow(a.cfg.GetSyncWindowDays())
				if calendarID := c.String("calendar"); calendarID != "" {
					run, err := a.orch.RunSync(c.Context, tenantID, calendarID, window)
					if err != nil {
						return err
					}
					reportRun(run)
					return nil
				}
				runs, err := a.orch.SyncAll(c.Context, tenantID, kind, window)
				if err != nil {
					return err
				}
				for _, run := range runs {
					reportRun(run)
				}
				return nil
			}

			if !c.IsSet("watch") {
				return runOnce()
			}

			go func() {
				addr := a.cfg.GetMetricsAddr()
				slog.Info("serving metrics", "addr", addr)
				mux := http.NewServeMux()
				mux.Handle("/metrics", metric.Handler())
				if err := http.ListenAndServe(addr, mux); err != nil {
					slog.Error("metrics server failed", "error", err)
				}
			}()

			interval := time.Duration(c.Int("watch")) * time.Second
			slog.Info("starting watcher", "interval", interval)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for ; true; <-ticker.C {
				if err := runOnce(); err != nil {
					slog.Error("sync cycle failed", "error", err)
				}
			}
			return nil
		},
	}
}

// dryRun prints the diff each calendar's sync would apply without writing.
func dryRun(c *cli.Context, a *appState, tenantID string, kind models.ProviderKind) error {
	window := syncWindow(a.cfg.GetSyncWindowDays())

	calendarIDs := []string{c.String("calendar")}
	if calendarIDs[0] == "" {
		calendars, err := a.orch.DiscoverCalendars(c.Context, tenantID, kind)
		if err != nil {
			return err
		}
		calendarIDs = calendarIDs[:0]
		for _, cal := range calendars {
			if !cal.Stale {
				calendarIDs = append(calendarIDs, cal.ID)
			}
		}
	}

	for _, calendarID := range calendarIDs {
		diff, err := a.orch.PreviewSync(c.Context, tenantID, calendarID, window)
		if err != nil {
			return err
		}
		fmt.Printf("%s\tcreate=%d\tupdate=%d\tdelete=%d\n",
			calendarID, len(diff.ToCreate), len(diff.ToUpdate), len(diff.ToDelete))
	}
	return nil
}

// syncWindow builds a window reaching one day back so consecutive cycles
// overlap and catch provider-side edits to recent events.
func syncWindow(days int) models.Window {
	now := time.Now().UTC()
	return models.Window{
		Min: now.Add(-24 * time.Hour),
		Max: now.AddDate(0, 0, days),
	}
}

// reportRun surfaces the outcome the way callers are expected to: success is
// quiet, partial warns with the failed count, failure tells the user whether
// re-authorization is needed.
func reportRun(run models.SyncRun) {
	switch run.Status {
	case models.RunSuccess:
		slog.Debug("sync succeeded", "calendarID", run.CalendarID, "created", run.Created, "updated", run.Updated, "deleted", run.Deleted)
	case models.RunPartial:
		slog.Warn("sync completed with failures", "calendarID", run.CalendarID, "failed", run.Failed, "detail", run.Error)
	case models.RunFailed:
		if run.Retryable {
			slog.Error("sync failed, will retry", "calendarID", run.CalendarID, "error", run.Error)
		} else {
			slog.Error("sync failed, reconnect your calendar", "calendarID", run.CalendarID, "error", run.Error)
		}
	}
}
