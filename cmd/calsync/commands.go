package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/beekhof/calsync/internal/auth"
	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/state"
	"github.com/beekhof/calsync/internal/sync"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Synchronize all pairs continuously until interrupted.",
		Description: `Each pair is synchronized every interval_minutes. Failed passes are retried
with exponential backoff. SIGINT or SIGTERM stops the workers and saves their
state; SIGUSR1 starts a pass for every pair right away. The config file is
watched and the pairs are restarted when it changes.`,
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.Close()

			store, states, err := a.openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			wake := make(chan os.Signal, 1)
			notifySyncNow(wake)
			defer signal.Stop(wake)

			reload := make(chan struct{}, 1)
			configPath := c.String("config")
			go func() {
				err := config.Watch(ctx, configPath, reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
				if err != nil {
					a.logger.Error("Config watcher stopped, changes will not be picked up", logging.KeyError, err)
				}
			}()

			coord := newCoordinator(a, store, nil)
			if err := coord.Start(ctx, states); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					a.logger.Info("Shutting down")
					return coord.Stop()

				case <-wake:
					a.logger.Info("Synchronizing all pairs now")
					coord.SyncNow()

				case <-reload:
					cfg, err := config.LoadConfig(configPath, overrides(c))
					if err != nil {
						a.logger.Error("Failed to reload config, keeping the current one", logging.KeyError, err)
						continue
					}
					if cfg.StatePath != a.cfg.StatePath || cfg.StateBackend != a.cfg.StateBackend {
						a.logger.Warn("State store changes take effect after a restart")
					}

					a.logger.Info("Config changed, restarting pairs")
					if err := coord.Stop(); err != nil {
						a.logger.Error("Failed to save state before reload", logging.KeyError, err)
					}
					states := state.Merge(cfg.States(), coord.Snapshot())

					// Passes that outlived Stop finish before the new workers start.
					a.cfg = cfg
					coord = newCoordinator(a, store, coord.Done())
					if err := coord.Start(ctx, states); err != nil {
						return err
					}
				}
			}
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single pass for every pair and exit.",
		Description: `Exits with status 1 when any pair fails or cannot be started. State is saved
for the pairs that succeeded.`,
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.Close()

			store, states, err := a.openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := newCoordinator(a, store, nil).RunOnce(ctx, states); err != nil {
				return fmt.Errorf("synchronization failed:\n%w", err)
			}
			a.logger.Info("All pairs synchronized", "pairs", len(states))
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize access to a Google calendar and store its token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "calendar", Usage: "Id or name of the calendar", Required: true},
			&cli.BoolFlag{Name: "manual", Usage: "Paste the authorization code instead of using the local callback server"},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.Close()

			cal, err := findCalendar(a.cfg, c.String("calendar"))
			if err != nil {
				return err
			}
			tokenStore, err := auth.CalendarTokenStore(cal)
			if err != nil {
				return err
			}
			if a.cfg.GoogleCredentialsPath == "" {
				return fmt.Errorf("google_credentials_path must be provided")
			}

			clientID, clientSecret, err := config.LoadGoogleCredentials(a.cfg.GoogleCredentialsPath)
			if err != nil {
				return fmt.Errorf("failed to load Google credentials: %w", err)
			}
			oauthConfig := auth.GoogleOAuthConfig(clientID, clientSecret)

			if c.Bool("manual") {
				_, err = auth.AuthorizeWithReader(c.Context, oauthConfig, tokenStore, os.Stdin, os.Stdout)
			} else {
				_, err = auth.Authorize(c.Context, oauthConfig, tokenStore, os.Stdout)
			}
			if err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}

			a.logger.Info("Token saved", "calendar", cal.Label(), "path", cal.TokenPath)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the saved synchronization state of every pair.",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.Close()

			store, states, err := a.openStore(c)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tDESTINATION\tDIRECTION\tINTERVAL\tLAST SYNC\tWINDOW")
			for _, st := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					calendarLabel(a.cfg, st.SourceID),
					calendarLabel(a.cfg, st.DestinationID),
					st.Direction,
					st.Interval(),
					formatTime(st.LastSuccessfulSync),
					formatWindow(st.LastWindowStart, st.LastWindowEnd),
				)
			}
			return w.Flush()
		},
	}
}

// newCoordinator creates a coordinator for the current config. Its workers
// hold back their first pass until after is closed.
func newCoordinator(a *app, store state.Store, after <-chan struct{}) *sync.Coordinator {
	factory := calendar.NewFactory(a.cfg, a.logger)
	return sync.NewCoordinator(store, factory, sync.CoordinatorOptions{Logger: a.logger, After: after})
}

// findCalendar looks a calendar up by id, then by name.
func findCalendar(cfg *config.Config, ref string) (*config.Calendar, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return cfg.Lookup(id)
	}
	for i := range cfg.Calendars {
		if cfg.Calendars[i].Name == ref {
			return &cfg.Calendars[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", config.ErrCalendarNotFound, ref)
}

func calendarLabel(cfg *config.Config, id uuid.UUID) string {
	cal, err := cfg.Lookup(id)
	if err != nil {
		return id.String() + " (missing)"
	}
	return cal.Label()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func formatWindow(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	return start.Local().Format(time.DateOnly) + " .. " + end.Local().Format(time.DateOnly)
}
