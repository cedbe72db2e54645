package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/state"
)

const description = `calsync keeps pairs of calendars (Google Calendar or any CalDAV server such
as iCloud) in sync. Each pair is reconciled on its own schedule: events are
matched by UID and recurrence id, the most recently modified copy wins, and
creations and deletions are carried to the other side.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (GOOGLE_CREDENTIALS_PATH, CALSYNC_STATE_PATH,
       CALSYNC_STATE_BACKEND, CALSYNC_LOG_FILE), also read from a .env file
    3. Config file (--config, JSON or YAML)
    4. Defaults

CONFIG FILE (YAML example):
    google_credentials_path: /etc/calsync/credentials.json
    state_backend: sqlite
    calendars:
      - id: 0b6f6c52-8d8e-4b8e-a3a5-5d2f3f1b9a10
        name: Work
        type: google
        calendar_id: primary
      - id: 5a0c9f0e-3e1d-4c62-9d7b-1f2e6b7c8d90
        name: iCloud
        type: caldav
        server_url: https://caldav.icloud.com
        username: you@icloud.com
        password: app-specific-password
        calendar_name: Family
    pairs:
      - source: 0b6f6c52-8d8e-4b8e-a3a5-5d2f3f1b9a10
        destination: 5a0c9f0e-3e1d-4c62-9d7b-1f2e6b7c8d90
        direction: bidirectional
        days_in_past: 7
        days_in_future: 30
        interval_minutes: 15

Google calendars need a token; create it once with:
    calsync --config calendars.yaml auth --calendar Work`

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:        "calsync",
		Usage:       "Two-way synchronization of Google and CalDAV calendars.",
		Description: description,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the JSON or YAML config file",
				EnvVars:  []string{"CALSYNC_CONFIG"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.BoolFlag{Name: "log-json", Usage: "Log in JSON instead of text"},
			&cli.StringFlag{Name: "log-file", Usage: "Write logs to a rotated file (overrides config file and CALSYNC_LOG_FILE)"},
			&cli.StringFlag{Name: "state-path", Usage: "Where synchronization state is kept (overrides config file and CALSYNC_STATE_PATH)"},
			&cli.StringFlag{Name: "state-backend", Usage: "State store: file or sqlite (overrides config file and CALSYNC_STATE_BACKEND)"},
			&cli.StringFlag{Name: "google-credentials-path", Usage: "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH)"},
		},
		Commands: []*cli.Command{
			runCommand(),
			onceCommand(),
			authCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("calsync failed", logging.KeyError, err)
		os.Exit(1)
	}
}

// overrides collects the global flags that take precedence over the
// environment and the config file.
func overrides(c *cli.Context) config.Overrides {
	return config.Overrides{
		GoogleCredentialsPath: c.String("google-credentials-path"),
		StatePath:             c.String("state-path"),
		StateBackend:          c.String("state-backend"),
		LogFile:               c.String("log-file"),
	}
}

// app is what every command needs: the loaded configuration and a logger.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func setup(c *cli.Context) (*app, error) {
	cfg, err := config.LoadConfig(c.String("config"), overrides(c))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	logger, closer := logging.New(logging.Options{
		Level: level,
		JSON:  c.Bool("log-json"),
		File:  cfg.LogFile,
		Tee:   cfg.LogFile != "",
	})
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger, closer: closer}, nil
}

func (a *app) Close() error {
	return a.closer.Close()
}

// openStore opens the configured state store and merges the persisted
// bookmarks into the configured pairs.
func (a *app) openStore(c *cli.Context) (state.Store, []state.State, error) {
	store, err := state.Open(a.cfg.StateBackend, a.cfg.StatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	persisted, err := store.Load(c.Context)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to load synchronization states: %w", err)
	}

	return store, state.Merge(a.cfg.States(), persisted), nil
}
