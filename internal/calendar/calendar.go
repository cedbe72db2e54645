// Package calendar contains the provider connectors that read events from a
// calendar and write reconciled changes back to it.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/beekhof/calsync/internal/auth"
	"github.com/beekhof/calsync/internal/config"
	"github.com/beekhof/calsync/internal/event"
)

// DefaultWriteDelay is the pause between two write calls to a provider.
const DefaultWriteDelay = 200 * time.Millisecond

// Connector reads and writes the events of one calendar.
type Connector interface {
	// FetchEvents returns every event overlapping [start, end), including
	// deleted ones. Recurring series are expanded into instances.
	FetchEvents(ctx context.Context, start, end time.Time) ([]*event.Event, error)

	// ApplyDirtyEvents performs the pending write of every dirty event.
	// Events without a pending write are ignored.
	ApplyDirtyEvents(ctx context.Context, events []*event.Event) error
}

// Options are shared by all connectors.
type Options struct {
	// Location is used for all-day dates and floating times. When nil the
	// calendar's own zone (or UTC) is used.
	Location *time.Location
	// WriteDelay is the pause between write calls. Negative disables it.
	WriteDelay time.Duration
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteDelay == 0 {
		o.WriteDelay = DefaultWriteDelay
	}
	if o.WriteDelay < 0 {
		o.WriteDelay = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Factory builds connectors for the calendars of a configuration.
type Factory struct {
	Config *config.Config
	Logger *slog.Logger
	// WriteDelay is passed on to every connector.
	WriteDelay time.Duration

	mu          sync.Mutex
	oauthConfig *oauth2.Config
}

// NewFactory creates a factory for cfg.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return &Factory{Config: cfg, Logger: logger}
}

// Check reports configuration errors for the calendar with the given id
// without contacting the provider: an unknown id yields
// config.ErrCalendarNotFound, an unsupported type config.ErrUnknownCalendarType.
func (f *Factory) Check(id uuid.UUID) error {
	_, err := f.lookup(id)
	return err
}

func (f *Factory) lookup(id uuid.UUID) (*config.Calendar, error) {
	cal, err := f.Config.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	if cal.Type == config.TypeGoogle && f.Config.GoogleCredentialsPath == "" {
		return nil, fmt.Errorf("calendar %s: google_credentials_path must be provided for Google calendars", cal.Label())
	}
	return cal, nil
}

// New returns the connector for the calendar with the given id. Besides the
// errors of Check it fails when the provider cannot be reached.
func (f *Factory) New(ctx context.Context, id uuid.UUID) (Connector, error) {
	cal, err := f.lookup(id)
	if err != nil {
		return nil, err
	}

	opts := Options{WriteDelay: f.WriteDelay}
	if f.Logger != nil {
		opts.Logger = f.Logger.With("calendar", cal.Label())
	}
	if cal.TimeZone != "" {
		loc, err := time.LoadLocation(cal.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: invalid time_zone: %w", cal.Label(), err)
		}
		opts.Location = loc
	}

	switch cal.Type {
	case config.TypeGoogle:
		httpClient, err := f.googleClient(ctx, cal)
		if err != nil {
			return nil, err
		}
		conn, err := NewGoogleConnector(ctx, httpClient, cal.CalendarID, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil

	case config.TypeCalDAV:
		conn, err := NewCalDAVConnector(ctx, cal.ServerURL, cal.Username, cal.Password, cal.CalendarName, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	return nil, fmt.Errorf("calendar %s: %w '%s'", cal.Label(), config.ErrUnknownCalendarType, cal.Type)
}

func (f *Factory) googleClient(ctx context.Context, cal *config.Calendar) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.oauthConfig == nil {
		clientID, clientSecret, err := config.LoadGoogleCredentials(f.Config.GoogleCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}
		f.oauthConfig = auth.GoogleOAuthConfig(clientID, clientSecret)
	}

	tokenStore, err := auth.CalendarTokenStore(cal)
	if err != nil {
		return nil, err
	}
	client, err := auth.Client(ctx, f.oauthConfig, tokenStore)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", cal.Label(), err)
	}
	return client, nil
}

// pause waits d between writes, returning early with the context error.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// overlaps reports whether [start, end] intersects [winStart, winEnd).
func overlaps(start time.Time, end *time.Time, winStart, winEnd time.Time) bool {
	stop := start
	if end != nil && end.After(start) {
		stop = *end
	}
	if !start.Before(winEnd) {
		return false
	}
	if stop.Equal(start) {
		return !start.Before(winStart)
	}
	return stop.After(winStart)
}
