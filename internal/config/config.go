package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/beekhof/calsync/internal/state"
)

// Calendar types.
const (
	TypeGoogle = "google"
	TypeCalDAV = "caldav"
)

// Defaults applied to pairs that leave a field unset.
const (
	DefaultDaysInPast      = 7
	DefaultDaysInFuture    = 30
	DefaultIntervalMinutes = 15
)

var (
	// ErrUnknownCalendarType is returned for a calendar whose type has no connector.
	ErrUnknownCalendarType = errors.New("unknown calendar type")

	// ErrCalendarNotFound is returned when a pair references a calendar id that is not configured.
	ErrCalendarNotFound = errors.New("calendar not found")
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Calendar is one calendar that can take part in pairs.
type Calendar struct {
	ID   uuid.UUID `json:"id" yaml:"id"`
	Name string    `json:"name,omitempty" yaml:"name,omitempty"` // Name for logging (e.g., "Work", "iCloud")
	Type string    `json:"type" yaml:"type"`                     // "google" or "caldav"

	// Google Calendar specific fields
	CalendarID string `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"` // Defaults to "primary"
	TokenPath  string `json:"token_path,omitempty" yaml:"token_path,omitempty"`   // Path to OAuth token file

	// CalDAV specific fields
	ServerURL    string `json:"server_url,omitempty" yaml:"server_url,omitempty"`       // CalDAV server URL (e.g., "https://caldav.icloud.com")
	Username     string `json:"username,omitempty" yaml:"username,omitempty"`           // Account name
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`           // App-specific password
	CalendarName string `json:"calendar_name,omitempty" yaml:"calendar_name,omitempty"` // Display name of the calendar to use

	// TimeZone overrides the calendar's own zone (IANA name).
	TimeZone string `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
}

// Label returns the name, or the id when no name is set.
func (c *Calendar) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID.String()
}

// Validate checks the type-specific fields of the calendar.
func (c *Calendar) Validate() error {
	switch c.Type {
	case TypeGoogle:
		if c.TokenPath == "" {
			return fmt.Errorf("calendar %s: token_path must be provided for Google calendars", c.Label())
		}
	case TypeCalDAV:
		if c.ServerURL == "" {
			return fmt.Errorf("calendar %s: server_url must be provided for CalDAV calendars", c.Label())
		}
		if c.Username == "" {
			return fmt.Errorf("calendar %s: username must be provided for CalDAV calendars", c.Label())
		}
		if c.Password == "" {
			return fmt.Errorf("calendar %s: password must be provided for CalDAV calendars", c.Label())
		}
	default:
		return fmt.Errorf("calendar %s: %w '%s' (expected '%s' or '%s')", c.Label(), ErrUnknownCalendarType, c.Type, TypeGoogle, TypeCalDAV)
	}

	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("calendar %s: invalid time_zone: %w", c.Label(), err)
		}
	}
	return nil
}

// Pair configures the synchronization of two calendars.
type Pair struct {
	Source          uuid.UUID `json:"source" yaml:"source"`
	Destination     uuid.UUID `json:"destination" yaml:"destination"`
	Direction       string    `json:"direction,omitempty" yaml:"direction,omitempty"`
	DaysInPast      int       `json:"days_in_past,omitempty" yaml:"days_in_past,omitempty"`
	DaysInFuture    int       `json:"days_in_future,omitempty" yaml:"days_in_future,omitempty"`
	IntervalMinutes int       `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
}

// Config holds the configuration for calsync.
type Config struct {
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" yaml:"google_credentials_path,omitempty"`
	TokenDir              string `json:"token_dir,omitempty" yaml:"token_dir,omitempty"`
	StatePath             string `json:"state_path,omitempty" yaml:"state_path,omitempty"`
	StateBackend          string `json:"state_backend,omitempty" yaml:"state_backend,omitempty"` // "file" or "sqlite"
	LogFile               string `json:"log_file,omitempty" yaml:"log_file,omitempty"`

	Calendars []Calendar `json:"calendars" yaml:"calendars"`
	Pairs     []Pair     `json:"pairs" yaml:"pairs"`
}

// Overrides are the command-line values that take precedence over the
// environment and the config file.
type Overrides struct {
	GoogleCredentialsPath string
	StatePath             string
	StateBackend          string
	LogFile               string
}

// LoadConfigFromFile loads configuration from a JSON or YAML file, chosen by
// extension (.yaml and .yml are YAML, everything else JSON).
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
//
// Calendar types and pair references are not checked here; a bad calendar
// only stops the pairs that use it (see Lookup).
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if v := os.Getenv("GOOGLE_CREDENTIALS_PATH"); v != "" {
		config.GoogleCredentialsPath = v
	}
	if v := os.Getenv("CALSYNC_STATE_PATH"); v != "" {
		config.StatePath = v
	}
	if v := os.Getenv("CALSYNC_STATE_BACKEND"); v != "" {
		config.StateBackend = v
	}
	if v := os.Getenv("CALSYNC_LOG_FILE"); v != "" {
		config.LogFile = v
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.StatePath != "" {
		config.StatePath = flags.StatePath
	}
	if flags.StateBackend != "" {
		config.StateBackend = flags.StateBackend
	}
	if flags.LogFile != "" {
		config.LogFile = flags.LogFile
	}

	// Step 4: Apply defaults and validate
	if err := config.applyDefaults(configFile); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults(configFile string) error {
	baseDir := "."
	if configFile != "" {
		baseDir = filepath.Dir(configFile)
	}

	if c.TokenDir == "" {
		c.TokenDir = baseDir
	}
	if c.StateBackend == "" {
		c.StateBackend = "file"
	}
	if c.StateBackend != "file" && c.StateBackend != "sqlite" {
		return fmt.Errorf("state_backend must be 'file' or 'sqlite', got '%s'", c.StateBackend)
	}
	if c.StatePath == "" {
		name := "calsync-state.json"
		if c.StateBackend == "sqlite" {
			name = "calsync-state.db"
		}
		c.StatePath = filepath.Join(baseDir, name)
	}

	seen := make(map[uuid.UUID]int, len(c.Calendars))
	for i := range c.Calendars {
		cal := &c.Calendars[i]

		if cal.ID == uuid.Nil {
			return fmt.Errorf("calendars[%d] (name: %s): id must be a UUID", i, cal.Name)
		}
		if j, dup := seen[cal.ID]; dup {
			return fmt.Errorf("calendars[%d] (name: %s): id %s already used by calendars[%d]", i, cal.Name, cal.ID, j)
		}
		seen[cal.ID] = i

		if cal.Type == TypeGoogle {
			if cal.CalendarID == "" {
				cal.CalendarID = "primary"
			}
			if cal.TokenPath == "" {
				cal.TokenPath = filepath.Join(c.TokenDir, cal.ID.String()+".json")
			}
		}
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("pairs array must be provided in config file. At least one pair is required")
	}

	for i := range c.Pairs {
		pair := &c.Pairs[i]

		if pair.Source == uuid.Nil || pair.Destination == uuid.Nil {
			return fmt.Errorf("pairs[%d]: source and destination must be calendar ids", i)
		}
		if pair.Source == pair.Destination {
			return fmt.Errorf("pairs[%d]: source and destination must differ", i)
		}

		dir, err := state.ParseDirection(pair.Direction)
		if err != nil {
			return fmt.Errorf("pairs[%d]: %w", i, err)
		}
		pair.Direction = string(dir)

		if pair.DaysInPast < 0 || pair.DaysInFuture < 0 || pair.IntervalMinutes < 0 {
			return fmt.Errorf("pairs[%d]: days_in_past, days_in_future and interval_minutes must not be negative", i)
		}
		if pair.DaysInPast == 0 {
			pair.DaysInPast = DefaultDaysInPast
		}
		if pair.DaysInFuture == 0 {
			pair.DaysInFuture = DefaultDaysInFuture
		}
		if pair.IntervalMinutes == 0 {
			pair.IntervalMinutes = DefaultIntervalMinutes
		}
	}

	return nil
}

// Lookup returns the calendar with the given id.
func (c *Config) Lookup(id uuid.UUID) (*Calendar, error) {
	for i := range c.Calendars {
		if c.Calendars[i].ID == id {
			return &c.Calendars[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCalendarNotFound, id)
}

// States returns the configured pairs as synchronization states without
// bookmarks. Use state.Merge to add persisted bookmarks.
func (c *Config) States() []state.State {
	states := make([]state.State, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		states = append(states, state.State{
			SourceID:        p.Source,
			DestinationID:   p.Destination,
			Direction:       state.Direction(p.Direction),
			DaysInPast:      p.DaysInPast,
			DaysInFuture:    p.DaysInFuture,
			IntervalMinutes: p.IntervalMinutes,
		})
	}
	return states
}
