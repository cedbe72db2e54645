package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/calsync/internal/state"
)

const (
	workID   = "6f1c2b7e-3f0a-4c1e-9d5b-1a2b3c4d5e6f"
	icloudID = "0d9e8f7a-6b5c-4d3e-8f2a-1b0c9d8e7f6a"
)

const jsonConfig = `{
  "google_credentials_path": "/path/to/credentials.json",
  "calendars": [
    {"id": "` + workID + `", "name": "Work", "type": "google"},
    {"id": "` + icloudID + `", "name": "iCloud", "type": "caldav",
     "server_url": "https://caldav.icloud.com", "username": "me@icloud.com",
     "password": "app-password", "calendar_name": "Home"}
  ],
  "pairs": [
    {"source": "` + workID + `", "destination": "` + icloudID + `", "direction": "source-to-destination", "days_in_future": 14}
  ]
}`

const yamlConfig = `
google_credentials_path: /path/to/credentials.json
state_backend: sqlite
calendars:
  - id: ` + workID + `
    name: Work
    type: google
    calendar_id: work@example.com
    token_path: /tokens/work.json
  - id: ` + icloudID + `
    name: iCloud
    type: caldav
    server_url: https://caldav.icloud.com
    username: me@icloud.com
    password: app-password
    time_zone: Europe/Berlin
pairs:
  - source: ` + workID + `
    destination: ` + icloudID + `
    interval_minutes: 5
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"GOOGLE_CREDENTIALS_PATH", "CALSYNC_STATE_PATH", "CALSYNC_STATE_BACKEND", "CALSYNC_LOG_FILE"} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.json", jsonConfig)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if len(config.Calendars) != 2 {
		t.Fatalf("Expected 2 calendars, got %d", len(config.Calendars))
	}

	work := config.Calendars[0]
	if work.CalendarID != "primary" {
		t.Errorf("Expected CalendarID to default to 'primary', got '%s'", work.CalendarID)
	}
	wantToken := filepath.Join(filepath.Dir(path), workID+".json")
	if work.TokenPath != wantToken {
		t.Errorf("Expected TokenPath to be '%s', got '%s'", wantToken, work.TokenPath)
	}

	if config.StateBackend != "file" {
		t.Errorf("Expected StateBackend to be 'file', got '%s'", config.StateBackend)
	}
	wantState := filepath.Join(filepath.Dir(path), "calsync-state.json")
	if config.StatePath != wantState {
		t.Errorf("Expected StatePath to be '%s', got '%s'", wantState, config.StatePath)
	}

	pair := config.Pairs[0]
	if pair.Direction != string(state.SourceToDestination) {
		t.Errorf("Expected Direction to be 'source-to-destination', got '%s'", pair.Direction)
	}
	if pair.DaysInPast != DefaultDaysInPast || pair.DaysInFuture != 14 || pair.IntervalMinutes != DefaultIntervalMinutes {
		t.Errorf("Unexpected pair defaults: %+v", pair)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.yaml", yamlConfig)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if config.Calendars[0].ID != uuid.MustParse(workID) {
		t.Errorf("Expected first calendar id to be '%s', got '%s'", workID, config.Calendars[0].ID)
	}
	if config.Calendars[0].TokenPath != "/tokens/work.json" {
		t.Errorf("Expected TokenPath to be '/tokens/work.json', got '%s'", config.Calendars[0].TokenPath)
	}
	if config.Calendars[1].TimeZone != "Europe/Berlin" {
		t.Errorf("Expected TimeZone to be 'Europe/Berlin', got '%s'", config.Calendars[1].TimeZone)
	}
	if config.StateBackend != "sqlite" || filepath.Base(config.StatePath) != "calsync-state.db" {
		t.Errorf("Expected sqlite state at calsync-state.db, got %s at '%s'", config.StateBackend, config.StatePath)
	}
	if config.Pairs[0].Direction != string(state.Bidirectional) || config.Pairs[0].IntervalMinutes != 5 {
		t.Errorf("Unexpected pair: %+v", config.Pairs[0])
	}
}

func TestLoadConfig_EnvVarsOverrideConfigFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.json", jsonConfig)

	t.Setenv("GOOGLE_CREDENTIALS_PATH", "/env/credentials.json")
	t.Setenv("CALSYNC_STATE_PATH", "/env/state.json")
	t.Setenv("CALSYNC_LOG_FILE", "/env/calsync.log")

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if config.GoogleCredentialsPath != "/env/credentials.json" {
		t.Errorf("Expected GoogleCredentialsPath to be '/env/credentials.json', got '%s'", config.GoogleCredentialsPath)
	}
	if config.StatePath != "/env/state.json" {
		t.Errorf("Expected StatePath to be '/env/state.json', got '%s'", config.StatePath)
	}
	if config.LogFile != "/env/calsync.log" {
		t.Errorf("Expected LogFile to be '/env/calsync.log', got '%s'", config.LogFile)
	}
}

func TestLoadConfig_CommandLineFlags(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.json", jsonConfig)

	// Provide flags that should override env vars
	t.Setenv("CALSYNC_STATE_PATH", "/env/state.json")
	t.Setenv("CALSYNC_STATE_BACKEND", "file")

	config, err := LoadConfig(path, Overrides{StatePath: "/flag/state.db", StateBackend: "sqlite"})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	if config.StatePath != "/flag/state.db" {
		t.Errorf("Expected StatePath to be '/flag/state.db', got '%s'", config.StatePath)
	}
	if config.StateBackend != "sqlite" {
		t.Errorf("Expected StateBackend to be 'sqlite', got '%s'", config.StateBackend)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)

	tests := map[string]string{
		"no pairs": `{"calendars": []}`,
		"missing id": `{"calendars": [{"type": "google"}],
			"pairs": [{"source": "` + workID + `", "destination": "` + icloudID + `"}]}`,
		"duplicate id": `{"calendars": [{"id": "` + workID + `", "type": "google"}, {"id": "` + workID + `", "type": "google"}],
			"pairs": [{"source": "` + workID + `", "destination": "` + icloudID + `"}]}`,
		"same calendar": `{"pairs": [{"source": "` + workID + `", "destination": "` + workID + `"}]}`,
		"bad direction": `{"pairs": [{"source": "` + workID + `", "destination": "` + icloudID + `", "direction": "up"}]}`,
		"negative days": `{"pairs": [{"source": "` + workID + `", "destination": "` + icloudID + `", "days_in_past": -1}]}`,
		"bad backend":   `{"state_backend": "redis", "pairs": [{"source": "` + workID + `", "destination": "` + icloudID + `"}]}`,
	}

	for name, content := range tests {
		path := writeConfig(t, "calendars.json", content)
		if _, err := LoadConfig(path, Overrides{}); err == nil {
			t.Errorf("%s: expected an error, got nil", name)
		}
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"), Overrides{}); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestLookupAndValidate(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.json", jsonConfig)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	cal, err := config.Lookup(uuid.MustParse(icloudID))
	if err != nil {
		t.Fatalf("Lookup() returned an error: %v", err)
	}
	if cal.Name != "iCloud" {
		t.Errorf("Expected calendar 'iCloud', got '%s'", cal.Name)
	}
	if err := cal.Validate(); err != nil {
		t.Errorf("Validate() returned an error: %v", err)
	}

	if _, err := config.Lookup(uuid.New()); !errors.Is(err, ErrCalendarNotFound) {
		t.Errorf("Expected ErrCalendarNotFound, got %v", err)
	}

	exchange := Calendar{ID: uuid.New(), Type: "exchange"}
	if err := exchange.Validate(); !errors.Is(err, ErrUnknownCalendarType) {
		t.Errorf("Expected ErrUnknownCalendarType, got %v", err)
	}

	noPassword := *cal
	noPassword.Password = ""
	if err := noPassword.Validate(); err == nil {
		t.Error("Expected an error for a CalDAV calendar without password")
	}

	badZone := *cal
	badZone.TimeZone = "Mars/Olympus"
	if err := badZone.Validate(); err == nil {
		t.Error("Expected an error for an invalid time zone")
	}
}

func TestStates(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "calendars.json", jsonConfig)

	config, err := LoadConfig(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadConfig() returned an error: %v", err)
	}

	states := config.States()
	if len(states) != 1 {
		t.Fatalf("Expected 1 state, got %d", len(states))
	}
	st := states[0]
	if st.SourceID != uuid.MustParse(workID) || st.DestinationID != uuid.MustParse(icloudID) {
		t.Errorf("Unexpected pair ids: %s", st.PairID())
	}
	if st.Direction != state.SourceToDestination || st.DaysInFuture != 14 || st.LastSuccessfulSync != nil {
		t.Errorf("Unexpected state: %+v", st)
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "calendars.json", jsonConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 50*time.Millisecond, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(jsonConfig), 0644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a change notification")
	}

	// The burst of writes is coalesced.
	select {
	case <-changed:
		t.Error("Expected a single notification for a burst of writes")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() returned an error: %v", err)
	}
}

func TestLoadGoogleCredentials_Installed(t *testing.T) {
	// Create a temporary credentials file with "installed" format
	tempDir := t.TempDir()
	credsPath := filepath.Join(tempDir, "credentials.json")

	credsJSON := `{
		"installed": {
			"client_id": "test-client-id",
			"client_secret": "test-client-secret"
		}
	}`

	if err := os.WriteFile(credsPath, []byte(credsJSON), 0644); err != nil {
		t.Fatalf("Failed to write credentials file: %v", err)
	}

	clientID, clientSecret, err := LoadGoogleCredentials(credsPath)
	if err != nil {
		t.Fatalf("LoadGoogleCredentials() returned an error: %v", err)
	}

	if clientID != "test-client-id" {
		t.Errorf("Expected clientID to be 'test-client-id', got '%s'", clientID)
	}

	if clientSecret != "test-client-secret" {
		t.Errorf("Expected clientSecret to be 'test-client-secret', got '%s'", clientSecret)
	}
}

func TestLoadGoogleCredentials_Missing(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(credsPath, []byte(`{"other": {}}`), 0644); err != nil {
		t.Fatalf("Failed to write credentials file: %v", err)
	}

	if _, _, err := LoadGoogleCredentials(credsPath); err == nil {
		t.Error("Expected an error for credentials without client_id")
	}
}
