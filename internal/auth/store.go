package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	"github.com/beekhof/calsync/internal/config"
)

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// FileTokenStore keeps one calendar's token in a JSON file. Several
// connectors may refresh the same file, so access is serialized and writes
// replace the file atomically.
type FileTokenStore struct {
	Path string

	mu sync.Mutex
}

// NewFileTokenStore creates a store for the token file at path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

// CalendarTokenStore returns the token store of a Google calendar.
func CalendarTokenStore(cal *config.Calendar) (*FileTokenStore, error) {
	if cal.Type != config.TypeGoogle {
		return nil, fmt.Errorf("calendar %s is of type '%s', only Google calendars use tokens", cal.Label(), cal.Type)
	}
	if cal.TokenPath == "" {
		return nil, fmt.Errorf("calendar %s has no token_path", cal.Label())
	}
	return NewFileTokenStore(cal.TokenPath), nil
}

// SaveToken writes the token next to the target and renames it into place.
func (store *FileTokenStore) SaveToken(token *oauth2.Token) error {
	if token == nil || (token.AccessToken == "" && token.RefreshToken == "") {
		return errors.New("refusing to save an empty token")
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	dir := filepath.Dir(store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// CreateTemp already uses 0600.
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), store.Path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// LoadToken returns nil, nil when no token has been saved yet.
func (store *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	store.mu.Lock()
	data, err := os.ReadFile(store.Path)
	store.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token %s: %w", store.Path, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s holds no token, run 'calsync auth' again", store.Path)
	}
	return &token, nil
}
