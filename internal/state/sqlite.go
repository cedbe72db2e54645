package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_states (
	source_id            TEXT NOT NULL,
	destination_id       TEXT NOT NULL,
	direction            TEXT NOT NULL,
	days_in_past         INTEGER NOT NULL,
	days_in_future       INTEGER NOT NULL,
	interval_minutes     INTEGER NOT NULL,
	last_successful_sync TEXT,
	last_window_start    TEXT,
	last_window_end      TEXT,
	PRIMARY KEY (source_id, destination_id)
)`

// SQLiteStore keeps the states in an embedded SQLite database.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (and if needed creates) the database at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer is all a state store needs.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path}, nil
}

// Load returns every stored state ordered by pair.
func (s *SQLiteStore) Load(ctx context.Context) ([]State, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT source_id, destination_id, direction, days_in_past, days_in_future,
		       interval_minutes, last_successful_sync, last_window_start, last_window_end
		FROM sync_states
		ORDER BY source_id, destination_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		var (
			st                           State
			sourceID, destinationID, dir string
			lastSync, winStart, winEnd   sql.NullString
		)
		if err := rows.Scan(&sourceID, &destinationID, &dir, &st.DaysInPast, &st.DaysInFuture,
			&st.IntervalMinutes, &lastSync, &winStart, &winEnd); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		if st.SourceID, err = uuid.Parse(sourceID); err != nil {
			return nil, fmt.Errorf("invalid source id '%s': %w", sourceID, err)
		}
		if st.DestinationID, err = uuid.Parse(destinationID); err != nil {
			return nil, fmt.Errorf("invalid destination id '%s': %w", destinationID, err)
		}
		st.Direction = Direction(dir)

		if st.LastSuccessfulSync, err = parseNullTime(lastSync); err != nil {
			return nil, err
		}
		if st.LastWindowStart, err = parseNullTime(winStart); err != nil {
			return nil, err
		}
		if st.LastWindowEnd, err = parseNullTime(winEnd); err != nil {
			return nil, err
		}

		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read states: %w", err)
	}

	return states, nil
}

// Save replaces all stored states in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, states []State) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_states"); err != nil {
		return fmt.Errorf("failed to clear states: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_states (source_id, destination_id, direction, days_in_past, days_in_future,
		                         interval_minutes, last_successful_sync, last_window_start, last_window_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx,
			st.SourceID.String(), st.DestinationID.String(), string(st.Direction),
			st.DaysInPast, st.DaysInFuture, st.IntervalMinutes,
			formatNullTime(st.LastSuccessfulSync), formatNullTime(st.LastWindowStart), formatNullTime(st.LastWindowEnd),
		); err != nil {
			return fmt.Errorf("failed to insert state %s: %w", st.PairID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit states: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp '%s': %w", s.String, err)
	}
	return &t, nil
}
