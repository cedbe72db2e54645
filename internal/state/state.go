// Package state holds the per-pair synchronization state that survives
// between passes and process restarts, and the stores that persist it.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction limits which side of a pair receives writes.
type Direction string

const (
	Bidirectional       Direction = "bidirectional"
	SourceToDestination Direction = "source-to-destination"
	DestinationToSource Direction = "destination-to-source"
)

// ParseDirection validates s. An empty string means Bidirectional.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return Bidirectional, nil
	case Bidirectional, SourceToDestination, DestinationToSource:
		return d, nil
	}
	return "", fmt.Errorf("invalid direction '%s' (expected %s, %s or %s)", s, Bidirectional, SourceToDestination, DestinationToSource)
}

// WritesDestination reports whether dirty destination events are applied.
func (d Direction) WritesDestination() bool {
	return d == Bidirectional || d == SourceToDestination
}

// WritesSource reports whether dirty source events are applied.
func (d Direction) WritesSource() bool {
	return d == Bidirectional || d == DestinationToSource
}

// State is the synchronization state of one calendar pair.
//
// The owning worker replaces its State as a whole value; readers always see
// a consistent snapshot.
type State struct {
	SourceID        uuid.UUID `json:"source_id"`
	DestinationID   uuid.UUID `json:"destination_id"`
	Direction       Direction `json:"direction"`
	DaysInPast      int       `json:"days_in_past"`
	DaysInFuture    int       `json:"days_in_future"`
	IntervalMinutes int       `json:"interval_minutes"`

	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	LastWindowStart    *time.Time `json:"last_window_start,omitempty"`
	LastWindowEnd      *time.Time `json:"last_window_end,omitempty"`
}

// PairID identifies the pair in logs and stores.
func (s State) PairID() string {
	return s.SourceID.String() + "->" + s.DestinationID.String()
}

// Interval is the time between successful passes.
func (s State) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Window returns the query bounds for a pass started at now.
func (s State) Window(now time.Time) (start, end time.Time) {
	return now.AddDate(0, 0, -s.DaysInPast), now.AddDate(0, 0, s.DaysInFuture)
}

// Completed returns a copy of s with the bookmarks of a successful pass.
func (s State) Completed(passStart, windowStart, windowEnd time.Time) State {
	s.LastSuccessfulSync = &passStart
	s.LastWindowStart = &windowStart
	s.LastWindowEnd = &windowEnd
	return s
}

// Store persists the states of all pairs. Save replaces the whole collection.
type Store interface {
	Load(ctx context.Context) ([]State, error)
	Save(ctx context.Context, states []State) error
	Close() error
}

// Merge overlays persisted bookmarks on the configured pairs. Pair settings
// always come from configured; persisted entries without a configured pair
// are dropped.
func Merge(configured, persisted []State) []State {
	byPair := make(map[string]State, len(persisted))
	for _, s := range persisted {
		byPair[s.PairID()] = s
	}

	merged := make([]State, 0, len(configured))
	for _, c := range configured {
		if p, ok := byPair[c.PairID()]; ok {
			c.LastSuccessfulSync = p.LastSuccessfulSync
			c.LastWindowStart = p.LastWindowStart
			c.LastWindowEnd = p.LastWindowEnd
		}
		merged = append(merged, c)
	}
	return merged
}

// Open returns the store for backend ("file" or "sqlite") at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		store, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown state backend '%s' (expected 'file' or 'sqlite')", backend)
}
