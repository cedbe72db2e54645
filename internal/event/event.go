// Package event holds the provider-neutral calendar event model shared by the
// connectors and the reconciler.
package event

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrDuplicateKey is returned when a collection holds two events with the same SyncKey.
	ErrDuplicateKey = errors.New("duplicate sync key in event collection")

	// ErrMalformed marks provider data that cannot be turned into an Event.
	ErrMalformed = errors.New("malformed provider event")
)

// Change describes the write a connector must perform for an event after
// reconciliation. The zero value means no write.
type Change struct {
	CreateOnSync   bool `json:"create_on_sync,omitempty"`
	DeleteOnSync   bool `json:"delete_on_sync,omitempty"`
	UnDeleteOnSync bool `json:"undelete_on_sync,omitempty"`
	// Updated is set when content fields were overwritten from the other side.
	Updated bool `json:"updated,omitempty"`
}

// IsDirty reports whether the event needs to be written back.
func (c Change) IsDirty() bool {
	return c.CreateOnSync || c.DeleteOnSync || c.UnDeleteOnSync || c.Updated
}

func (c Change) String() string {
	switch {
	case c.CreateOnSync:
		return "create"
	case c.DeleteOnSync:
		return "delete"
	case c.UnDeleteOnSync:
		return "undelete"
	case c.Updated:
		return "update"
	}
	return "none"
}

// Event is one occurrence of a calendar entry. Instances of a recurring series
// are separate events that share a UID and carry their own RecurrenceID.
type Event struct {
	UID          string     `json:"uid"`
	RecurrenceID *time.Time `json:"recurrence_id,omitempty"`
	Sequence     int        `json:"sequence"`

	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	IsAllDay bool       `json:"is_all_day,omitempty"`

	Organizer         Attendee    `json:"organizer"`
	RequiredAttendees AttendeeSet `json:"required_attendees,omitempty"`
	OptionalAttendees AttendeeSet `json:"optional_attendees,omitempty"`

	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
	IsDeleted bool      `json:"is_deleted,omitempty"`

	// NativeID is the provider's own identifier. Empty for events that do not
	// exist on that side yet.
	NativeID string `json:"native_id,omitempty"`

	// Sync is the pending write, set only by the reconciler.
	Sync Change `json:"sync"`
}

// Key returns the SyncKey used to match this event across calendars.
func (e *Event) Key() SyncKey {
	return NewSyncKey(e.UID, e.RecurrenceID)
}

// IsDirty reports whether the event has a pending write.
func (e *Event) IsDirty() bool {
	return e.Sync.IsDirty()
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("%w: missing uid", ErrMalformed)
	}
	if e.Start.IsZero() {
		return fmt.Errorf("%w: event %s has no start", ErrMalformed, e.Key())
	}
	if e.End != nil && e.End.Before(e.Start) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrMalformed, e.Key())
	}
	return nil
}

// Clone returns a deep copy of the event, including the pending change.
func (e *Event) Clone() *Event {
	out := *e
	out.RecurrenceID = cloneTime(e.RecurrenceID)
	out.End = cloneTime(e.End)
	out.RequiredAttendees = e.RequiredAttendees.Clone()
	out.OptionalAttendees = e.OptionalAttendees.Clone()
	return &out
}

// SameContent reports whether both events agree on every field that is
// synchronized between calendars.
func (e *Event) SameContent(other *Event) bool {
	return e.Subject == other.Subject &&
		e.Description == other.Description &&
		e.Location == other.Location &&
		e.Start.Equal(other.Start) &&
		equalTimes(e.End, other.End) &&
		e.IsAllDay == other.IsAllDay &&
		e.Organizer == other.Organizer &&
		e.RequiredAttendees.Equal(other.RequiredAttendees) &&
		e.OptionalAttendees.Equal(other.OptionalAttendees) &&
		equalTimes(e.RecurrenceID, other.RecurrenceID)
}

// CopyContent overwrites the synchronized fields of e with those of src.
func (e *Event) CopyContent(src *Event) {
	e.Subject = src.Subject
	e.Description = src.Description
	e.Location = src.Location
	e.Start = src.Start
	e.End = cloneTime(src.End)
	e.IsAllDay = src.IsAllDay
	e.Organizer = src.Organizer
	e.RequiredAttendees = src.RequiredAttendees.Clone()
	e.OptionalAttendees = src.OptionalAttendees.Clone()
	e.RecurrenceID = cloneTime(src.RecurrenceID)
}

// Index maps events by SyncKey, failing on duplicates.
func Index(events []*Event) (map[SyncKey]*Event, error) {
	byKey := make(map[SyncKey]*Event, len(events))
	for _, e := range events {
		key := e.Key()
		if _, dup := byKey[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		byKey[key] = e
	}
	return byKey, nil
}

// SortByKey orders events by SyncKey in place.
func SortByKey(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Key().Less(events[j].Key())
	})
}

// Dirty returns the events that have a pending write.
func Dirty(events []*Event) []*Event {
	var out []*Event
	for _, e := range events {
		if e.IsDirty() {
			out = append(out, e)
		}
	}
	return out
}

// Summary counts pending writes by kind.
type Summary struct {
	Created   int
	Updated   int
	Deleted   int
	UnDeleted int
}

// Total is the number of pending writes.
func (s Summary) Total() int {
	return s.Created + s.Updated + s.Deleted + s.UnDeleted
}

// Summarize counts the pending writes in events.
func Summarize(events []*Event) Summary {
	var s Summary
	for _, e := range events {
		switch {
		case e.Sync.CreateOnSync:
			s.Created++
		case e.Sync.DeleteOnSync:
			s.Deleted++
		case e.Sync.UnDeleteOnSync:
			s.UnDeleted++
		case e.Sync.Updated:
			s.Updated++
		}
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
