package event

import (
	"strings"
	"time"
)

// SyncKey identifies one event instance across two calendars: the iCalendar
// UID plus, for instances of a recurring series, the recurrence timestamp.
//
// SyncKey is comparable and can be used directly as a map key. Recurrence
// timestamps are normalized to UTC so the same instant in different zones
// yields the same key.
type SyncKey struct {
	UID        string
	recurrence int64
	recurring  bool
}

// NewSyncKey builds a key from a UID and an optional recurrence id.
func NewSyncKey(uid string, recurrenceID *time.Time) SyncKey {
	key := SyncKey{UID: uid}
	if recurrenceID != nil {
		key.recurring = true
		key.recurrence = recurrenceID.UTC().UnixNano()
	}
	return key
}

// RecurrenceID returns the recurrence timestamp in UTC and whether one is set.
func (k SyncKey) RecurrenceID() (time.Time, bool) {
	if !k.recurring {
		return time.Time{}, false
	}
	return time.Unix(0, k.recurrence).UTC(), true
}

// Compare orders keys by UID, then by recurrence id. A key without a
// recurrence id sorts before one with it.
func (k SyncKey) Compare(other SyncKey) int {
	if c := strings.Compare(k.UID, other.UID); c != 0 {
		return c
	}
	switch {
	case !k.recurring && !other.recurring:
		return 0
	case !k.recurring:
		return -1
	case !other.recurring:
		return 1
	case k.recurrence < other.recurrence:
		return -1
	case k.recurrence > other.recurrence:
		return 1
	}
	return 0
}

// Less reports whether k sorts before other.
func (k SyncKey) Less(other SyncKey) bool {
	return k.Compare(other) < 0
}

func (k SyncKey) String() string {
	rid, ok := k.RecurrenceID()
	if !ok {
		return k.UID
	}
	return k.UID + "@" + rid.Format(time.RFC3339)
}
