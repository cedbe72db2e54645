package event

import (
	"sort"
	"strings"
)

// Attendee is a participant of an event, identified by display name and email.
type Attendee struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// IsZero reports whether neither name nor email is set.
func (a Attendee) IsZero() bool {
	return a.DisplayName == "" && a.Email == ""
}

// String formats the attendee as `Name <email>`.
func (a Attendee) String() string {
	if a.DisplayName == "" {
		return a.Email
	}
	return a.DisplayName + " <" + a.Email + ">"
}

func compareAttendees(a, b Attendee) int {
	if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
		return c
	}
	return strings.Compare(a.Email, b.Email)
}

// AttendeeSet is a deduplicated, sorted set of attendees.
// Two attendees are the same member when both name and email match.
type AttendeeSet []Attendee

// NewAttendeeSet builds a set from the given attendees, dropping duplicates
// and empty entries.
func NewAttendeeSet(attendees ...Attendee) AttendeeSet {
	if len(attendees) == 0 {
		return nil
	}

	seen := make(map[Attendee]struct{}, len(attendees))
	set := make(AttendeeSet, 0, len(attendees))
	for _, a := range attendees {
		if a.IsZero() {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		set = append(set, a)
	}

	sort.Slice(set, func(i, j int) bool {
		return compareAttendees(set[i], set[j]) < 0
	})
	return set
}

// Contains reports whether a is a member of the set.
func (s AttendeeSet) Contains(a Attendee) bool {
	i := sort.Search(len(s), func(i int) bool {
		return compareAttendees(s[i], a) >= 0
	})
	return i < len(s) && s[i] == a
}

// Equal reports whether both sets hold the same members.
func (s AttendeeSet) Equal(other AttendeeSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (s AttendeeSet) Clone() AttendeeSet {
	if s == nil {
		return nil
	}
	out := make(AttendeeSet, len(s))
	copy(out, s)
	return out
}
