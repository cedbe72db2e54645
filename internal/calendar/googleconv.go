package calendar

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/event"
)

const googleDateFormat = "2006-01-02"

// fromGoogleEvent converts an API event. Cancelled events may come back as
// bare tombstones; those without any usable time return nil, nil.
func fromGoogleEvent(ge *calendar.Event, loc *time.Location) (*event.Event, error) {
	cancelled := ge.Status == "cancelled"

	uid := ge.ICalUID
	if uid == "" {
		uid = ge.Id
	}

	e := &event.Event{
		UID:         uid,
		Sequence:    int(ge.Sequence),
		Subject:     ge.Summary,
		Description: ge.Description,
		Location:    ge.Location,
		IsDeleted:   cancelled,
		NativeID:    ge.Id,
	}

	if ge.OriginalStartTime != nil {
		rid, _, err := parseGoogleTime(ge.OriginalStartTime, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid originalStartTime: %v", event.ErrMalformed, ge.Id, err)
		}
		e.RecurrenceID = &rid
	}

	switch {
	case ge.Start != nil:
		start, allDay, err := parseGoogleTime(ge.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid start: %v", event.ErrMalformed, ge.Id, err)
		}
		e.Start = start
		e.IsAllDay = allDay
	case cancelled && e.RecurrenceID != nil:
		e.Start = *e.RecurrenceID
	case cancelled:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: event %s has no start", event.ErrMalformed, ge.Id)
	}

	if ge.End != nil {
		end, _, err := parseGoogleTime(ge.End, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid end: %v", event.ErrMalformed, ge.Id, err)
		}
		e.End = &end
	}

	// Events the user organizes report the calendar itself as organizer;
	// the creator carries the actual person.
	if ge.Organizer != nil {
		e.Organizer = event.Attendee{DisplayName: ge.Organizer.DisplayName, Email: ge.Organizer.Email}
		if ge.Organizer.Self && ge.Creator != nil {
			e.Organizer = event.Attendee{DisplayName: ge.Creator.DisplayName, Email: ge.Creator.Email}
		}
	}

	var required, optional []event.Attendee
	for _, a := range ge.Attendees {
		att := event.Attendee{DisplayName: a.DisplayName, Email: a.Email}
		if a.Optional {
			optional = append(optional, att)
		} else {
			required = append(required, att)
		}
	}
	e.RequiredAttendees = event.NewAttendeeSet(required...)
	e.OptionalAttendees = event.NewAttendeeSet(optional...)

	var err error
	if e.Created, err = parseGoogleTimestamp(ge.Created); err != nil && !cancelled {
		return nil, fmt.Errorf("%w: event %s: invalid created: %v", event.ErrMalformed, ge.Id, err)
	}
	if e.Modified, err = parseGoogleTimestamp(ge.Updated); err != nil && !cancelled {
		return nil, fmt.Errorf("%w: event %s: invalid updated: %v", event.ErrMalformed, ge.Id, err)
	}

	return e, nil
}

// toGoogleEvent converts an event for Import or Update.
func toGoogleEvent(e *event.Event, loc *time.Location) *calendar.Event {
	ge := &calendar.Event{
		ICalUID:     e.UID,
		Sequence:    int64(e.Sequence),
		Summary:     e.Subject,
		Description: e.Description,
		Location:    e.Location,
		Status:      "confirmed",
	}

	end := e.Start
	if e.End != nil {
		end = *e.End
	} else if e.IsAllDay {
		end = e.Start.AddDate(0, 0, 1)
	}
	ge.Start = toGoogleTime(e.Start, e.IsAllDay, loc)
	ge.End = toGoogleTime(end, e.IsAllDay, loc)

	if e.RecurrenceID != nil {
		ge.OriginalStartTime = toGoogleTime(*e.RecurrenceID, e.IsAllDay, loc)
	}

	if !e.Organizer.IsZero() {
		ge.Organizer = &calendar.EventOrganizer{DisplayName: e.Organizer.DisplayName, Email: e.Organizer.Email}
	}
	for _, a := range e.RequiredAttendees {
		ge.Attendees = append(ge.Attendees, &calendar.EventAttendee{DisplayName: a.DisplayName, Email: a.Email})
	}
	for _, a := range e.OptionalAttendees {
		ge.Attendees = append(ge.Attendees, &calendar.EventAttendee{DisplayName: a.DisplayName, Email: a.Email, Optional: true})
	}

	return ge
}

func parseGoogleTime(t *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	}
	if t.Date != "" {
		v, err := time.ParseInLocation(googleDateFormat, t.Date, loc)
		return v, true, err
	}
	return time.Time{}, false, fmt.Errorf("neither date nor dateTime set")
}

func toGoogleTime(t time.Time, allDay bool, loc *time.Location) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.In(loc).Format(googleDateFormat)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

func parseGoogleTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Parse(time.RFC3339, s)
}
