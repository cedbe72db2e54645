package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/beekhof/calsync/internal/event"
)

const (
	statusConfirmed = "CONFIRMED"
	statusCancelled = "CANCELLED"

	roleRequired = "REQ-PARTICIPANT"
	roleOptional = "OPT-PARTICIPANT"
)

func newICalCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//EN")
	return cal
}

// series groups the VEVENTs of one UID inside a calendar object.
type series struct {
	master    *ical.Component
	overrides []*ical.Component
}

// expandCalendar turns the VEVENTs of one calendar object into events
// overlapping [start, end). Recurring masters are expanded into instances;
// an override replaces the generated instance with the same recurrence id.
func expandCalendar(cal *ical.Calendar, objectPath string, start, end time.Time, loc *time.Location) ([]*event.Event, error) {
	bySeries := make(map[string]*series)
	var uids []string
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		uid, err := comp.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			return nil, fmt.Errorf("%w: VEVENT without UID", event.ErrMalformed)
		}
		s, ok := bySeries[uid]
		if !ok {
			s = &series{}
			bySeries[uid] = s
			uids = append(uids, uid)
		}
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			s.overrides = append(s.overrides, comp)
		} else {
			s.master = comp
		}
	}
	sort.Strings(uids)

	var events []*event.Event
	for _, uid := range uids {
		s := bySeries[uid]

		overridden := make(map[int64]bool, len(s.overrides))
		for _, comp := range s.overrides {
			e, err := fromVEvent(comp, objectPath, loc)
			if err != nil {
				return nil, err
			}
			overridden[e.RecurrenceID.UTC().UnixNano()] = true
			if overlaps(e.Start, e.End, start, end) {
				events = append(events, e)
			}
		}

		if s.master == nil {
			continue
		}

		base, err := fromVEvent(s.master, objectPath, loc)
		if err != nil {
			return nil, err
		}

		set, err := s.master.RecurrenceSet(loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid recurrence: %v", event.ErrMalformed, uid, err)
		}
		if set == nil {
			if overlaps(base.Start, base.End, start, end) {
				events = append(events, base)
			}
			continue
		}

		var duration time.Duration
		if base.End != nil {
			duration = base.End.Sub(base.Start)
		}
		for _, t := range occurrences(set, start.Add(-duration), end) {
			if overridden[t.UTC().UnixNano()] {
				continue
			}
			inst := base.Clone()
			rid := t
			inst.RecurrenceID = &rid
			inst.Start = t
			if base.End != nil {
				instEnd := t.Add(duration)
				inst.End = &instEnd
			}
			if overlaps(inst.Start, inst.End, start, end) {
				events = append(events, inst)
			}
		}
	}

	return events, nil
}

// occurrences lists the start times of set within [from, to].
func occurrences(set *rrule.Set, from, to time.Time) []time.Time {
	return set.Between(from, to, true)
}

// fromVEvent converts one VEVENT component.
func fromVEvent(comp *ical.Component, objectPath string, loc *time.Location) (*event.Event, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	e := &event.Event{
		UID:      uid,
		NativeID: objectPath,
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("%w: event %s has no DTSTART", event.ErrMalformed, uid)
	}
	start, err := dtstart.DateTime(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s: invalid DTSTART: %v", event.ErrMalformed, uid, err)
	}
	e.Start = start
	e.IsAllDay = dtstart.Params.Get("VALUE") == "DATE"

	vevent := ical.Event{Component: comp}
	if end, err := vevent.DateTimeEnd(loc); err != nil {
		return nil, fmt.Errorf("%w: event %s: invalid end: %v", event.ErrMalformed, uid, err)
	} else if !end.IsZero() {
		e.End = &end
	}

	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		t, err := rid.DateTime(loc)
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid RECURRENCE-ID: %v", event.ErrMalformed, uid, err)
		}
		e.RecurrenceID = &t
	}

	if seq := comp.Props.Get(ical.PropSequence); seq != nil {
		n, err := strconv.Atoi(strings.TrimSpace(seq.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid SEQUENCE: %v", event.ErrMalformed, uid, err)
		}
		e.Sequence = n
	}

	e.Subject, _ = comp.Props.Text(ical.PropSummary)
	e.Description, _ = comp.Props.Text(ical.PropDescription)
	e.Location, _ = comp.Props.Text(ical.PropLocation)

	if status, _ := comp.Props.Text(ical.PropStatus); strings.EqualFold(status, statusCancelled) {
		e.IsDeleted = true
	}

	if org := comp.Props.Get(ical.PropOrganizer); org != nil {
		e.Organizer = attendeeFromProp(org)
	}

	var required, optional []event.Attendee
	for i := range comp.Props[ical.PropAttendee] {
		prop := &comp.Props[ical.PropAttendee][i]
		if strings.EqualFold(prop.Params.Get("ROLE"), roleOptional) {
			optional = append(optional, attendeeFromProp(prop))
		} else {
			required = append(required, attendeeFromProp(prop))
		}
	}
	e.RequiredAttendees = event.NewAttendeeSet(required...)
	e.OptionalAttendees = event.NewAttendeeSet(optional...)

	if e.Created, err = propTime(comp, ical.PropCreated); err != nil {
		return nil, fmt.Errorf("%w: event %s: invalid CREATED: %v", event.ErrMalformed, uid, err)
	}
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if e.Modified, err = propTime(comp, name); err != nil {
			return nil, fmt.Errorf("%w: event %s: invalid %s: %v", event.ErrMalformed, uid, name, err)
		}
		if !e.Modified.IsZero() {
			break
		}
	}
	if e.Created.IsZero() {
		e.Created = e.Modified
	}

	return e, nil
}

func attendeeFromProp(prop *ical.Prop) event.Attendee {
	email := prop.Value
	if len(email) > len("mailto:") && strings.EqualFold(email[:len("mailto:")], "mailto:") {
		email = email[len("mailto:"):]
	}
	return event.Attendee{DisplayName: prop.Params.Get("CN"), Email: email}
}

func attendeeProp(name string, a event.Attendee, role string) *ical.Prop {
	prop := ical.NewProp(name)
	prop.Value = "mailto:" + a.Email
	if a.DisplayName != "" {
		prop.Params.Set("CN", a.DisplayName)
	}
	if role != "" {
		prop.Params.Set("ROLE", role)
	}
	return prop
}

// propTime returns the UTC timestamp of a property, or the zero time when
// the property is absent.
func propTime(comp *ical.Component, name string) (time.Time, error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}, nil
	}
	return prop.DateTime(time.UTC)
}

// upsertEvent writes e into cal, updating the VEVENT with the same UID and
// recurrence id if there is one and appending a new VEVENT otherwise.
func upsertEvent(cal *ical.Calendar, e *event.Event, now time.Time, loc *time.Location) {
	var comp *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if uid, _ := child.Props.Text(ical.PropUID); uid != e.UID {
			continue
		}
		if sameRecurrence(child, e.RecurrenceID, loc) {
			comp = child
			break
		}
	}

	if comp == nil {
		comp = ical.NewComponent(ical.CompEvent)
		cal.Children = append(cal.Children, comp)
	}
	if comp.Props.Get(ical.PropCreated) == nil {
		created := e.Created
		if created.IsZero() {
			created = now
		}
		comp.Props.SetDateTime(ical.PropCreated, created.UTC())
	}

	applyEvent(comp, e, now, loc)
}

func sameRecurrence(comp *ical.Component, rid *time.Time, loc *time.Location) bool {
	prop := comp.Props.Get(ical.PropRecurrenceID)
	if prop == nil || rid == nil {
		return prop == nil && rid == nil
	}
	t, err := prop.DateTime(loc)
	return err == nil && t.Equal(*rid)
}

// applyEvent overwrites the synchronized properties of comp with e.
func applyEvent(comp *ical.Component, e *event.Event, now time.Time, loc *time.Location) {
	props := comp.Props

	props.SetText(ical.PropUID, e.UID)
	setDateProp(props, ical.PropDateTimeStart, e.Start, e.IsAllDay, loc)

	delete(props, ical.PropDuration)
	if e.End != nil {
		setDateProp(props, ical.PropDateTimeEnd, *e.End, e.IsAllDay, loc)
	} else {
		delete(props, ical.PropDateTimeEnd)
	}

	if e.RecurrenceID != nil {
		setDateProp(props, ical.PropRecurrenceID, *e.RecurrenceID, e.IsAllDay, loc)
		// Overrides never carry their own rule.
		delete(props, ical.PropRecurrenceRule)
	}

	seq := ical.NewProp(ical.PropSequence)
	seq.Value = strconv.Itoa(e.Sequence)
	props.Set(seq)

	setOptionalText(props, ical.PropSummary, e.Subject)
	setOptionalText(props, ical.PropDescription, e.Description)
	setOptionalText(props, ical.PropLocation, e.Location)

	if e.IsDeleted {
		props.SetText(ical.PropStatus, statusCancelled)
	} else {
		props.SetText(ical.PropStatus, statusConfirmed)
	}

	delete(props, ical.PropOrganizer)
	if !e.Organizer.IsZero() {
		props.Set(attendeeProp(ical.PropOrganizer, e.Organizer, ""))
	}

	delete(props, ical.PropAttendee)
	for _, a := range e.RequiredAttendees {
		props.Add(attendeeProp(ical.PropAttendee, a, roleRequired))
	}
	for _, a := range e.OptionalAttendees {
		props.Add(attendeeProp(ical.PropAttendee, a, roleOptional))
	}

	props.SetDateTime(ical.PropLastModified, now)
	props.SetDateTime(ical.PropDateTimeStamp, now)
}

func setDateProp(props ical.Props, name string, t time.Time, allDay bool, loc *time.Location) {
	prop := ical.NewProp(name)
	if allDay {
		prop.SetDate(t.In(loc))
	} else {
		prop.SetDateTime(t.UTC())
	}
	props.Set(prop)
}

func setOptionalText(props ical.Props, name, value string) {
	if value == "" {
		delete(props, name)
		return
	}
	props.SetText(name, value)
}
