package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/beekhof/calsync/internal/event"
)

const eventsListJSON = `{
  "items": [
    {
      "id": "ev-1",
      "iCalUID": "meeting@example.com",
      "status": "confirmed",
      "summary": "Planning",
      "sequence": 1,
      "start": {"dateTime": "2025-01-10T10:00:00+01:00"},
      "end": {"dateTime": "2025-01-10T11:00:00+01:00"},
      "created": "2025-01-01T00:00:00Z",
      "updated": "2025-01-02T00:00:00Z",
      "organizer": {"email": "work@example.com", "self": true},
      "creator": {"email": "alice@example.com", "displayName": "Alice"},
      "attendees": [
        {"email": "bob@example.com", "displayName": "Bob"},
        {"email": "carol@example.com", "optional": true}
      ]
    },
    {
      "id": "ev-2",
      "iCalUID": "holiday@example.com",
      "status": "confirmed",
      "summary": "Holiday",
      "start": {"date": "2025-01-12"},
      "end": {"date": "2025-01-13"},
      "created": "2025-01-01T00:00:00Z",
      "updated": "2025-01-01T00:00:00Z"
    },
    {
      "id": "ev-3_20250111T090000Z",
      "iCalUID": "standup@example.com",
      "status": "cancelled",
      "originalStartTime": {"dateTime": "2025-01-11T09:00:00Z"}
    },
    {
      "id": "tombstone",
      "status": "cancelled"
    }
  ]
}`

// fakeGoogleAPI records the requests made against the Calendar API.
type fakeGoogleAPI struct {
	mu       sync.Mutex
	requests []string
	imported []*calendar.Event
	updated  []*calendar.Event
	query    map[string]string
}

func (f *fakeGoogleAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/calendars/primary":
		io.WriteString(w, `{"id": "primary", "timeZone": "Europe/Berlin"}`)

	case r.Method == http.MethodGet && r.URL.Path == "/calendars/primary/events":
		f.query = map[string]string{
			"singleEvents": r.URL.Query().Get("singleEvents"),
			"showDeleted":  r.URL.Query().Get("showDeleted"),
		}
		io.WriteString(w, eventsListJSON)

	case r.Method == http.MethodPost && r.URL.Path == "/calendars/primary/events/import":
		var ge calendar.Event
		json.NewDecoder(r.Body).Decode(&ge)
		f.imported = append(f.imported, &ge)
		ge.Id = "imported-1"
		json.NewEncoder(w).Encode(&ge)

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/calendars/primary/events/"):
		var ge calendar.Event
		json.NewDecoder(r.Body).Decode(&ge)
		f.updated = append(f.updated, &ge)
		json.NewEncoder(w).Encode(&ge)

	case r.Method == http.MethodDelete && r.URL.Path == "/calendars/primary/events/gone":
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"error": {"code": 410, "message": "Resource has been deleted"}}`)

	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error": {"code": 404, "message": "Not Found"}}`)
	}
}

func newTestGoogleConnector(t *testing.T, opts Options) (*GoogleConnector, *fakeGoogleAPI) {
	t.Helper()
	api := &fakeGoogleAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	opts.WriteDelay = -1

	c, err := NewGoogleConnector(context.Background(), server.Client(), "primary", opts, option.WithEndpoint(server.URL+"/"))
	if err != nil {
		t.Fatalf("NewGoogleConnector() returned an error: %v", err)
	}
	return c, api
}

func TestGoogleConnectorUsesCalendarTimeZone(t *testing.T) {
	c, _ := newTestGoogleConnector(t, Options{})

	if c.opts.Location == nil || c.opts.Location.String() != "Europe/Berlin" {
		t.Errorf("Expected location to be 'Europe/Berlin', got '%v'", c.opts.Location)
	}
}

func TestGoogleConnectorConfiguredTimeZone(t *testing.T) {
	c, api := newTestGoogleConnector(t, Options{Location: time.UTC})

	if c.opts.Location != time.UTC {
		t.Errorf("Expected configured location to be kept, got '%v'", c.opts.Location)
	}
	if len(api.requests) != 0 {
		t.Errorf("Expected no request when the zone is configured, got %v", api.requests)
	}
}

func TestGoogleFetchEvents(t *testing.T) {
	c, api := newTestGoogleConnector(t, Options{Location: time.UTC})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.FetchEvents(context.Background(), start, start.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("FetchEvents() returned an error: %v", err)
	}
	if api.query["singleEvents"] != "true" || api.query["showDeleted"] != "true" {
		t.Errorf("Expected singleEvents and showDeleted, got %v", api.query)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events (tombstone skipped), got %d", len(events))
	}

	m := byKey(t, events)

	meeting := m[event.NewSyncKey("meeting@example.com", nil)]
	if meeting == nil {
		t.Fatalf("Expected the timed event")
	}
	if meeting.NativeID != "ev-1" {
		t.Errorf("Expected NativeID to be 'ev-1', got '%s'", meeting.NativeID)
	}
	if !meeting.Start.Equal(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected start 09:00 UTC, got %s", meeting.Start)
	}
	if meeting.Organizer.Email != "alice@example.com" {
		t.Errorf("Expected the creator as organizer, got %s", meeting.Organizer)
	}
	if len(meeting.RequiredAttendees) != 1 || len(meeting.OptionalAttendees) != 1 {
		t.Errorf("Expected 1 required and 1 optional attendee, got %v and %v", meeting.RequiredAttendees, meeting.OptionalAttendees)
	}
	if meeting.Sequence != 1 {
		t.Errorf("Expected Sequence to be 1, got %d", meeting.Sequence)
	}

	holiday := m[event.NewSyncKey("holiday@example.com", nil)]
	if holiday == nil || !holiday.IsAllDay {
		t.Errorf("Expected an all-day holiday, got %+v", holiday)
	}

	rid := time.Date(2025, 1, 11, 9, 0, 0, 0, time.UTC)
	cancelled := m[event.NewSyncKey("standup@example.com", &rid)]
	if cancelled == nil {
		t.Fatalf("Expected the cancelled instance")
	}
	if !cancelled.IsDeleted {
		t.Errorf("Expected the cancelled instance to be deleted")
	}
	if !cancelled.Start.Equal(rid) {
		t.Errorf("Expected the cancelled instance to start at its recurrence id, got %s", cancelled.Start)
	}
}

func TestGoogleApplyDirtyEvents(t *testing.T) {
	c, api := newTestGoogleConnector(t, Options{Location: time.UTC})

	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	created := &event.Event{UID: "new@example.com", Subject: "New", Start: start, End: &end, Sync: event.Change{CreateOnSync: true}}
	updated := &event.Event{UID: "upd@example.com", Subject: "Changed", Start: start, End: &end, NativeID: "ev-9", Sync: event.Change{Updated: true}}
	undeleted := &event.Event{UID: "back@example.com", Start: start, NativeID: "ev-8", Sync: event.Change{UnDeleteOnSync: true}}
	deleted := &event.Event{UID: "del@example.com", Start: start, NativeID: "ev-7", IsDeleted: true, Sync: event.Change{DeleteOnSync: true}}
	gone := &event.Event{UID: "gone@example.com", Start: start, NativeID: "gone", IsDeleted: true, Sync: event.Change{DeleteOnSync: true}}
	clean := &event.Event{UID: "clean@example.com", Start: start, NativeID: "ev-6"}

	err := c.ApplyDirtyEvents(context.Background(), []*event.Event{created, updated, undeleted, deleted, gone, clean})
	if err != nil {
		t.Fatalf("ApplyDirtyEvents() returned an error: %v", err)
	}

	want := []string{
		"POST /calendars/primary/events/import",
		"PUT /calendars/primary/events/ev-9",
		"PUT /calendars/primary/events/ev-8",
		"DELETE /calendars/primary/events/ev-7",
		"DELETE /calendars/primary/events/gone",
	}
	if strings.Join(api.requests, "\n") != strings.Join(want, "\n") {
		t.Errorf("Expected requests %v, got %v", want, api.requests)
	}

	if created.NativeID != "imported-1" {
		t.Errorf("Expected NativeID to be 'imported-1', got '%s'", created.NativeID)
	}
	if len(api.imported) != 1 || api.imported[0].ICalUID != "new@example.com" {
		t.Errorf("Expected the iCalUID to be imported, got %+v", api.imported)
	}
	for _, ge := range api.updated {
		if ge.Status != "confirmed" {
			t.Errorf("Expected updated events to be confirmed, got '%s'", ge.Status)
		}
	}
}

func TestGoogleUpdateWithoutNativeID(t *testing.T) {
	c, _ := newTestGoogleConnector(t, Options{Location: time.UTC})

	e := &event.Event{UID: "x@example.com", Start: time.Now(), Sync: event.Change{Updated: true}}
	err := c.ApplyDirtyEvents(context.Background(), []*event.Event{e})
	if !errors.Is(err, event.ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

func TestToGoogleEventAllDayDefaultsEnd(t *testing.T) {
	start := time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC)
	rid := start
	ge := toGoogleEvent(&event.Event{UID: "a", Start: start, IsAllDay: true, RecurrenceID: &rid}, time.UTC)

	if ge.Start.Date != "2025-01-12" || ge.End.Date != "2025-01-13" {
		t.Errorf("Expected 2025-01-12 to 2025-01-13, got %s to %s", ge.Start.Date, ge.End.Date)
	}
	if ge.OriginalStartTime == nil || ge.OriginalStartTime.Date != "2025-01-12" {
		t.Errorf("Expected originalStartTime to be set, got %+v", ge.OriginalStartTime)
	}
}
