package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/beekhof/calsync/internal/event"
)

// fakeCalDAV keeps calendar objects in memory.
type fakeCalDAV struct {
	objects map[string]*ical.Calendar
	puts    []string
	removed []string
	queries int
	// getErr, when set, is returned by every GET.
	getErr error
}

func newFakeCalDAV() *fakeCalDAV {
	return &fakeCalDAV{objects: make(map[string]*ical.Calendar)}
}

func (f *fakeCalDAV) QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	f.queries++
	paths := make([]string, 0, len(f.objects))
	for p := range f.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var objs []caldav.CalendarObject
	for _, p := range paths {
		objs = append(objs, caldav.CalendarObject{Path: p, Data: f.objects[p]})
	}
	return objs, nil
}

func (f *fakeCalDAV) GetCalendarObject(ctx context.Context, path string) (*caldav.CalendarObject, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	cal, ok := f.objects[path]
	if !ok {
		return nil, webdav.NewHTTPError(http.StatusNotFound, fmt.Errorf("no object at %s", path))
	}
	return &caldav.CalendarObject{Path: path, Data: cal}, nil
}

func (f *fakeCalDAV) PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error) {
	f.puts = append(f.puts, path)
	f.objects[path] = cal
	return &caldav.CalendarObject{Path: path, Data: cal}, nil
}

func (f *fakeCalDAV) RemoveAll(ctx context.Context, name string) error {
	f.removed = append(f.removed, name)
	delete(f.objects, name)
	return nil
}

func newTestCalDAVConnector(client caldavClient) *CalDAVConnector {
	c := newCalDAVConnector(client, "/dav/calendars/user/work", Options{WriteDelay: -1, Logger: discardLogger()})
	c.now = func() time.Time { return time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC) }
	return c
}

func TestCalDAVFetchEvents(t *testing.T) {
	fake := newFakeCalDAV()
	fake.objects["/dav/calendars/user/work/standup.ics"] = decodeICS(t, dailySeries...)
	c := newTestCalDAVConnector(fake)

	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	events, err := c.FetchEvents(context.Background(), start, start.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("FetchEvents() returned an error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 instances, got %d", len(events))
	}
	if fake.queries != 1 {
		t.Errorf("Expected 1 calendar query, got %d", fake.queries)
	}
}

func TestCalDAVCreateEvent(t *testing.T) {
	fake := newFakeCalDAV()
	c := newTestCalDAVConnector(fake)

	start := time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	e := &event.Event{
		UID:     "new@example.com",
		Subject: "New",
		Start:   start,
		Sync:    event.Change{CreateOnSync: true},
	}
	clean := &event.Event{UID: "clean@example.com", Start: start, NativeID: "/dav/calendars/user/work/clean.ics"}

	if err := c.ApplyDirtyEvents(context.Background(), []*event.Event{clean, e}); err != nil {
		t.Fatalf("ApplyDirtyEvents() returned an error: %v", err)
	}

	want := "/dav/calendars/user/work/new@example.com.ics"
	if len(fake.puts) != 1 || fake.puts[0] != want {
		t.Fatalf("Expected a single PUT to '%s', got %v", want, fake.puts)
	}
	if e.NativeID != want {
		t.Errorf("Expected NativeID to be '%s', got '%s'", want, e.NativeID)
	}
	if clean.NativeID != "/dav/calendars/user/work/clean.ics" {
		t.Errorf("Expected clean event to be left alone")
	}
}

func TestCalDAVDeleteEvent(t *testing.T) {
	fake := newFakeCalDAV()
	path := "/dav/calendars/user/work/standup.ics"
	fake.objects[path] = decodeICS(t, dailySeries...)
	c := newTestCalDAVConnector(fake)

	e := &event.Event{
		UID:       "standup@example.com",
		Start:     time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		IsDeleted: true,
		NativeID:  path,
		Sync:      event.Change{DeleteOnSync: true},
	}
	missing := &event.Event{
		UID:       "gone@example.com",
		Start:     time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		IsDeleted: true,
		NativeID:  "/dav/calendars/user/work/gone.ics",
		Sync:      event.Change{DeleteOnSync: true},
	}

	if err := c.ApplyDirtyEvents(context.Background(), []*event.Event{e, missing}); err != nil {
		t.Fatalf("ApplyDirtyEvents() returned an error: %v", err)
	}
	if len(fake.removed) != 1 || fake.removed[0] != path {
		t.Errorf("Expected '%s' to be removed, got %v", path, fake.removed)
	}
	if len(fake.puts) != 0 {
		t.Errorf("Expected no PUT, got %v", fake.puts)
	}
}

func TestCalDAVDeleteInstance(t *testing.T) {
	fake := newFakeCalDAV()
	path := "/dav/calendars/user/work/standup.ics"
	fake.objects[path] = decodeICS(t, dailySeries...)
	c := newTestCalDAVConnector(fake)

	rid := time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC)
	e := &event.Event{
		UID:          "standup@example.com",
		RecurrenceID: &rid,
		Start:        rid,
		IsDeleted:    true,
		NativeID:     path,
		Sync:         event.Change{DeleteOnSync: true},
	}
	if err := c.ApplyDirtyEvents(context.Background(), []*event.Event{e}); err != nil {
		t.Fatalf("ApplyDirtyEvents() returned an error: %v", err)
	}
	if len(fake.removed) != 0 {
		t.Errorf("Expected the series to be kept, removed %v", fake.removed)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("Expected 1 PUT, got %d", len(fake.puts))
	}

	events, err := c.FetchEvents(context.Background(), rid.Add(-time.Hour), rid.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchEvents() returned an error: %v", err)
	}
	if len(events) != 1 || !events[0].IsDeleted {
		t.Errorf("Expected the instance to be cancelled, got %+v", events)
	}
}

func TestCalDAVUpdateMissingObject(t *testing.T) {
	fake := newFakeCalDAV()
	c := newTestCalDAVConnector(fake)

	e := &event.Event{
		UID:      "lost@example.com",
		Start:    time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		NativeID: "/dav/calendars/user/work/lost.ics",
		Sync:     event.Change{Updated: true},
	}
	if err := c.ApplyDirtyEvents(context.Background(), []*event.Event{e}); err == nil {
		t.Errorf("Expected an error updating a missing object")
	}
	if len(fake.puts) != 0 {
		t.Errorf("Expected no PUT, got %v", fake.puts)
	}
}

func TestCalDAVServerErrorFailsApply(t *testing.T) {
	path := "/dav/calendars/user/work/standup@example.com.ics"
	rid := time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC)
	end := rid.Add(30 * time.Minute)

	tests := []struct {
		name     string
		change   event.Change
		instance bool
	}{
		{name: "create instance", change: event.Change{CreateOnSync: true}, instance: true},
		{name: "update instance", change: event.Change{Updated: true}, instance: true},
		{name: "delete series", change: event.Change{DeleteOnSync: true}},
		{name: "delete instance", change: event.Change{DeleteOnSync: true}, instance: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCalDAV()
			fake.objects[path] = decodeICS(t, dailySeries...)
			fake.getErr = webdav.NewHTTPError(http.StatusServiceUnavailable, errors.New("try again later"))
			c := newTestCalDAVConnector(fake)

			e := &event.Event{
				UID:      "standup@example.com",
				Subject:  "Standup",
				Start:    rid,
				End:      &end,
				NativeID: path,
				Sync:     tt.change,
			}
			if tt.instance {
				e.RecurrenceID = &rid
			}

			if err := c.ApplyDirtyEvents(context.Background(), []*event.Event{e}); err == nil {
				t.Fatalf("Expected ApplyDirtyEvents() to fail on a server error")
			}
			if len(fake.puts) != 0 || len(fake.removed) != 0 {
				t.Errorf("Expected no writes, got puts %v and removes %v", fake.puts, fake.removed)
			}
			if n := len(fake.objects[path].Children); n != len(decodeICS(t, dailySeries...).Children) {
				t.Errorf("Expected the series object to be untouched, got %d components", n)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := webdav.NewHTTPError(http.StatusNotFound, nil)
	if !isNotFound(notFound) {
		t.Errorf("Expected a 404 to be reported as not found")
	}
	if !isNotFound(fmt.Errorf("failed to get object: %w", notFound)) {
		t.Errorf("Expected a wrapped 404 to be reported as not found")
	}
	if isNotFound(webdav.NewHTTPError(http.StatusServiceUnavailable, nil)) {
		t.Errorf("Expected a 503 not to be reported as not found")
	}
	if isNotFound(errors.New("404 Not Found")) {
		t.Errorf("Expected a plain error not to be reported as not found")
	}
}

func TestCalDAVApplyStopsOnCancel(t *testing.T) {
	fake := newFakeCalDAV()
	c := newCalDAVConnector(fake, "/cal", Options{WriteDelay: time.Hour, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	events := []*event.Event{
		{UID: "a", Start: start, Sync: event.Change{CreateOnSync: true}},
		{UID: "b", Start: start, Sync: event.Change{CreateOnSync: true}},
	}
	if err := c.ApplyDirtyEvents(ctx, events); err == nil {
		t.Errorf("Expected an error when the context is cancelled")
	}
	if len(fake.puts) != 1 {
		t.Errorf("Expected only the first write before the pause, got %v", fake.puts)
	}
}
