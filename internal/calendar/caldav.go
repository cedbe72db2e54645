package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/beekhof/calsync/internal/event"
)

// basicAuthTransport adds Basic Auth to every request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds the credentials and a user agent to each request.
func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.Transport.RoundTrip(req)
}

// caldavClient is the subset of *caldav.Client used by the connector.
type caldavClient interface {
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	GetCalendarObject(ctx context.Context, path string) (*caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

// CalDAVConnector synchronizes one calendar collection on a CalDAV server
// (iCloud, Nextcloud, Fastmail, ...).
type CalDAVConnector struct {
	client       caldavClient
	calendarPath string
	opts         Options
	now          func() time.Time
}

// NewCalDAVConnector connects to serverURL and looks up the calendar whose
// display name is calendarName.
func NewCalDAVConnector(ctx context.Context, serverURL, username, password, calendarName string, opts Options) (*CalDAVConnector, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			Username:  username,
			Password:  password,
			Transport: http.DefaultTransport,
		},
	}

	client, err := caldav.NewClient(httpClient, serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	calendarPath, err := findCalendar(ctx, client, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}

	return newCalDAVConnector(client, calendarPath, opts), nil
}

func newCalDAVConnector(client caldavClient, calendarPath string, opts Options) *CalDAVConnector {
	opts = opts.withDefaults()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return &CalDAVConnector{
		client:       client,
		calendarPath: calendarPath,
		opts:         opts,
		now:          time.Now,
	}
}

// findCalendar discovers the user's calendars and returns the path of the one
// with the matching name.
func findCalendar(ctx context.Context, client *caldav.Client, name string) (string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	var names []string
	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
		names = append(names, cal.Name)
	}

	return "", fmt.Errorf("no calendar found with name '%s' (available: %s)", name, strings.Join(names, ", "))
}

// FetchEvents queries the events overlapping the window and expands
// recurring series into instances.
func (c *CalDAVConnector) FetchEvents(ctx context.Context, start, end time.Time) ([]*event.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []*event.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		expanded, err := expandCalendar(obj.Data, obj.Path, start, end, c.opts.Location)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Path, err)
		}
		events = append(events, expanded...)
	}

	return events, nil
}

// ApplyDirtyEvents writes every dirty event to the server.
func (c *CalDAVConnector) ApplyDirtyEvents(ctx context.Context, events []*event.Event) error {
	first := true
	for _, e := range events {
		if !e.IsDirty() {
			continue
		}

		if !first {
			if err := pause(ctx, c.opts.WriteDelay); err != nil {
				return err
			}
		}
		first = false

		if err := c.apply(ctx, e); err != nil {
			return fmt.Errorf("failed to %s event %s: %w", e.Sync, e.Key(), err)
		}
		c.opts.Logger.Debug("Applied event", "op", e.Sync.String(), "key", e.Key().String(), "subject", e.Subject)
	}
	return nil
}

func (c *CalDAVConnector) apply(ctx context.Context, e *event.Event) error {
	objectPath := e.NativeID
	if objectPath == "" {
		objectPath = c.objectPath(e.UID)
	}

	existing, err := c.client.GetCalendarObject(ctx, objectPath)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to get %s: %w", objectPath, err)
	}
	if err != nil {
		existing = nil
	}

	switch {
	case e.Sync.DeleteOnSync && existing == nil:
		// Already gone.
		return nil
	case e.Sync.DeleteOnSync && e.RecurrenceID == nil:
		if err := c.client.RemoveAll(ctx, objectPath); err != nil && !isNotFound(err) {
			return err
		}
		return nil
	case existing == nil && !e.Sync.CreateOnSync:
		return fmt.Errorf("calendar object %s does not exist", objectPath)
	}

	// Instances are written as overrides inside the series object, deleted
	// ones as cancelled overrides.
	var cal *ical.Calendar
	if existing != nil && existing.Data != nil {
		cal = existing.Data
	} else {
		cal = newICalCalendar()
	}

	upsertEvent(cal, e, c.now().UTC(), c.opts.Location)

	if _, err := c.client.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return err
	}
	e.NativeID = objectPath
	return nil
}

// isNotFound reports whether err carries an HTTP 404 from the server.
// go-webdav keeps its HTTP error type internal, so the status is read from
// the exported Code field of any error in the chain.
func isNotFound(err error) bool {
	return httpStatus(err) == http.StatusNotFound
}

func httpStatus(err error) int {
	for ; err != nil; err = errors.Unwrap(err) {
		v := reflect.ValueOf(err)
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			continue
		}
		if code := v.FieldByName("Code"); code.IsValid() && code.CanInt() {
			return int(code.Int())
		}
	}
	return 0
}

// objectPath returns the resource path used for a new event.
func (c *CalDAVConnector) objectPath(uid string) string {
	return path.Join(c.calendarPath, url.PathEscape(uid)+".ics")
}
