package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/calsync/internal/event"
)

// GoogleConnector synchronizes one Google calendar through the Calendar API.
type GoogleConnector struct {
	service    *calendar.Service
	calendarID string
	opts       Options
}

// NewGoogleConnector creates a connector for calendarID using an authorized
// HTTP client. Extra client options (such as option.WithEndpoint in tests)
// are passed to the Calendar service.
func NewGoogleConnector(ctx context.Context, httpClient *http.Client, calendarID string, opts Options, clientOpts ...option.ClientOption) (*GoogleConnector, error) {
	opts = opts.withDefaults()

	clientOpts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, clientOpts...)
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	c := &GoogleConnector{
		service:    service,
		calendarID: calendarID,
		opts:       opts,
	}

	// Use the calendar's own zone for all-day dates unless one was configured
	if c.opts.Location == nil {
		cal, err := service.Calendars.Get(calendarID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get calendar %s: %w", calendarID, err)
		}
		c.opts.Location = time.UTC
		if cal.TimeZone != "" {
			if loc, err := time.LoadLocation(cal.TimeZone); err == nil {
				c.opts.Location = loc
			} else {
				c.opts.Logger.Warn("Unknown calendar time zone, using UTC", "time_zone", cal.TimeZone)
			}
		}
	}

	return c, nil
}

// FetchEvents lists all event instances in the window, cancelled ones included.
func (c *GoogleConnector) FetchEvents(ctx context.Context, start, end time.Time) ([]*event.Event, error) {
	call := c.service.Events.List(c.calendarID).
		SingleEvents(true).
		ShowDeleted(true).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		MaxResults(2500)

	var events []*event.Event
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			e, err := fromGoogleEvent(item, c.opts.Location)
			if err != nil {
				return err
			}
			if e == nil {
				c.opts.Logger.Debug("Skipping cancelled event without times", "id", item.Id)
				continue
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return events, nil
}

// ApplyDirtyEvents writes every dirty event to the calendar.
func (c *GoogleConnector) ApplyDirtyEvents(ctx context.Context, events []*event.Event) error {
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

func (c *GoogleConnector) apply(ctx context.Context, e *event.Event) error {
	switch {
	case e.Sync.CreateOnSync:
		// Import keeps the iCalUID, which is what matches events across calendars.
		created, err := c.service.Events.Import(c.calendarID, toGoogleEvent(e, c.opts.Location)).Context(ctx).Do()
		if err != nil {
			return err
		}
		e.NativeID = created.Id
		return nil

	case e.Sync.DeleteOnSync:
		if e.NativeID == "" {
			return nil
		}
		err := c.service.Events.Delete(c.calendarID, e.NativeID).SendUpdates("none").Context(ctx).Do()
		if isGone(err) {
			return nil
		}
		return err

	case e.Sync.UnDeleteOnSync, e.Sync.Updated:
		if e.NativeID == "" {
			return fmt.Errorf("%w: event %s has no native id", event.ErrMalformed, e.Key())
		}
		ge := toGoogleEvent(e, c.opts.Location)
		ge.Status = "confirmed"
		_, err := c.service.Events.Update(c.calendarID, e.NativeID, ge).SendUpdates("none").Context(ctx).Do()
		return err
	}
	return nil
}

// isGone reports whether err means the event no longer exists.
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusGone || apiErr.Code == http.StatusNotFound
	}
	return false
}
