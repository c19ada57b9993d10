package calendar

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/apmatthews/the-events-calendar/internal/event"
)

// GoogleSource reads events from a Google Calendar.
type GoogleSource struct {
	service *gcal.Service
}

// NewGoogleSource creates a GoogleSource using the provided authenticated
// HTTP client.
func NewGoogleSource(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*GoogleSource, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &GoogleSource{service: service}, nil
}

// Events lists the events of calendarID inside window. Recurring events are
// expanded to their instances.
func (s *GoogleSource) Events(ctx context.Context, calendarID string, window Window) ([]event.Event, error) {
	if calendarID == "" {
		calendarID = "primary"
	}

	var events []event.Event
	err := s.service.Events.List(calendarID).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		SingleEvents(true). // Expand recurring events
		OrderBy("startTime").
		Pages(ctx, func(page *gcal.Events) error {
			for _, item := range page.Items {
				if item.Status == "cancelled" {
					continue
				}
				ev, err := googleToEvent(item)
				if err != nil {
					return err
				}
				events = append(events, *ev)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return events, nil
}

// googleToEvent converts a Google Calendar event.
func googleToEvent(item *gcal.Event) (*event.Event, error) {
	ev := &event.Event{
		UID:         item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		URL:         item.HtmlLink,
	}
	if item.ICalUID != "" && item.RecurringEventId == "" {
		ev.UID = item.ICalUID
	}

	if item.Start == nil {
		return nil, fmt.Errorf("event %s has no start", item.Id)
	}

	if item.Start.Date != "" {
		// All-day event
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return nil, fmt.Errorf("event %s: invalid start date: %w", item.Id, err)
		}
		ev.Start = start
		ev.AllDay = true
		if item.End != nil && item.End.Date != "" {
			if end, err := time.Parse("2006-01-02", item.End.Date); err == nil {
				ev.End = end
			}
		}
		return ev, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("event %s: invalid start time: %w", item.Id, err)
	}
	ev.Start = start.UTC()

	if item.End != nil && item.End.DateTime != "" {
		if end, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = end.UTC()
		}
	}

	if item.ConferenceData != nil {
		for _, entryPoint := range item.ConferenceData.EntryPoints {
			if entryPoint.EntryPointType == "video" && entryPoint.Uri != "" {
				ev.Description = strings.TrimSpace(ev.Description + "\n\n" + entryPoint.Uri)
				break
			}
		}
	}

	return ev, nil
}
