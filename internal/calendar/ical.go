package calendar

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/apmatthews/the-events-calendar/internal/event"
)

// ICalSource reads events from an iCalendar feed URL.
type ICalSource struct {
	httpClient *http.Client
}

// NewICalSource creates an ICalSource using httpClient for downloads.
func NewICalSource(httpClient *http.Client) *ICalSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ICalSource{httpClient: httpClient}
}

// Events downloads the feed at feedURL and returns its events inside window,
// with recurring events expanded to one event per occurrence.
func (s *ICalSource) Events(ctx context.Context, feedURL string, window Window) ([]event.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch feed: HTTP %d", resp.StatusCode)
	}

	return DecodeEvents(resp.Body, window)
}

// DecodeEvents decodes every calendar in r and returns the events inside
// window.
func DecodeEvents(r io.Reader, window Window) ([]event.Event, error) {
	dec := ical.NewDecoder(r)

	var events []event.Event
	for {
		cal, err := dec.Decode()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse iCalendar: %w", err)
		}

		converted, err := calendarEvents(cal, window)
		if err != nil {
			return nil, err
		}
		events = append(events, converted...)
	}

	return events, nil
}

// calendarEvents converts the VEVENTs of cal.
func calendarEvents(cal *ical.Calendar, window Window) ([]event.Event, error) {
	var events []event.Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		ev, err := componentToEvent(comp)
		if err != nil {
			// Skip events we can't read, keep the rest of the feed
			continue
		}

		set, err := comp.RecurrenceSet(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence on event %q: %w", ev.UID, err)
		}
		if set == nil {
			if overlaps(ev, window) {
				events = append(events, *ev)
			}
			continue
		}

		events = append(events, expand(ev, set, window)...)
	}
	return events, nil
}

// expand returns one event per occurrence of set inside window. Occurrence
// UIDs get the occurrence start appended so each can be updated on its own.
func expand(ev *event.Event, set *rrule.Set, window Window) []event.Event {
	duration := time.Duration(0)
	if !ev.End.IsZero() {
		duration = ev.End.Sub(ev.Start)
	}

	var out []event.Event
	for _, start := range set.Between(window.Start.Add(-duration), window.End, true) {
		occurrence := *ev
		occurrence.Start = start
		if duration > 0 {
			occurrence.End = start.Add(duration)
		}
		occurrence.UID = fmt.Sprintf("%s-%s", ev.UID, start.UTC().Format("20060102T150405Z"))
		out = append(out, occurrence)
	}
	return out
}

func overlaps(ev *event.Event, window Window) bool {
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	return !ev.Start.After(window.End) && !end.Before(window.Start)
}

// componentToEvent converts a VEVENT component.
func componentToEvent(vevent *ical.Component) (*event.Event, error) {
	ev := &event.Event{}

	if uid := vevent.Props.Get(ical.PropUID); uid != nil {
		ev.UID = uid.Value
	}
	if summary := vevent.Props.Get(ical.PropSummary); summary != nil {
		ev.Title = textValue(summary)
	}
	if desc := vevent.Props.Get(ical.PropDescription); desc != nil {
		ev.Description = textValue(desc)
	}
	if loc := vevent.Props.Get(ical.PropLocation); loc != nil {
		ev.Location = textValue(loc)
	}
	if u := vevent.Props.Get("URL"); u != nil {
		ev.URL = u.Value
	}
	if categories := vevent.Props.Get("CATEGORIES"); categories != nil {
		for _, category := range strings.Split(categories.Value, ",") {
			if category = strings.TrimSpace(category); category != "" {
				ev.Categories = append(ev.Categories, category)
			}
		}
	}

	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("event %q has no DTSTART", ev.UID)
	}
	start, err := parseICalDateTime(dtstart)
	if err != nil {
		return nil, fmt.Errorf("event %q has an invalid DTSTART: %w", ev.UID, err)
	}
	ev.Start = start
	ev.AllDay = dtstart.Params.Get("VALUE") == "DATE"

	if dtend := vevent.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := parseICalDateTime(dtend)
		if err == nil {
			ev.End = end
		}
	} else if ev.AllDay {
		ev.End = start.AddDate(0, 0, 1)
	}

	if ev.UID == "" {
		ev.UID = fmt.Sprintf("%s@%s", ev.Start.UTC().Format("20060102T150405Z"), strings.ReplaceAll(strings.ToLower(ev.Title), " ", "-"))
	}

	return ev, nil
}

func textValue(prop *ical.Prop) string {
	if text, err := prop.Text(); err == nil {
		return text
	}
	return prop.Value
}

// parseICalDateTime parses an iCalendar date-time property, in UTC unless
// the property carries a TZID.
func parseICalDateTime(prop *ical.Prop) (time.Time, error) {
	return prop.DateTime(time.UTC)
}
