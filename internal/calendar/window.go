// Package calendar fetches events from calendars the aggregator imports
// directly: iCal feeds, Google Calendar and CalDAV servers.
package calendar

import (
	"context"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/event"
)

// Source returns the events of one calendar inside a window.
type Source interface {
	Events(ctx context.Context, calendarID string, window Window) ([]event.Event, error)
}

// Window is the time range an import covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// NewWindow returns a window starting on Monday 00:00 of now's week, weeksPast
// weeks back, and ending on Sunday 23:59:59 of the last of weeksAhead weeks.
// weeksAhead of 2 covers the current and the next week.
func NewWindow(now time.Time, weeksPast, weeksAhead int) Window {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday = 7
	}
	daysFromMonday := weekday - 1
	startOfCurrentWeek := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfCurrentWeek = startOfCurrentWeek.AddDate(0, 0, -daysFromMonday)

	start := startOfCurrentWeek.AddDate(0, 0, -7*weeksPast)

	end := startOfCurrentWeek.AddDate(0, 0, 7*weeksAhead-1)
	end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, end.Location())

	return Window{Start: start, End: end}
}
