// Package record holds the import record model: a configured recurring
// import source and the child records that represent its executions.
package record

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusSchedule Status = "schedule"
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDraft    Status = "draft"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSchedule, StatusPending, StatusSuccess, StatusFailed, StatusDraft:
		return true
	}
	return false
}

// Origin is the source type of a record.
type Origin string

const (
	OriginCSV        Origin = "csv"
	OriginICal       Origin = "ical"
	OriginGoogle     Origin = "gcal"
	OriginCalDAV     Origin = "caldav"
	OriginURL        Origin = "url"
	OriginMeetup     Origin = "meetup"
	OriginEventbrite Origin = "eventbrite"
)

// Origins lists every origin a record can be created with.
var Origins = []Origin{OriginCSV, OriginICal, OriginGoogle, OriginCalDAV, OriginURL, OriginMeetup, OriginEventbrite}

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	for _, known := range Origins {
		if o == known {
			return true
		}
	}
	return false
}

// IsRemote reports whether imports of this origin are fetched by the
// aggregator service rather than directly.
func (o Origin) IsRemote() bool {
	switch o {
	case OriginURL, OriginMeetup, OriginEventbrite:
		return true
	}
	return false
}

// Record is one configured import source, or one execution of it when
// ParentID is set.
type Record struct {
	ID         int64
	ParentID   int64
	Status     Status
	Origin     Origin
	Source     string
	Frequency  string
	LastRun    time.Time
	ImportID   string
	Message    string
	PostStatus string
	Activity   *Activity
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsChild reports whether r is an execution of another record.
func (r *Record) IsChild() bool {
	return r.ParentID != 0
}

// String returns a short description used in log lines.
func (r *Record) String() string {
	return fmt.Sprintf("Record (%d)", r.ID)
}

// IsScheduleTime reports whether a scheduled record is due at now. A record
// that never ran is due immediately; a record with an unknown frequency is
// never due.
func (r *Record) IsScheduleTime(now time.Time) bool {
	if r.Status != StatusSchedule {
		return false
	}

	freq, ok := FindFrequency(r.Frequency)
	if !ok {
		return false
	}

	if r.LastRun.IsZero() {
		return true
	}

	return !r.LastRun.Add(freq.Interval).After(now)
}

// NewChild builds the pending execution record for r. The child is not
// persisted.
func (r *Record) NewChild(now time.Time) *Record {
	return &Record{
		ParentID:   r.ID,
		Status:     StatusPending,
		Origin:     r.Origin,
		Source:     r.Source,
		Frequency:  r.Frequency,
		PostStatus: r.PostStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Complete marks r as finished with the given activity.
func (r *Record) Complete(activity *Activity, now time.Time) {
	r.Status = StatusSuccess
	r.Activity = activity
	r.Message = ""
	r.UpdatedAt = now
}

// Fail marks r as failed with the given message.
func (r *Record) Fail(message string, now time.Time) {
	r.Status = StatusFailed
	r.Message = message
	r.UpdatedAt = now
}
