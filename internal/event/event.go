// Package event defines the calendar event imported by every origin.
package event

import (
	"strings"
	"time"
)

// Event is a calendar event produced by an import.
type Event struct {
	ID           int64
	UID          string
	Origin       string
	RecordID     int64
	Title        string
	Description  string
	Location     string
	URL          string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Categories   []string
	VenueID      int64
	OrganizerIDs []int64
	PostStatus   string
}

// Venue is a place events happen at, matched by UID when importing.
type Venue struct {
	ID      int64
	UID     string
	Name    string
	Address string
	City    string
	Country string
}

// Organizer is a person or group running events, matched by UID when importing.
type Organizer struct {
	ID      int64
	UID     string
	Name    string
	Email   string
	Website string
	Phone   string
}

// Equal reports whether two events carry the same imported content. Store
// identifiers are ignored.
func Equal(a, b *Event) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Location != b.Location || a.URL != b.URL {
		return false
	}
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.AllDay != b.AllDay {
		return false
	}
	if a.VenueID != b.VenueID || a.PostStatus != b.PostStatus {
		return false
	}
	if strings.Join(a.Categories, ",") != strings.Join(b.Categories, ",") {
		return false
	}
	if len(a.OrganizerIDs) != len(b.OrganizerIDs) {
		return false
	}
	for i := range a.OrganizerIDs {
		if a.OrganizerIDs[i] != b.OrganizerIDs[i] {
			return false
		}
	}
	return true
}
