package record

import (
	"strings"
	"time"
)

// Frequency is an interval at which a scheduled import can happen.
type Frequency struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	Text     string        `json:"text"`
}

var frequencies = []Frequency{
	{ID: "every30mins", Interval: 30 * time.Minute, Text: "Every 30 minutes"},
	{ID: "hourly", Interval: time.Hour, Text: "Hourly"},
	{ID: "daily", Interval: 24 * time.Hour, Text: "Daily"},
	{ID: "weekly", Interval: 7 * 24 * time.Hour, Text: "Weekly"},
	{ID: "monthly", Interval: 30 * 24 * time.Hour, Text: "Monthly"},
}

// Frequencies returns every frequency a scheduled record can use.
func Frequencies() []Frequency {
	out := make([]Frequency, len(frequencies))
	copy(out, frequencies)
	return out
}

// FindFrequency returns the frequency with the given id.
func FindFrequency(id string) (Frequency, bool) {
	for _, f := range frequencies {
		if f.ID == id {
			return f, true
		}
	}
	return Frequency{}, false
}

// FrequencySearch selects frequencies by any of its set fields. A frequency
// matches when at least one set field is equal.
type FrequencySearch struct {
	ID       string
	Interval time.Duration
	Text     string
}

// SearchFrequencies returns the frequencies matching search. An empty search
// returns all of them.
func SearchFrequencies(search FrequencySearch) []Frequency {
	if search == (FrequencySearch{}) {
		return Frequencies()
	}

	var found []Frequency
	for _, f := range frequencies {
		switch {
		case search.ID != "" && search.ID == f.ID:
		case search.Interval != 0 && search.Interval == f.Interval:
		case search.Text != "" && strings.EqualFold(search.Text, f.Text):
		default:
			continue
		}
		found = append(found, f)
	}
	return found
}
