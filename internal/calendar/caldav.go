package calendar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/apmatthews/the-events-calendar/internal/event"
)

// CalDAVSource reads events from a CalDAV calendar (iCloud, Nextcloud, ...)
// using basic auth.
type CalDAVSource struct {
	httpClient *http.Client
	username   string
	password   string
	serverURL  string
}

// NewCalDAVSource creates a CalDAVSource for the server at serverURL.
// For iCloud the password should be an app-specific password.
func NewCalDAVSource(httpClient *http.Client, serverURL, username, password string) *CalDAVSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CalDAVSource{
		httpClient: httpClient,
		username:   username,
		password:   password,
		serverURL:  strings.TrimSuffix(serverURL, "/"),
	}
}

// makeRequest makes an authenticated request to the CalDAV server.
func (c *CalDAVSource) makeRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	req.Header.Set("Depth", "1")

	return c.httpClient.Do(req)
}

// Events runs a calendar-query REPORT on the calendar at calendarPath and
// returns the events inside window.
func (c *CalDAVSource) Events(ctx context.Context, calendarPath string, window Window) ([]event.Event, error) {
	queryBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, window.Start.UTC().Format("20060102T150405Z"), window.End.UTC().Format("20060102T150405Z"))

	resp, err := c.makeRequest(ctx, "REPORT", calendarPath, strings.NewReader(queryBody))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("failed to query calendar: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	calendars, err := parseCalDAVResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	var events []event.Event
	for _, data := range calendars {
		cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
		if err != nil {
			// One unreadable resource must not hide the rest of the calendar
			continue
		}
		converted, err := calendarEvents(cal, window)
		if err != nil {
			return nil, err
		}
		events = append(events, converted...)
	}

	return events, nil
}

// parseCalDAVResponse extracts the calendar-data of every response in a
// multistatus body.
func parseCalDAVResponse(body []byte) ([]string, error) {
	type calendarData struct {
		Data string `xml:",chardata"`
	}

	type prop struct {
		CalendarData calendarData `xml:"calendar-data"`
	}

	type response struct {
		Href string `xml:"href"`
		Prop prop   `xml:"propstat>prop"`
	}

	type multistatus struct {
		XMLName   xml.Name   `xml:"multistatus"`
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	var calendars []string
	for _, resp := range ms.Responses {
		if strings.TrimSpace(resp.Prop.CalendarData.Data) != "" {
			calendars = append(calendars, resp.Prop.CalendarData.Data)
		}
	}

	return calendars, nil
}
