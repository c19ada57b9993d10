// Package service is the client of the remote aggregator service that
// fetches events for url, meetup and eventbrite imports.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
)

// ImportStatus is the state of a queued import on the service.
type ImportStatus string

const (
	ImportQueued   ImportStatus = "queued"
	ImportFetching ImportStatus = "fetching"
	ImportSuccess  ImportStatus = "success"
	ImportFailed   ImportStatus = "failed"
)

// Done reports whether the service has finished with the import.
func (s ImportStatus) Done() bool {
	return s == ImportSuccess || s == ImportFailed
}

// QueueResponse is the service answer to a queue request.
type QueueResponse struct {
	Status   string
	Message  string
	ImportID string
}

// ImportResult is the state and, once done, the events of a queued import.
type ImportResult struct {
	Status  ImportStatus
	Message string
	Events  []event.Event
}

// Client talks to the aggregator service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client for the service at baseURL. Pass the
// rate-limited client so every call counts against the run quota.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// BaseURL returns the service root, which is also the prefix the request
// limiter guards.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// QueueImport asks the service to start fetching source for origin.
func (c *Client) QueueImport(ctx context.Context, origin, source string) (*QueueResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"origin": origin,
		"source": source,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/import", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp := &QueueResponse{
		Status:   gjson.GetBytes(body, "status").String(),
		Message:  gjson.GetBytes(body, "message").String(),
		ImportID: gjson.GetBytes(body, "data.import_id").String(),
	}
	if resp.Status == "error" {
		return nil, errors.New(errors.ErrService, resp.Message)
	}
	if resp.ImportID == "" {
		return nil, errors.New(errors.ErrService, "service did not return an import id")
	}

	return resp, nil
}

// Import returns the state of a queued import, with its events once the
// service finished fetching.
func (c *Client) Import(ctx context.Context, importID string) (*ImportResult, error) {
	if importID == "" {
		return nil, errors.New(errors.ErrInvalid, "missing import id")
	}

	body, err := c.do(ctx, http.MethodGet, "/import/"+url.PathEscape(importID), nil)
	if err != nil {
		return nil, err
	}

	status := gjson.GetBytes(body, "status").String()
	if status == "error" {
		return nil, errors.New(errors.ErrService, gjson.GetBytes(body, "message").String())
	}

	result := &ImportResult{
		Status:  ImportStatus(status),
		Message: gjson.GetBytes(body, "message").String(),
	}

	var parseErr error
	gjson.GetBytes(body, "data.events").ForEach(func(_, value gjson.Result) bool {
		ev, err := parseEvent(value)
		if err != nil {
			parseErr = err
			return false
		}
		result.Events = append(result.Events, *ev)
		return true
	})
	if parseErr != nil {
		return nil, errors.Wrap(errors.ErrService, "invalid event in service response", parseErr)
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, errors.ErrRequestLimit) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrService, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrService, "failed to read service response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := gjson.GetBytes(data, "message").String()
		if message == "" {
			message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, errors.New(errors.ErrService, message).WithData("status", fmt.Sprint(resp.StatusCode))
	}

	if !gjson.ValidBytes(data) {
		return nil, errors.New(errors.ErrService, "service returned invalid JSON")
	}

	return data, nil
}

// parseEvent converts one service event object.
func parseEvent(value gjson.Result) (*event.Event, error) {
	ev := &event.Event{
		UID:         value.Get("uid").String(),
		Title:       value.Get("title").String(),
		Description: value.Get("description").String(),
		Location:    value.Get("location").String(),
		URL:         value.Get("url").String(),
		AllDay:      value.Get("all_day").Bool(),
	}
	for _, category := range value.Get("categories").Array() {
		ev.Categories = append(ev.Categories, category.String())
	}

	if ev.Title == "" {
		return nil, fmt.Errorf("event %q has no title", ev.UID)
	}

	start, err := parseServiceTime(value.Get("start_date").String())
	if err != nil {
		return nil, fmt.Errorf("event %q: invalid start_date: %w", ev.UID, err)
	}
	ev.Start = start

	if raw := value.Get("end_date").String(); raw != "" {
		end, err := parseServiceTime(raw)
		if err != nil {
			return nil, fmt.Errorf("event %q: invalid end_date: %w", ev.UID, err)
		}
		ev.End = end
	}

	return ev, nil
}

func parseServiceTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
