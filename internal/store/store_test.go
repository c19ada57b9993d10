package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "aggregator.db"))
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return testNow })
	return s
}

func TestOpenMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregator.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	version, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() returned an error: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}
	s.Close()

	// Reopening applies nothing twice
	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() on an existing database returned an error: %v", err)
	}
	s.Close()
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	defer s.Close()

	if err := s.CreateRecord(context.Background(), &record.Record{Status: record.StatusSchedule, Origin: record.OriginICal}); err != nil {
		t.Fatalf("CreateRecord() returned an error: %v", err)
	}
}

func TestCreateAndLoadRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	activity := record.NewActivity()
	activity.Add("event", record.ActionCreated, "4")
	r := &record.Record{
		Status:     record.StatusSchedule,
		Origin:     record.OriginURL,
		Source:     "https://example.com/events",
		Frequency:  "daily",
		LastRun:    testNow.Add(-time.Hour),
		PostStatus: "draft",
		Activity:   activity,
	}
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord() returned an error: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("Expected record id to be set")
	}

	loaded, err := s.Record(ctx, r.ID)
	if err != nil {
		t.Fatalf("Record() returned an error: %v", err)
	}
	if loaded.Origin != record.OriginURL || loaded.Source != r.Source || loaded.Frequency != "daily" || loaded.PostStatus != "draft" {
		t.Errorf("Loaded record does not match: %+v", loaded)
	}
	if !loaded.LastRun.Equal(r.LastRun) {
		t.Errorf("Expected LastRun %v, got %v", r.LastRun, loaded.LastRun)
	}
	if loaded.Activity.Count("event", record.ActionCreated) != 1 {
		t.Error("Expected activity to be stored")
	}

	if _, err := s.Record(ctx, 999); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing record, got %v", err)
	}
}

func TestUpdateRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &record.Record{Status: record.StatusPending, Origin: record.OriginICal}
	if err := s.CreateRecord(ctx, r); err != nil {
		t.Fatalf("CreateRecord() returned an error: %v", err)
	}

	later := testNow.Add(time.Minute)
	s.SetClock(func() time.Time { return later })
	r.Fail("feed is gone", later)
	if err := s.UpdateRecord(ctx, r); err != nil {
		t.Fatalf("UpdateRecord() returned an error: %v", err)
	}

	loaded, _ := s.Record(ctx, r.ID)
	if loaded.Status != record.StatusFailed || loaded.Message != "feed is gone" {
		t.Errorf("Expected failed record, got %s %q", loaded.Status, loaded.Message)
	}
	if !loaded.UpdatedAt.Equal(later) {
		t.Errorf("Expected UpdatedAt %v, got %v", later, loaded.UpdatedAt)
	}

	missing := &record.Record{ID: 999, Status: record.StatusFailed}
	if err := s.UpdateRecord(ctx, missing); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating a missing record, got %v", err)
	}
}

func TestRecordsByStatusExcludesOrigins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, r := range []*record.Record{
		{Status: record.StatusPending, Origin: record.OriginCSV},
		{Status: record.StatusPending, Origin: record.OriginURL},
		{Status: record.StatusPending, Origin: record.OriginICal},
		{Status: record.StatusSchedule, Origin: record.OriginURL},
	} {
		if err := s.CreateRecord(ctx, r); err != nil {
			t.Fatalf("CreateRecord() returned an error: %v", err)
		}
	}

	pending, err := s.RecordsByStatus(ctx, record.StatusPending, record.OriginCSV)
	if err != nil {
		t.Fatalf("RecordsByStatus() returned an error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 non-csv pending records, got %d", len(pending))
	}
	for _, r := range pending {
		if r.Origin == record.OriginCSV {
			t.Error("Expected csv records to be excluded")
		}
	}
	if pending[0].ID > pending[1].ID {
		t.Error("Expected records ordered by id")
	}

	all, _ := s.RecordsByStatus(ctx, record.StatusPending)
	if len(all) != 3 {
		t.Errorf("Expected 3 pending records, got %d", len(all))
	}
}

func TestCreateChildAndPendingChild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := &record.Record{Status: record.StatusSchedule, Origin: record.OriginURL, Source: "https://example.com", Frequency: "hourly"}
	if err := s.CreateRecord(ctx, parent); err != nil {
		t.Fatalf("CreateRecord() returned an error: %v", err)
	}

	pending, err := s.PendingChild(ctx, parent.ID)
	if err != nil || pending != nil {
		t.Fatalf("Expected no pending child, got %v, %v", pending, err)
	}

	child, err := s.CreateChild(ctx, parent, testNow)
	if err != nil {
		t.Fatalf("CreateChild() returned an error: %v", err)
	}
	if child.ParentID != parent.ID || child.Status != record.StatusPending {
		t.Errorf("Unexpected child: %+v", child)
	}

	pending, err = s.PendingChild(ctx, parent.ID)
	if err != nil {
		t.Fatalf("PendingChild() returned an error: %v", err)
	}
	if pending == nil || pending.ID != child.ID {
		t.Errorf("Expected pending child %d, got %v", child.ID, pending)
	}

	reloaded, _ := s.Record(ctx, parent.ID)
	if !reloaded.LastRun.Equal(testNow) {
		t.Errorf("Expected parent LastRun %v, got %v", testNow, reloaded.LastRun)
	}
	if reloaded.Status != record.StatusSchedule {
		t.Errorf("Expected parent to stay scheduled, got %s", reloaded.Status)
	}

	children, _ := s.ListRecords(ctx, parent.ID)
	if len(children) != 1 {
		t.Errorf("Expected 1 child, got %d", len(children))
	}

	if _, err := s.CreateChild(ctx, &record.Record{Status: record.StatusSchedule}, testNow); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for an unsaved parent, got %v", err)
	}
}

func TestCreateChildRollsBackWhenParentUpdateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Never stored, so stamping its last run fails after the child insert
	parent := &record.Record{ID: 999, Status: record.StatusSchedule, Origin: record.OriginURL, Source: "https://example.com", Frequency: "hourly"}

	if _, err := s.CreateChild(ctx, parent, testNow); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if !parent.LastRun.IsZero() {
		t.Errorf("Expected parent LastRun to be left unset, got %v", parent.LastRun)
	}

	children, err := s.ListRecords(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListRecords() returned an error: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("Expected the child insert to be rolled back, got %d children", len(children))
	}
	pending, err := s.RecordsByStatus(ctx, record.StatusPending)
	if err != nil {
		t.Fatalf("RecordsByStatus() returned an error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending records, got %d", len(pending))
	}
}

func TestUpsertEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := &event.Event{
		UID:        "abc@example.com",
		Origin:     "ical",
		RecordID:   1,
		Title:      "Meetup",
		Start:      testNow,
		End:        testNow.Add(time.Hour),
		Categories: []string{"go", "community"},
	}
	action, err := s.UpsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("UpsertEvent() returned an error: %v", err)
	}
	if action != record.ActionCreated || ev.ID == 0 {
		t.Fatalf("Expected created event, got %s (id %d)", action, ev.ID)
	}
	if ev.PostStatus != "publish" {
		t.Errorf("Expected default post status 'publish', got %q", ev.PostStatus)
	}

	same := *ev
	same.ID = 0
	action, err = s.UpsertEvent(ctx, &same)
	if err != nil {
		t.Fatalf("UpsertEvent() returned an error: %v", err)
	}
	if action != record.ActionSkipped || same.ID != ev.ID {
		t.Errorf("Expected unchanged event to be skipped, got %s (id %d)", action, same.ID)
	}

	changed := *ev
	changed.ID = 0
	changed.Title = "Meetup (moved)"
	action, err = s.UpsertEvent(ctx, &changed)
	if err != nil {
		t.Fatalf("UpsertEvent() returned an error: %v", err)
	}
	if action != record.ActionUpdated || changed.ID != ev.ID {
		t.Errorf("Expected changed event to be updated, got %s (id %d)", action, changed.ID)
	}

	loaded, err := s.EventByUID(ctx, "ical", "abc@example.com")
	if err != nil {
		t.Fatalf("EventByUID() returned an error: %v", err)
	}
	if loaded.Title != "Meetup (moved)" || len(loaded.Categories) != 2 {
		t.Errorf("Unexpected stored event: %+v", loaded)
	}

	// The same UID from another origin is a different event
	other := *ev
	other.ID = 0
	other.Origin = "gcal"
	action, _ = s.UpsertEvent(ctx, &other)
	if action != record.ActionCreated || other.ID == ev.ID {
		t.Errorf("Expected event from another origin to be created, got %s", action)
	}

	// Events without a UID are always inserted
	for i := 0; i < 2; i++ {
		noUID := &event.Event{Origin: "csv", Title: "Untitled", Start: testNow}
		if action, _ := s.UpsertEvent(ctx, noUID); action != record.ActionCreated {
			t.Errorf("Expected event without uid to be created, got %s", action)
		}
	}

	events, err := s.Events(ctx, 1)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events for record 1, got %d", len(events))
	}
}

func TestVenuesAndOrganizers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	venue := &event.Venue{UID: "venueUID1", Name: "Venue Export/Import Business", City: "Springfield"}
	if err := s.SaveVenue(ctx, venue); err != nil {
		t.Fatalf("SaveVenue() returned an error: %v", err)
	}
	byUID, err := s.VenueByUID(ctx, "venueUID1")
	if err != nil || byUID.ID != venue.ID {
		t.Errorf("Expected venue by uid, got %v, %v", byUID, err)
	}
	byName, err := s.VenueByName(ctx, "Venue Export/Import Business")
	if err != nil || byName.ID != venue.ID {
		t.Errorf("Expected venue by name, got %v, %v", byName, err)
	}
	if _, err := s.VenueByUID(ctx, ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected empty uid not to match, got %v", err)
	}

	venue.City = "Shelbyville"
	if err := s.SaveVenue(ctx, venue); err != nil {
		t.Fatalf("SaveVenue() update returned an error: %v", err)
	}
	byUID, _ = s.VenueByUID(ctx, "venueUID1")
	if byUID.City != "Shelbyville" {
		t.Errorf("Expected updated city, got %q", byUID.City)
	}

	organizer := &event.Organizer{UID: "organizerUID1", Name: "Organizer Import 1", Email: "org@example.com"}
	if err := s.SaveOrganizer(ctx, organizer); err != nil {
		t.Fatalf("SaveOrganizer() returned an error: %v", err)
	}
	found, err := s.OrganizerByUID(ctx, "organizerUID1")
	if err != nil || found.Email != "org@example.com" {
		t.Errorf("Expected organizer by uid, got %v, %v", found, err)
	}
	if _, err := s.OrganizerByName(ctx, "Nobody"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown organizer, got %v", err)
	}
}
