package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/limiter"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
	"github.com/apmatthews/the-events-calendar/internal/service"
	"github.com/apmatthews/the-events-calendar/internal/store"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// mockStore is an in-memory Store.
type mockStore struct {
	records       map[int64]*record.Record
	nextID        int64
	ignoreExclude bool
	createErr     error
	created       []*record.Record
	queried       []record.Status
}

func newMockStore(records ...*record.Record) *mockStore {
	m := &mockStore{records: make(map[int64]*record.Record)}
	for _, r := range records {
		m.nextID++
		if r.ID == 0 {
			r.ID = m.nextID
		}
		if r.ID > m.nextID {
			m.nextID = r.ID
		}
		m.records[r.ID] = r
	}
	return m
}

func (m *mockStore) ids() []int64 {
	var ids []int64
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *mockStore) RecordsByStatus(_ context.Context, status record.Status, excludeOrigins ...record.Origin) ([]*record.Record, error) {
	m.queried = append(m.queried, status)
	var out []*record.Record
	for _, id := range m.ids() {
		r := m.records[id]
		if r.Status != status {
			continue
		}
		excluded := false
		if !m.ignoreExclude {
			for _, origin := range excludeOrigins {
				if r.Origin == origin {
					excluded = true
				}
			}
		}
		if !excluded {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) Record(_ context.Context, id int64) (*record.Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	return r, nil
}

func (m *mockStore) PendingChild(_ context.Context, parentID int64) (*record.Record, error) {
	for _, id := range m.ids() {
		r := m.records[id]
		if r.ParentID == parentID && r.Status == record.StatusPending {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockStore) CreateChild(_ context.Context, parent *record.Record, now time.Time) (*record.Record, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	child := parent.NewChild(now)
	m.nextID++
	child.ID = m.nextID
	m.records[child.ID] = child
	m.created = append(m.created, child)
	parent.LastRun = now
	return child, nil
}

func (m *mockStore) UpdateRecord(_ context.Context, r *record.Record) error {
	m.records[r.ID] = r
	return nil
}

// mockFetcher returns canned answers and remembers what it was asked.
type mockFetcher struct {
	queueResponse *service.QueueResponse
	queueErr      error
	events        []event.Event
	fetchErr      error
	queued        []int64
	fetched       []int64
}

func (f *mockFetcher) Queue(_ context.Context, r *record.Record) (*service.QueueResponse, error) {
	f.queued = append(f.queued, r.ID)
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	if f.queueResponse != nil {
		return f.queueResponse, nil
	}
	return &service.QueueResponse{Status: "queued", Message: "Import queued", ImportID: "imp-1"}, nil
}

func (f *mockFetcher) Fetch(_ context.Context, r *record.Record) ([]event.Event, error) {
	f.fetched = append(f.fetched, r.ID)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.events, nil
}

// mockEventStore hands out increasing ids.
type mockEventStore struct {
	nextID int64
	stored []event.Event
	err    error
}

func (m *mockEventStore) UpsertEvent(_ context.Context, ev *event.Event) (record.Action, error) {
	if m.err != nil {
		return "", m.err
	}
	m.nextID++
	ev.ID = m.nextID
	m.stored = append(m.stored, *ev)
	return record.ActionCreated, nil
}

// mockLimiter counts run boundaries.
type mockLimiter struct {
	begins, ends int
}

func (l *mockLimiter) Begin() { l.begins++ }
func (l *mockLimiter) End()   { l.ends++ }

func newTestCron(st Store, fetcher Fetcher, events EventStore, logOut *bytes.Buffer) (*Cron, *mockLimiter) {
	logger := logging.New(logOut, true, true)
	fetchers := Fetchers{
		record.OriginURL:  fetcher,
		record.OriginICal: fetcher,
	}
	lim := &mockLimiter{}
	c := New(st, lim, fetchers, NewProcessor(fetchers, events, st, logger), logger)
	c.SetClock(func() time.Time { return testNow })
	return c, lim
}

func scheduled(id int64, lastRun time.Time) *record.Record {
	return &record.Record{
		ID:        id,
		Status:    record.StatusSchedule,
		Origin:    record.OriginURL,
		Source:    "https://example.com/events",
		Frequency: "daily",
		LastRun:   lastRun,
	}
}

func TestVerifyChildRecordCreation_NotDue(t *testing.T) {
	st := newMockStore(scheduled(1, testNow.Add(-1*time.Hour)))
	fetcher := &mockFetcher{}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	if len(st.created) != 0 {
		t.Errorf("Expected no child for a record that is not due, got %d", len(st.created))
	}
	if len(fetcher.queued) != 0 {
		t.Errorf("Expected nothing queued, got %v", fetcher.queued)
	}
	if !strings.Contains(logs.String(), "Record (1) skipped, not scheduled time") {
		t.Errorf("Expected not-due log line, got:\n%s", logs.String())
	}
}

func TestVerifyChildRecordCreation_UnknownFrequency(t *testing.T) {
	r := scheduled(1, time.Time{})
	r.Frequency = "fortnightly"
	st := newMockStore(r)
	c, _ := newTestCron(st, &mockFetcher{}, &mockEventStore{}, &bytes.Buffer{})

	c.VerifyChildRecordCreation(context.Background())

	if len(st.created) != 0 {
		t.Errorf("Expected no child for an unknown frequency, got %d", len(st.created))
	}
}

func TestVerifyChildRecordCreation_PendingChild(t *testing.T) {
	parent := scheduled(1, testNow.Add(-48*time.Hour))
	child := &record.Record{ID: 2, ParentID: 1, Status: record.StatusPending, Origin: record.OriginURL, ImportID: "imp-0"}
	st := newMockStore(parent, child)
	fetcher := &mockFetcher{}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	if len(st.created) != 0 {
		t.Errorf("Expected no second child, got %d", len(st.created))
	}
	if !strings.Contains(logs.String(), "Record (1) skipped, has pending childs") {
		t.Errorf("Expected pending-child log line, got:\n%s", logs.String())
	}
}

func TestVerifyChildRecordCreation_CreatesAndQueues(t *testing.T) {
	st := newMockStore(scheduled(1, time.Time{}), scheduled(2, testNow.Add(-25*time.Hour)))
	fetcher := &mockFetcher{}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	if len(st.created) != 2 {
		t.Fatalf("Expected 2 children, got %d", len(st.created))
	}
	for _, child := range st.created {
		if child.Status != record.StatusPending {
			t.Errorf("Expected child status pending, got %s", child.Status)
		}
		if child.ImportID != "imp-1" {
			t.Errorf("Expected import id to be stored on the child, got %q", child.ImportID)
		}
	}
	if st.records[1].Status != record.StatusSchedule {
		t.Errorf("Expected parent to stay scheduled, got %s", st.records[1].Status)
	}
	if !st.records[1].LastRun.Equal(testNow) {
		t.Errorf("Expected parent last run to be stamped, got %v", st.records[1].LastRun)
	}
	if len(fetcher.queued) != 2 {
		t.Errorf("Expected 2 queue requests, got %d", len(fetcher.queued))
	}

	out := logs.String()
	if !strings.Contains(out, "Record (3), was created as a child") {
		t.Errorf("Expected child creation log line, got:\n%s", out)
	}
	if !strings.Contains(out, "queued — Import queued (imp-1)") {
		t.Errorf("Expected queue log line, got:\n%s", out)
	}
}

func TestVerifyChildRecordCreation_QueueFailure(t *testing.T) {
	st := newMockStore(scheduled(1, time.Time{}), scheduled(2, time.Time{}))
	fetcher := &mockFetcher{queueErr: errors.New(errors.ErrService, "service unavailable")}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	// One failure does not stop the others
	if len(fetcher.queued) != 2 {
		t.Fatalf("Expected both records to be queued, got %v", fetcher.queued)
	}
	for _, child := range st.created {
		if child.Status != record.StatusFailed {
			t.Errorf("Expected child to fail, got %s", child.Status)
		}
		if child.Message != "service unavailable" {
			t.Errorf("Expected failure message to be stored, got %q", child.Message)
		}
	}
	if !strings.Contains(logs.String(), "Could not create Queue on Service") {
		t.Errorf("Expected queue failure log line, got:\n%s", logs.String())
	}
}

func TestVerifyChildRecordCreation_RequestLimitKeepsChildPending(t *testing.T) {
	st := newMockStore(scheduled(1, time.Time{}))
	fetcher := &mockFetcher{queueErr: errors.New(errors.ErrRequestLimit, "request limit reached")}
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &bytes.Buffer{})

	c.VerifyChildRecordCreation(context.Background())

	if len(st.created) != 1 {
		t.Fatalf("Expected 1 child, got %d", len(st.created))
	}
	if st.created[0].Status != record.StatusPending {
		t.Errorf("Expected vetoed child to stay pending, got %s", st.created[0].Status)
	}
}

func TestVerifyChildRecordCreation_CreateErrorContinues(t *testing.T) {
	st := newMockStore(scheduled(1, time.Time{}))
	st.createErr = errors.New(errors.ErrStorage, "disk full")
	var logs bytes.Buffer
	c, _ := newTestCron(st, &mockFetcher{}, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	if !strings.Contains(logs.String(), "disk full") {
		t.Errorf("Expected creation error to be logged, got:\n%s", logs.String())
	}
}

func TestVerifyChildRecordCreation_NoRecords(t *testing.T) {
	var logs bytes.Buffer
	c, _ := newTestCron(newMockStore(), &mockFetcher{}, &mockEventStore{}, &logs)

	c.VerifyChildRecordCreation(context.Background())

	if !strings.Contains(logs.String(), "No Records Scheduled, skipped creating childs") {
		t.Errorf("Expected empty log line, got:\n%s", logs.String())
	}
}

func TestVerifyFetchingFromService_SkipsCSV(t *testing.T) {
	csv := &record.Record{ID: 1, Status: record.StatusPending, Origin: record.OriginCSV, ImportID: "local"}
	remote := &record.Record{ID: 2, ParentID: 9, Status: record.StatusPending, Origin: record.OriginURL, ImportID: "imp-1"}
	st := newMockStore(csv, remote)
	st.ignoreExclude = true // exercise the double check
	fetcher := &mockFetcher{events: []event.Event{{UID: "a", Title: "A", Start: testNow}}}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyFetchingFromService(context.Background())

	if len(fetcher.fetched) != 1 || fetcher.fetched[0] != 2 {
		t.Errorf("Expected only the url record to be fetched, got %v", fetcher.fetched)
	}
	if csv.Status != record.StatusPending {
		t.Errorf("Expected csv record to be untouched, got %s", csv.Status)
	}
	if !strings.Contains(logs.String(), "Record (1) skipped, has CSV origin") {
		t.Errorf("Expected csv skip log line, got:\n%s", logs.String())
	}
}

func TestVerifyFetchingFromService_Activity(t *testing.T) {
	child := &record.Record{ID: 2, ParentID: 1, Status: record.StatusPending, Origin: record.OriginURL, ImportID: "imp-1", PostStatus: "draft"}
	st := newMockStore(child)
	fetcher := &mockFetcher{events: []event.Event{
		{UID: "a", Title: "A", Start: testNow},
		{UID: "b", Title: "B", Start: testNow},
	}}
	events := &mockEventStore{}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, events, &logs)

	c.VerifyFetchingFromService(context.Background())

	if child.Status != record.StatusSuccess {
		t.Fatalf("Expected child success, got %s (%s)", child.Status, child.Message)
	}
	if child.Activity.Count(KindEvent, record.ActionCreated) != 2 {
		t.Errorf("Expected 2 created events, got %d", child.Activity.Count(KindEvent, record.ActionCreated))
	}
	for _, ev := range events.stored {
		if ev.PostStatus != "draft" || ev.Origin != "url" || ev.RecordID != 2 {
			t.Errorf("Expected record settings on stored event, got %+v", ev)
		}
	}

	out := logs.String()
	if !strings.Contains(out, "Record (2) has processed queue") {
		t.Errorf("Expected processed log line, got:\n%s", out)
	}
	if !strings.Contains(out, "\tevent — created: 1, 2") {
		t.Errorf("Expected activity log line, got:\n%s", out)
	}
}

func TestVerifyFetchingFromService_StillQueued(t *testing.T) {
	child := &record.Record{ID: 2, ParentID: 1, Status: record.StatusPending, Origin: record.OriginURL, ImportID: "imp-1"}
	st := newMockStore(child)
	fetcher := &mockFetcher{fetchErr: errors.New(errors.ErrQueuePending, "import imp-1 is fetching")}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyFetchingFromService(context.Background())

	if child.Status != record.StatusPending {
		t.Errorf("Expected queued import to stay pending, got %s", child.Status)
	}
	if !strings.Contains(logs.String(), "Record (2) — import imp-1 is fetching") {
		t.Errorf("Expected pending log line, got:\n%s", logs.String())
	}
}

func TestVerifyFetchingFromService_Failure(t *testing.T) {
	first := &record.Record{ID: 2, ParentID: 1, Status: record.StatusPending, Origin: record.OriginURL, ImportID: "imp-1"}
	second := &record.Record{ID: 3, ParentID: 1, Status: record.StatusPending, Origin: record.OriginMeetup, ImportID: "imp-2"}
	st := newMockStore(first, second)
	fetcher := &mockFetcher{fetchErr: errors.New(errors.ErrImportFailed, "feed is gone")}
	var logs bytes.Buffer
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &logs)

	c.VerifyFetchingFromService(context.Background())

	if first.Status != record.StatusFailed || first.Message != "feed is gone" {
		t.Errorf("Expected first record to fail with message, got %s %q", first.Status, first.Message)
	}
	// meetup has no fetcher configured in this test
	if second.Status != record.StatusFailed {
		t.Errorf("Expected record without fetcher to fail, got %s", second.Status)
	}
	if !strings.Contains(logs.String(), "Record (2) — feed is gone") {
		t.Errorf("Expected failure log line, got:\n%s", logs.String())
	}
}

func TestVerifyFetchingFromService_RequeuesVetoedChild(t *testing.T) {
	child := &record.Record{ID: 2, ParentID: 1, Status: record.StatusPending, Origin: record.OriginURL}
	st := newMockStore(child)
	fetcher := &mockFetcher{}
	c, _ := newTestCron(st, fetcher, &mockEventStore{}, &bytes.Buffer{})

	c.VerifyFetchingFromService(context.Background())

	if len(fetcher.queued) != 1 || len(fetcher.fetched) != 0 {
		t.Errorf("Expected child without import id to be queued, got queued=%v fetched=%v", fetcher.queued, fetcher.fetched)
	}
	if child.ImportID != "imp-1" {
		t.Errorf("Expected import id to be stored, got %q", child.ImportID)
	}
}

func TestRunOrderAndLimiter(t *testing.T) {
	st := newMockStore()
	c, lim := newTestCron(st, &mockFetcher{}, &mockEventStore{}, &bytes.Buffer{})

	var order []string
	c.AddStep(10, "middle", func(context.Context) { order = append(order, "middle") })
	c.AddStep(1, "first", func(context.Context) { order = append(order, "first") })

	c.Run(context.Background())

	if lim.begins != 1 || lim.ends != 1 {
		t.Errorf("Expected one Begin and one End, got %d/%d", lim.begins, lim.ends)
	}

	steps := c.Steps()
	expected := []string{"first", "verify_child_record_creation", "middle", "verify_fetching_from_service"}
	if strings.Join(steps, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected steps %v, got %v", expected, steps)
	}
	if strings.Join(order, ",") != "first,middle" {
		t.Errorf("Expected custom steps to run in priority order, got %v", order)
	}
	if len(st.queried) != 2 || st.queried[0] != record.StatusSchedule || st.queried[1] != record.StatusPending {
		t.Errorf("Expected promotion before fetching, got %v", st.queried)
	}
}

func TestRunSilentWithoutTerminal(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New(&logs, false, true)
	st := newMockStore(scheduled(1, time.Time{}))
	fetchers := Fetchers{record.OriginURL: &mockFetcher{}}
	c := New(st, nil, fetchers, NewProcessor(fetchers, &mockEventStore{}, st, logger), logger)

	c.Run(context.Background())

	if logs.Len() != 0 {
		t.Errorf("Expected no output outside a terminal, got:\n%s", logs.String())
	}
}

// TestScheduledImportLifecycle follows a due record through a full pass on
// a real database: the child is created and queued, fetched, and completes
// while the parent stays scheduled.
func TestScheduledImportLifecycle(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "aggregator.db"))
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	defer db.Close()
	db.SetClock(func() time.Time { return testNow })

	parent := &record.Record{
		Status:     record.StatusSchedule,
		Origin:     record.OriginICal,
		Source:     "https://example.com/feed.ics",
		Frequency:  "hourly",
		PostStatus: "publish",
	}
	if err := db.CreateRecord(ctx, parent); err != nil {
		t.Fatalf("CreateRecord() returned an error: %v", err)
	}

	fetcher := &mockFetcher{events: []event.Event{
		{UID: "one@example.com", Title: "One", Start: testNow.Add(24 * time.Hour)},
		{UID: "two@example.com", Title: "Two", Start: testNow.Add(48 * time.Hour)},
	}}
	c, _ := newTestCron(db, fetcher, db, &bytes.Buffer{})

	c.Run(ctx)

	children, err := db.ListRecords(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListRecords() returned an error: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("Expected 1 child, got %d", len(children))
	}
	child := children[0]
	if child.Status != record.StatusSuccess {
		t.Errorf("Expected child success, got %s (%s)", child.Status, child.Message)
	}
	if child.Activity.Count(KindEvent, record.ActionCreated) != 2 {
		t.Errorf("Expected 2 created events, got %d", child.Activity.Count(KindEvent, record.ActionCreated))
	}

	reloaded, err := db.Record(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Record() returned an error: %v", err)
	}
	if reloaded.Status != record.StatusSchedule {
		t.Errorf("Expected parent to stay scheduled, got %s", reloaded.Status)
	}
	if !reloaded.LastRun.Equal(testNow) {
		t.Errorf("Expected parent last run %v, got %v", testNow, reloaded.LastRun)
	}

	// A second pass in the same hour neither creates a child nor touches
	// the stored events
	c.Run(ctx)
	children, _ = db.ListRecords(ctx, parent.ID)
	if len(children) != 1 {
		t.Errorf("Expected no new child before the record is due again, got %d", len(children))
	}

	events, err := db.Events(ctx, child.ID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 stored events, got %d", len(events))
	}
}

// countingDeferrer records the single runs the limiter asks for.
type countingDeferrer struct {
	calls []time.Time
}

func (d *countingDeferrer) ScheduleSingle(at time.Time) bool {
	d.calls = append(d.calls, at)
	return true
}

// TestRunRequestLimitThroughService runs a pass over more pending service
// imports than the quota allows, with the limiter under the service client.
func TestRunRequestLimitThroughService(t *testing.T) {
	ctx := context.Background()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if r.Method == http.MethodPost {
			fmt.Fprintf(w, `{"status":"queued","message":"Import queued","data":{"import_id":"imp-%d"}}`, n)
			return
		}
		fmt.Fprint(w, `{"status":"fetching","message":"still fetching"}`)
	}))
	defer server.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "aggregator.db"))
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	defer db.Close()
	db.SetClock(func() time.Time { return testNow })

	for i := 0; i < 6; i++ {
		parent := &record.Record{
			Status:     record.StatusSchedule,
			Origin:     record.OriginURL,
			Source:     fmt.Sprintf("https://example.com/events/%d", i),
			Frequency:  "daily",
			PostStatus: "publish",
		}
		if err := db.CreateRecord(ctx, parent); err != nil {
			t.Fatalf("CreateRecord() returned an error: %v", err)
		}
	}

	deferrer := &countingDeferrer{}
	lim := limiter.New(limiter.DefaultLimit, deferrer, server.URL)
	lim.SetClock(func() time.Time { return testNow })
	client := service.NewClient(server.URL, "", lim.Client(server.Client()))

	logger := logging.Discard()
	fetchers := Fetchers{record.OriginURL: NewServiceFetcher(client)}
	c := New(db, lim, fetchers, NewProcessor(fetchers, db, db, logger), logger)
	c.SetClock(func() time.Time { return testNow })

	c.Run(ctx)

	if got := atomic.LoadInt32(&hits); got != limiter.DefaultLimit {
		t.Errorf("Expected %d requests to reach the service, got %d", limiter.DefaultLimit, got)
	}
	if len(deferrer.calls) != 1 {
		t.Errorf("Expected 1 deferred run, got %d", len(deferrer.calls))
	}
	if lim.Running() {
		t.Error("Expected limiter to be inert after the run")
	}

	pending, err := db.RecordsByStatus(ctx, record.StatusPending)
	if err != nil {
		t.Fatalf("RecordsByStatus() returned an error: %v", err)
	}
	if len(pending) != 6 {
		t.Errorf("Expected 6 pending children, got %d", len(pending))
	}
	vetoed := 0
	for _, child := range pending {
		if child.ImportID == "" {
			vetoed++
		}
	}
	if vetoed != 1 {
		t.Errorf("Expected 1 child without an import id, got %d", vetoed)
	}

	failed, err := db.RecordsByStatus(ctx, record.StatusFailed)
	if err != nil {
		t.Fatalf("RecordsByStatus() returned an error: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("Expected no failed records, got %d", len(failed))
	}
}
