package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apmatthews/the-events-calendar/internal/calendar"
	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/record"
	"github.com/apmatthews/the-events-calendar/internal/service"
)

// Fetcher queues and fetches the imports of one kind of origin.
type Fetcher interface {
	// Queue starts an import for r and returns the queue answer. The
	// import id is stored on r by the caller.
	Queue(ctx context.Context, r *record.Record) (*service.QueueResponse, error)

	// Fetch returns the events of r's import. An import that is still
	// being prepared returns an ErrQueuePending error.
	Fetch(ctx context.Context, r *record.Record) ([]event.Event, error)
}

// Fetchers maps origins to the Fetcher serving them.
type Fetchers map[record.Origin]Fetcher

// FetcherFor returns the Fetcher for origin.
func (f Fetchers) FetcherFor(origin record.Origin) (Fetcher, error) {
	if origin == record.OriginCSV {
		return nil, errors.New(errors.ErrInvalidOrigin, "csv records are imported from a local file").
			WithData("origin", string(origin))
	}
	fetcher, ok := f[origin]
	if !ok || fetcher == nil {
		return nil, errors.Newf(errors.ErrInvalidOrigin, "no fetcher configured for origin %q", origin).
			WithData("origin", string(origin))
	}
	return fetcher, nil
}

// ServiceFetcher fetches url, meetup and eventbrite imports through the
// aggregator service.
type ServiceFetcher struct {
	client *service.Client
}

// NewServiceFetcher creates a ServiceFetcher on client.
func NewServiceFetcher(client *service.Client) *ServiceFetcher {
	return &ServiceFetcher{client: client}
}

func (f *ServiceFetcher) Queue(ctx context.Context, r *record.Record) (*service.QueueResponse, error) {
	return f.client.QueueImport(ctx, string(r.Origin), r.Source)
}

func (f *ServiceFetcher) Fetch(ctx context.Context, r *record.Record) ([]event.Event, error) {
	result, err := f.client.Import(ctx, r.ImportID)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case service.ImportSuccess:
		return result.Events, nil
	case service.ImportFailed:
		message := result.Message
		if message == "" {
			message = "the service could not import " + r.Source
		}
		return nil, errors.New(errors.ErrImportFailed, message).WithData("import_id", r.ImportID)
	default:
		return nil, errors.Newf(errors.ErrQueuePending, "import %s is %s", r.ImportID, result.Status).
			WithData("import_id", r.ImportID)
	}
}

// SourceFetcher reads ical, gcal and caldav records straight from a
// calendar.Source. Queueing only assigns a local import id.
type SourceFetcher struct {
	source     calendar.Source
	weeksPast  int
	weeksAhead int
	now        func() time.Time
}

// NewSourceFetcher creates a SourceFetcher importing the events between
// weeksPast weeks back and weeksAhead weeks ahead of the current week.
func NewSourceFetcher(source calendar.Source, weeksPast, weeksAhead int) *SourceFetcher {
	return &SourceFetcher{
		source:     source,
		weeksPast:  weeksPast,
		weeksAhead: weeksAhead,
		now:        time.Now,
	}
}

// SetClock replaces the clock the import window is computed from.
func (f *SourceFetcher) SetClock(now func() time.Time) {
	f.now = now
}

func (f *SourceFetcher) Queue(_ context.Context, r *record.Record) (*service.QueueResponse, error) {
	if r.Source == "" {
		return nil, errors.New(errors.ErrInvalid, "record has no source").WithData("record", fmt.Sprint(r.ID))
	}
	return &service.QueueResponse{
		Status:   string(service.ImportQueued),
		Message:  fmt.Sprintf("Import of %s queued", r.Source),
		ImportID: uuid.NewString(),
	}, nil
}

func (f *SourceFetcher) Fetch(ctx context.Context, r *record.Record) ([]event.Event, error) {
	window := calendar.NewWindow(f.now(), f.weeksPast, f.weeksAhead)
	events, err := f.source.Events(ctx, r.Source, window)
	if err != nil {
		if errors.Is(err, errors.ErrRequestLimit) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrImportFailed, fmt.Sprintf("failed to read %s", r.Source), err)
	}
	return events, nil
}
