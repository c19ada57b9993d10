package aggregator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/event"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

// KindEvent is the activity kind of imported events.
const KindEvent = "event"

// EventStore persists imported events.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev *event.Event) (record.Action, error)
}

// RecordUpdater persists record state changes.
type RecordUpdater interface {
	UpdateRecord(ctx context.Context, r *record.Record) error
}

// Processor turns the events fetched for a child record into stored events
// and records the outcome on the child.
type Processor struct {
	fetchers Fetchers
	events   EventStore
	records  RecordUpdater
	logger   *logging.Logger
	now      func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(fetchers Fetchers, events EventStore, records RecordUpdater, logger *logging.Logger) *Processor {
	return &Processor{
		fetchers: fetchers,
		events:   events,
		records:  records,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessPosts fetches the import of r and stores its events. On success r
// becomes success with the resulting activity; on failure it becomes failed
// with the error message. An import still queued on the service leaves r
// pending and returns the ErrQueuePending error.
func (p *Processor) ProcessPosts(ctx context.Context, r *record.Record) (*record.Activity, error) {
	fetcher, err := p.fetchers.FetcherFor(r.Origin)
	if err != nil {
		return nil, p.fail(ctx, r, err)
	}

	events, err := fetcher.Fetch(ctx, r)
	if err != nil {
		// Try again on the next run
		if errors.Is(err, errors.ErrQueuePending) || errors.Is(err, errors.ErrRequestLimit) {
			return nil, err
		}
		return nil, p.fail(ctx, r, err)
	}

	activity, err := p.store(ctx, r, events)
	if err != nil {
		return nil, p.fail(ctx, r, err)
	}

	r.Complete(activity, p.now())
	if err := p.records.UpdateRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to update record %d: %w", r.ID, err)
	}

	return activity, nil
}

// store upserts events for r. A failing event is logged and skipped; the
// import fails only when no event could be stored.
func (p *Processor) store(ctx context.Context, r *record.Record, events []event.Event) (*record.Activity, error) {
	activity := record.NewActivity()

	var lastErr error
	failed := 0
	for i := range events {
		ev := events[i]
		ev.Origin = string(r.Origin)
		ev.RecordID = r.ID
		ev.PostStatus = r.PostStatus

		action, err := p.events.UpsertEvent(ctx, &ev)
		if err != nil {
			p.logger.Warning("Record (%d) failed to store event %q: %v", r.ID, ev.Title, err)
			lastErr = err
			failed++
			continue
		}
		activity.Add(KindEvent, action, strconv.FormatInt(ev.ID, 10))
	}

	if failed > 0 && failed == len(events) {
		return nil, errors.Wrap(errors.ErrImportFailed, fmt.Sprintf("none of the %d events could be stored", failed), lastErr)
	}

	return activity, nil
}

func (p *Processor) fail(ctx context.Context, r *record.Record, cause error) error {
	r.Fail(errors.Message(cause), p.now())
	if err := p.records.UpdateRecord(ctx, r); err != nil {
		return fmt.Errorf("failed to update record %d: %w", r.ID, err)
	}
	return cause
}
