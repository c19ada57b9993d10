// Package aggregator runs the scheduled import pass: due records get a new
// child import, and pending imports are fetched and stored.
package aggregator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/errors"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
)

// Step priorities of the built-in steps. Lower runs first.
const (
	PriorityChildRecordCreation = 5
	PriorityFetchingFromService = 15
)

// Store is the record store a run works on.
type Store interface {
	RecordsByStatus(ctx context.Context, status record.Status, excludeOrigins ...record.Origin) ([]*record.Record, error)
	Record(ctx context.Context, id int64) (*record.Record, error)
	PendingChild(ctx context.Context, parentID int64) (*record.Record, error)
	CreateChild(ctx context.Context, parent *record.Record, now time.Time) (*record.Record, error)
	UpdateRecord(ctx context.Context, r *record.Record) error
}

// RunLimiter is told when a scheduled run starts and ends.
type RunLimiter interface {
	Begin()
	End()
}

// StepFunc is one step of a run.
type StepFunc func(ctx context.Context)

type step struct {
	priority int
	name     string
	fn       StepFunc
	order    int
}

// Cron is the scheduled import pass.
type Cron struct {
	store     Store
	limiter   RunLimiter
	fetchers  Fetchers
	processor *Processor
	logger    *logging.Logger
	now       func() time.Time

	mu    sync.Mutex
	steps []step
}

// New creates a Cron with the child record creation and fetching steps
// registered.
func New(store Store, limiter RunLimiter, fetchers Fetchers, processor *Processor, logger *logging.Logger) *Cron {
	c := &Cron{
		store:     store,
		limiter:   limiter,
		fetchers:  fetchers,
		processor: processor,
		logger:    logger.WithGroup("aggregator"),
		now:       time.Now,
	}
	c.AddStep(PriorityChildRecordCreation, "verify_child_record_creation", c.VerifyChildRecordCreation)
	c.AddStep(PriorityFetchingFromService, "verify_fetching_from_service", c.VerifyFetchingFromService)
	return c
}

// SetClock replaces the clock used for due checks and timestamps.
func (c *Cron) SetClock(now func() time.Time) {
	c.now = now
	if c.processor != nil {
		c.processor.now = now
	}
}

// AddStep registers fn to run on every pass. Steps run by ascending
// priority, in registration order for equal priorities.
func (c *Cron) AddStep(priority int, name string, fn StepFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{priority: priority, name: name, fn: fn, order: len(c.steps)})
}

// Steps returns the registered step names in run order.
func (c *Cron) Steps() []string {
	steps := c.orderedSteps()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

func (c *Cron) orderedSteps() []step {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].priority != steps[j].priority {
			return steps[i].priority < steps[j].priority
		}
		return steps[i].order < steps[j].order
	})
	return steps
}

// Run executes one pass. Outbound requests are counted by the limiter for
// the duration of the pass.
func (c *Cron) Run(ctx context.Context) {
	if c.limiter != nil {
		c.limiter.Begin()
		defer c.limiter.End()
	}

	for _, s := range c.orderedSteps() {
		if ctx.Err() != nil {
			c.logger.Warning("Run cancelled before %s: %v", s.name, ctx.Err())
			return
		}
		s.fn(ctx)
	}
}

// VerifyChildRecordCreation creates a child import for every scheduled
// record that is due and has no pending child, and queues it.
func (c *Cron) VerifyChildRecordCreation(ctx context.Context) {
	records, err := c.store.RecordsByStatus(ctx, record.StatusSchedule)
	if err != nil {
		c.logger.Error("Could not load scheduled records: %v", err)
		return
	}

	if len(records) == 0 {
		c.logger.Debug("No Records Scheduled, skipped creating childs")
		return
	}

	for _, r := range records {
		now := c.now()

		if !r.IsScheduleTime(now) {
			c.logger.Debug("Record (%d) skipped, not scheduled time", r.ID)
			continue
		}

		pending, err := c.store.PendingChild(ctx, r.ID)
		if err != nil {
			c.logger.Debug("Record (%d) — %s", r.ID, errors.Message(err))
			continue
		}
		if pending != nil {
			c.logger.Debug("Record (%d) skipped, has pending childs", r.ID)
			continue
		}

		child, err := c.store.CreateChild(ctx, r, now)
		if err != nil {
			c.logger.Debug("%s", errors.Message(err))
			continue
		}
		c.logger.Debug("Record (%d), was created as a child", child.ID)

		c.queue(ctx, child)
	}
}

// queue asks the origin's fetcher to start the import of child.
func (c *Cron) queue(ctx context.Context, child *record.Record) {
	fetcher, err := c.fetchers.FetcherFor(child.Origin)
	if err != nil {
		c.logger.Debug("Could not create Queue on Service")
		c.failChild(ctx, child, err)
		return
	}

	response, err := fetcher.Queue(ctx, child)
	if err != nil || response == nil || response.Status == "" {
		c.logger.Debug("Could not create Queue on Service")
		if errors.Is(err, errors.ErrRequestLimit) {
			// Queued again on the deferred run
			return
		}
		if err == nil {
			err = errors.New(errors.ErrService, "Could not create Queue on Service")
		}
		c.failChild(ctx, child, err)
		return
	}

	c.logger.Debug("%s — %s (%s)", response.Status, response.Message, response.ImportID)

	child.ImportID = response.ImportID
	child.Message = response.Message
	if err := c.store.UpdateRecord(ctx, child); err != nil {
		c.logger.Error("Record (%d) — %s", child.ID, errors.Message(err))
	}
}

func (c *Cron) failChild(ctx context.Context, child *record.Record, cause error) {
	child.Fail(errors.Message(cause), c.now())
	if err := c.store.UpdateRecord(ctx, child); err != nil {
		c.logger.Error("Record (%d) — %s", child.ID, errors.Message(err))
	}
}

// VerifyFetchingFromService processes every pending record whose origin is
// not csv.
func (c *Cron) VerifyFetchingFromService(ctx context.Context) {
	records, err := c.store.RecordsByStatus(ctx, record.StatusPending, record.OriginCSV)
	if err != nil {
		c.logger.Error("Could not load pending records: %v", err)
		return
	}

	if len(records) == 0 {
		c.logger.Debug("No Records Pending, skipped Fetching from service")
		return
	}

	for _, r := range records {
		if r.Origin == record.OriginCSV {
			c.logger.Debug("Record (%d) skipped, has CSV origin", r.ID)
			continue
		}

		// Queueing was vetoed on an earlier run
		if r.ImportID == "" {
			c.logger.Debug("Record (%d) has no queued import", r.ID)
			c.queue(ctx, r)
			continue
		}

		activity, err := c.processor.ProcessPosts(ctx, r)
		if err != nil {
			c.logger.Debug("Record (%d) — %s", r.ID, errors.Message(err))
			continue
		}

		c.logger.Debug("Record (%d) has processed queue", r.ID)
		for _, kind := range activity.Kinds() {
			for _, action := range activity.Actions() {
				ids := activity.IDs(kind, action)
				if len(ids) == 0 {
					continue
				}
				c.logger.Debug("\t%s — %s: %s", kind, action, strings.Join(ids, ", "))
			}
		}
	}
}
