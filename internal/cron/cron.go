// Package cron triggers the aggregator run on a recurring schedule and on
// demand.
package cron

import (
	"context"
	"sync"
	"time"
)

// Job is the work triggered by the cron.
type Job func(ctx context.Context)

// Schedule is a recurring trigger interval.
type Schedule struct {
	ID       string
	Interval time.Duration
	Text     string
}

// DefaultSchedule is the recurring interval the aggregator registers.
var DefaultSchedule = Schedule{ID: "every15mins", Interval: 15 * time.Minute, Text: "Every 15 minutes"}

var schedules = []Schedule{
	DefaultSchedule,
	{ID: "every30mins", Interval: 30 * time.Minute, Text: "Every 30 minutes"},
	{ID: "hourly", Interval: time.Hour, Text: "Hourly"},
	{ID: "daily", Interval: 24 * time.Hour, Text: "Daily"},
	{ID: "weekly", Interval: 7 * 24 * time.Hour, Text: "Weekly"},
	{ID: "monthly", Interval: 30 * 24 * time.Hour, Text: "Monthly"},
}

// Schedules returns the recurring intervals a cron can be registered with.
func Schedules() []Schedule {
	out := make([]Schedule, len(schedules))
	copy(out, schedules)
	return out
}

// FindSchedule returns the schedule with the given id.
func FindSchedule(id string) (Schedule, bool) {
	for _, s := range schedules {
		if s.ID == id {
			return s, true
		}
	}
	return Schedule{}, false
}

// SingleEventWindow is how close two single runs may be; a single run
// requested within this window of one already queued is dropped.
const SingleEventWindow = 10 * time.Minute

// AlignStart floors now to the quarter hour. The first recurring run fires
// at that instant, so a freshly started cron runs right away.
func AlignStart(now time.Time) time.Time {
	quarter := (now.Minute() / 15) * 15
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), quarter, 0, 0, now.Location())
}

// Cron runs a Job on a recurring schedule plus any single runs requested
// through ScheduleSingle. At most one Job runs at a time; triggers arriving
// while a run is in progress are dropped.
type Cron struct {
	schedule Schedule
	job      Job

	mu         sync.Mutex
	singles    []time.Time
	lastSingle time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	runMu sync.Mutex
	wake  chan struct{}
	now   func() time.Time
}

// New creates a Cron running job on schedule.
func New(schedule Schedule, job Job) *Cron {
	if schedule.Interval <= 0 {
		schedule = DefaultSchedule
	}
	return &Cron{
		schedule: schedule,
		job:      job,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (c *Cron) SetClock(now func() time.Time) {
	c.now = now
}

// Schedule returns the recurring schedule.
func (c *Cron) Schedule() Schedule {
	return c.schedule
}

// ScheduleSingle queues a one-off run at the given time. A single run never
// fires within SingleEventWindow of the previous one; an earlier at is moved
// to the end of that window. It returns false when a single run is already
// queued within SingleEventWindow of at.
func (c *Cron) ScheduleSingle(at time.Time) bool {
	c.mu.Lock()
	if !c.lastSingle.IsZero() {
		if earliest := c.lastSingle.Add(SingleEventWindow); at.Before(earliest) {
			at = earliest
		}
	}
	for _, queued := range c.singles {
		diff := queued.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff < SingleEventWindow {
			c.mu.Unlock()
			return false
		}
	}
	c.singles = append(c.singles, at)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// PendingSingles returns the queued single runs.
func (c *Cron) PendingSingles() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.singles))
	copy(out, c.singles)
	return out
}

// RunNow runs the job immediately unless a run is already in progress. It
// reports whether the job ran.
func (c *Cron) RunNow(ctx context.Context) bool {
	if !c.runMu.TryLock() {
		return false
	}
	defer c.runMu.Unlock()

	c.job(ctx)
	return true
}

// Start begins triggering in the background until ctx is done or Stop is
// called. Calling Start on a started Cron does nothing.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop stops triggering and waits for the loop, including any run in
// progress, to return.
func (c *Cron) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cron) loop(ctx context.Context) {
	defer close(c.done)

	next := AlignStart(c.now())

	for {
		wakeAt := next
		if single, ok := c.earliestSingle(); ok && single.Before(wakeAt) {
			wakeAt = single
		}

		wait := wakeAt.Sub(c.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		now := c.now()
		fire := false
		if !now.Before(next) {
			fire = true
			for !next.After(now) {
				next = next.Add(c.schedule.Interval)
			}
		}
		if c.popDueSingles(now) {
			fire = true
		}

		if fire {
			c.RunNow(ctx)
		}
	}
}

func (c *Cron) earliestSingle() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.singles) == 0 {
		return time.Time{}, false
	}
	earliest := c.singles[0]
	for _, at := range c.singles[1:] {
		if at.Before(earliest) {
			earliest = at
		}
	}
	return earliest, true
}

func (c *Cron) popDueSingles(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := false
	kept := c.singles[:0]
	for _, at := range c.singles {
		if at.After(now) {
			kept = append(kept, at)
			continue
		}
		due = true
	}
	c.singles = kept
	if due {
		c.lastSingle = now
	}
	return due
}
