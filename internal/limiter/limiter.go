// Package limiter caps the number of outbound requests a scheduled run may
// make to the aggregator service.
package limiter

import (
	"strings"
	"sync"
	"time"
)

// DefaultLimit is the number of requests a run may make.
const DefaultLimit = 5

// Deferrer schedules a single future run. It reports whether the run was
// accepted.
type Deferrer interface {
	ScheduleSingle(at time.Time) bool
}

// Limiter counts outbound requests during a scheduled run. Outside a run,
// or for URLs it does not guard, it allows everything.
type Limiter struct {
	mu        sync.Mutex
	limit     int
	remaining int
	running   bool
	deferred  bool
	prefixes  []string
	deferrer  Deferrer
	now       func() time.Time
}

// New creates a Limiter allowing limit requests per run to URLs starting
// with one of prefixes. With no prefixes every URL is guarded. A limit below
// zero means DefaultLimit.
func New(limit int, deferrer Deferrer, prefixes ...string) *Limiter {
	if limit < 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		limit:     limit,
		remaining: limit,
		prefixes:  prefixes,
		deferrer:  deferrer,
		now:       time.Now,
	}
}

// SetDeferrer sets the scheduler used once the quota is exhausted.
func (l *Limiter) SetDeferrer(d Deferrer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deferrer = d
}

// SetClock replaces the time source used when deferring.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Begin resets the quota and marks the start of a scheduled run.
func (l *Limiter) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = l.limit
	l.running = true
	l.deferred = false
}

// End marks the end of a scheduled run; the limiter goes inert.
func (l *Limiter) End() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
}

// Running reports whether a scheduled run is in progress.
func (l *Limiter) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Remaining returns the requests left in the current run.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Guards reports whether url is subject to the quota.
func (l *Limiter) Guards(url string) bool {
	if len(l.prefixes) == 0 {
		return true
	}
	for _, prefix := range l.prefixes {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// AllowRequest reports whether a request to url may go out. While a run is
// in progress each allowed guarded request uses up one unit of quota; once
// none is left the request is refused and a single re-run is scheduled, at
// most once per run.
func (l *Limiter) AllowRequest(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running || !l.Guards(url) {
		return true
	}

	if l.remaining <= 0 {
		if !l.deferred && l.deferrer != nil {
			l.deferred = l.deferrer.ScheduleSingle(l.now())
		}
		return false
	}

	l.remaining--
	return true
}
