// Package health holds the monitor's operational snapshot and exposes it to
// the status, readiness and metrics views.
//
// The snapshot is replaced as a whole on every update, so readers always see
// values that were written together.
package health

import (
	"sync/atomic"
	"time"

	"github.com/jmylchreest/slotwatch/internal/circuit"
	"github.com/jmylchreest/slotwatch/internal/proxy"
)

// Snapshot is an immutable view of the monitor's state.
type Snapshot struct {
	AccountID         string         `json:"accountId"`
	Status            circuit.Status `json:"status"`
	ConsecutiveErrors int            `json:"consecutiveErrors"`

	LastCheck   time.Time `json:"lastCheck"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	NextCheck   time.Time `json:"nextCheck"`
	Band        string    `json:"band,omitempty"`

	// Day is the local calendar day the *Today counters belong to.
	Day             string `json:"day"`
	ChecksToday     int    `json:"checksToday"`
	ErrorsToday     int    `json:"errorsToday"`
	SlotsFoundToday int    `json:"slotsFoundToday"`
	BookingsToday   int    `json:"bookingsToday"`

	// Totals since process start; these back the exported counters.
	ChecksTotal     int64 `json:"checksTotal"`
	SlotsFoundTotal int64 `json:"slotsFoundTotal"`
	BookingsTotal   int64 `json:"bookingsTotal"`
	BrowserRestarts int64 `json:"browserRestarts"`

	// CurrentProxy is stored with credentials masked.
	CurrentProxy string    `json:"currentProxy,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// Ready reports whether the monitor should receive traffic: anything but
// unhealthy or stopped.
func (s Snapshot) Ready() bool {
	return s.Status != circuit.StatusUnhealthy && s.Status != circuit.StatusStopped
}

// Uptime is measured at read time.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// CycleOutcome is what the runner reports after each cycle.
type CycleOutcome struct {
	At         time.Time
	Circuit    circuit.State
	Success    bool
	SlotsFound bool
	Booked     bool
	Err        error
	Proxy      string
}

// DayCounts seeds the *Today counters, e.g. from the cycle journal at startup.
type DayCounts struct {
	Checks     int
	Errors     int
	SlotsFound int
	Bookings   int
}

// Reporter owns the current snapshot.
type Reporter struct {
	snap atomic.Pointer[Snapshot]
	loc  *time.Location
	now  func() time.Time
}

// NewReporter creates a reporter for accountID. Daily counters roll over at
// midnight in loc.
func NewReporter(accountID string, loc *time.Location) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	r := &Reporter{loc: loc, now: time.Now}
	now := r.now()
	r.snap.Store(&Snapshot{
		AccountID: accountID,
		Status:    circuit.StatusHealthy,
		Day:       r.dayOf(now),
		StartedAt: now,
	})
	return r
}

// WithClock replaces time.Now. Call before the reporter is shared.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	r.update(func(s *Snapshot) {
		s.StartedAt = now()
		s.Day = r.dayOf(s.StartedAt)
	})
	return r
}

// Snapshot returns a copy of the current snapshot.
func (r *Reporter) Snapshot() Snapshot {
	return *r.snap.Load()
}

// Ready is shorthand for Snapshot().Ready().
func (r *Reporter) Ready() bool {
	return r.snap.Load().Ready()
}

// Now returns the reporter's clock reading.
func (r *Reporter) Now() time.Time {
	return r.now()
}

// RecordCycle folds one cycle outcome into the snapshot.
func (r *Reporter) RecordCycle(o CycleOutcome) {
	if o.At.IsZero() {
		o.At = r.now()
	}
	r.update(func(s *Snapshot) {
		r.rollover(s, o.At)

		s.LastCheck = o.At
		s.Status = o.Circuit.Status
		s.ConsecutiveErrors = o.Circuit.ConsecutiveFailures
		s.ChecksToday++
		s.ChecksTotal++
		if o.Proxy != "" {
			s.CurrentProxy = proxy.Mask(o.Proxy)
		}

		if o.Success {
			s.LastSuccess = o.At
			s.LastError = ""
		} else {
			s.ErrorsToday++
			if o.Err != nil {
				s.LastError = o.Err.Error()
			}
		}
		if o.SlotsFound {
			s.SlotsFoundToday++
			s.SlotsFoundTotal++
		}
		if o.Booked {
			s.BookingsToday++
			s.BookingsTotal++
		}
	})
}

// RecordRestart sets the browser restart counter and the proxy now in use.
func (r *Reporter) RecordRestart(restarts int64, currentProxy string) {
	r.update(func(s *Snapshot) {
		s.BrowserRestarts = restarts
		s.CurrentProxy = proxy.Mask(currentProxy)
	})
}

// SetProxy records the proxy selected for the current browser.
func (r *Reporter) SetProxy(currentProxy string) {
	r.update(func(s *Snapshot) {
		s.CurrentProxy = proxy.Mask(currentProxy)
	})
}

// SetCircuit replaces the circuit fields without counting a check.
func (r *Reporter) SetCircuit(state circuit.State) {
	r.update(func(s *Snapshot) {
		s.Status = state.Status
		s.ConsecutiveErrors = state.ConsecutiveFailures
	})
}

// SetNextCheck records when the next cycle is due and in which band.
func (r *Reporter) SetNextCheck(at time.Time, band string) {
	r.update(func(s *Snapshot) {
		s.NextCheck = at
		s.Band = band
	})
}

// RestoreDay seeds today's counters. Ignored when day is not today.
func (r *Reporter) RestoreDay(day string, c DayCounts) {
	r.update(func(s *Snapshot) {
		r.rollover(s, r.now())
		if s.Day != day {
			return
		}
		s.ChecksToday = c.Checks
		s.ErrorsToday = c.Errors
		s.SlotsFoundToday = c.SlotsFound
		s.BookingsToday = c.Bookings
	})
}

// Day returns the local calendar day for t, formatted YYYY-MM-DD.
func (r *Reporter) Day(t time.Time) string {
	return r.dayOf(t)
}

func (r *Reporter) dayOf(t time.Time) string {
	return t.In(r.loc).Format(time.DateOnly)
}

func (r *Reporter) rollover(s *Snapshot, at time.Time) {
	day := r.dayOf(at)
	if s.Day == day {
		return
	}
	s.Day = day
	s.ChecksToday = 0
	s.ErrorsToday = 0
	s.SlotsFoundToday = 0
	s.BookingsToday = 0
}

// update applies fn to a copy of the current snapshot and swaps it in.
func (r *Reporter) update(fn func(*Snapshot)) {
	for {
		cur := r.snap.Load()
		next := *cur
		fn(&next)
		if r.snap.CompareAndSwap(cur, &next) {
			return
		}
	}
}
