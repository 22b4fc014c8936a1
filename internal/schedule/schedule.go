// Package schedule computes the wait between polling cycles from time-of-day
// and day-of-week bands.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Band names a polling window.
type Band string

const (
	// BandActive is the narrow high-frequency window.
	BandActive Band = "active"
	// BandIdle is the overnight low-frequency window.
	BandIdle Band = "idle"
	// BandNormal applies outside the other bands.
	BandNormal Band = "normal"
)

// Window is an hour range [Start, End) in local time. When Start > End the
// window wraps past midnight.
type Window struct {
	Start int
	End   int
}

// Contains reports whether hour falls in the window.
func (w Window) Contains(hour int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// Config configures the scheduler.
type Config struct {
	Location *time.Location

	ActiveDays  []time.Weekday
	ActiveHours Window
	IdleHours   Window
	Active      time.Duration
	Normal      time.Duration
	Idle        time.Duration

	// Jitter is the multiplicative spread applied to the base interval:
	// 0.1 yields a result within ±10% of the base.
	Jitter float64
	// MaxInterval caps the result so shutdown and band changes are noticed
	// within a bounded time. Zero disables the cap.
	MaxInterval time.Duration
}

// DefaultConfig returns the default bands: active Monday and Wednesday
// 10:00-13:00 every 5s, idle 23:00-07:00 every 30m, otherwise every 5m.
func DefaultConfig(loc *time.Location) Config {
	return Config{
		Location:    loc,
		ActiveDays:  []time.Weekday{time.Monday, time.Wednesday},
		ActiveHours: Window{Start: 10, End: 13},
		IdleHours:   Window{Start: 23, End: 7},
		Active:      5 * time.Second,
		Normal:      5 * time.Minute,
		Idle:        30 * time.Minute,
		Jitter:      0.1,
		MaxInterval: time.Hour,
	}
}

// Scheduler computes intervals. It keeps no state between calls.
type Scheduler struct {
	cfg   Config
	float func() float64
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{cfg: cfg, float: rand.Float64}
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func (s *Scheduler) WithRand(f func() float64) *Scheduler {
	s.float = f
	return s
}

// Location returns the zone bands are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.cfg.Location
}

// BandAt returns the band in effect at now. Active takes precedence over idle.
func (s *Scheduler) BandAt(now time.Time) Band {
	local := now.In(s.cfg.Location)
	hour := local.Hour()

	if s.isActiveDay(local.Weekday()) && s.cfg.ActiveHours.Contains(hour) {
		return BandActive
	}
	if s.cfg.IdleHours.Contains(hour) {
		return BandIdle
	}
	return BandNormal
}

// Base returns the un-jittered interval for now.
func (s *Scheduler) Base(now time.Time) time.Duration {
	switch s.BandAt(now) {
	case BandActive:
		return s.cfg.Active
	case BandIdle:
		return s.cfg.Idle
	default:
		return s.cfg.Normal
	}
}

// Next returns the wait before the next cycle starting at now.
func (s *Scheduler) Next(now time.Time) time.Duration {
	base := s.Base(now)
	factor := 1 + s.cfg.Jitter*(2*s.float()-1)
	d := time.Duration(float64(base) * factor)

	if s.cfg.MaxInterval > 0 && d > s.cfg.MaxInterval {
		d = s.cfg.MaxInterval
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) isActiveDay(d time.Weekday) bool {
	for _, ad := range s.cfg.ActiveDays {
		if ad == d {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses names such as "mon", "Wednesday" or "wed".
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return days, nil
}
