/*
time.go - Temporal policy: locks, lateness, day windows

PURPOSE:
  All date reasoning in the engine happens in ONE fixed business time zone,
  never server-local or client-local time. Otherwise an entry could flip
  lock status depending on where a request originated.

PERIOD LOCK:
  A date is locked once "now" (business zone) is strictly after 23:59:59 of
  the last calendar day of the month containing that date. The check is
  dynamic — re-evaluated on every access, never cached — so entries become
  uneditable automatically when the month rolls over, without a batch job.

CLOCK INJECTION:
  "Now" comes from a Clock so tests can simulate month-boundary crossings
  deterministically.

SEE ALSO:
  - serial.go: Uses DayWindow to scope same-day queries
  - service.go: Lock and lateness checks on every mutating operation
*/
package engine

import (
	"time"
)

// DefaultBusinessZone is the organization's operating zone.
const DefaultBusinessZone = "Asia/Kolkata"

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the current instant. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// TEMPORAL POLICY
// =============================================================================

// TemporalPolicy computes lock status, lateness and day windows in the
// business zone.
type TemporalPolicy struct {
	Zone  *time.Location
	Clock Clock
}

// NewTemporalPolicy loads the default business zone. Falls back to a fixed
// offset if the tz database is unavailable on the host.
func NewTemporalPolicy(clock Clock) *TemporalPolicy {
	loc, err := time.LoadLocation(DefaultBusinessZone)
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TemporalPolicy{Zone: loc, Clock: clock}
}

// DateOnly strips time-of-day in the business zone.
func (tp *TemporalPolicy) DateOnly(t time.Time) time.Time {
	bt := t.In(tp.Zone)
	return time.Date(bt.Year(), bt.Month(), bt.Day(), 0, 0, 0, 0, tp.Zone)
}

// MonthEnd returns the last instant (23:59:59.999999999) of the month
// containing date, in the business zone. This is the lock boundary.
func (tp *TemporalPolicy) MonthEnd(date time.Time) time.Time {
	bt := date.In(tp.Zone)
	firstOfNext := time.Date(bt.Year(), bt.Month()+1, 1, 0, 0, 0, 0, tp.Zone)
	return firstOfNext.Add(-time.Nanosecond)
}

// IsPeriodLocked reports whether the month containing date has closed.
// Monotonic in time: once true for a date, it stays true.
func (tp *TemporalPolicy) IsPeriodLocked(date time.Time) bool {
	return tp.Clock.Now().In(tp.Zone).After(tp.MonthEnd(date))
}

// Lateness compares the date-only forms of the allocation date and the
// capture instant. Late iff capture day is strictly after the allocation
// day; DaysLate is the whole-day gap, never negative.
func (tp *TemporalPolicy) Lateness(allocationDate, capturedAt time.Time) (isLate bool, daysLate int) {
	alloc := tp.DateOnly(allocationDate)
	capture := tp.DateOnly(capturedAt)
	if !capture.After(alloc) {
		return false, 0
	}
	days := int(capture.Sub(alloc).Hours() / 24)
	return true, days
}

// DayWindow returns the inclusive day boundary [00:00:00.000, 23:59:59.999…]
// in the business zone, used to scope "same day" queries for serial
// numbering and today's-entries listings.
func (tp *TemporalPolicy) DayWindow(date time.Time) (start, end time.Time) {
	start = tp.DateOnly(date)
	end = start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}
