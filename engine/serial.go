/*
serial.go - Per-resource, per-day serial numbering

PURPOSE:
  Assigns sr_no: a monotonically increasing sequence starting at 1 within
  (resource, business day), counting only non-deleted entries.

RACE SAFETY:
  Next() is max+1 and is only a HINT. If two creations race and compute the
  same serial, the store's uniqueness constraint rejects the second insert
  with ErrConcurrencyConflict; the lifecycle service retries (bounded) with
  a freshly computed serial. Serials are never silently duplicated.
*/
package engine

import (
	"context"
	"time"
)

// SerialAllocator computes the next serial for a resource/day.
type SerialAllocator struct {
	Store    RecordStore
	Temporal *TemporalPolicy
}

// Next returns max(sr_no)+1 among non-deleted entries for the resource on
// the business day containing date, or 1 when none exist.
func (sa *SerialAllocator) Next(ctx context.Context, resource ResourceID, date time.Time) (int, error) {
	start, end := sa.Temporal.DayWindow(date)
	max, err := sa.Store.MaxSerial(ctx, resource, start, end)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}
