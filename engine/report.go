/*
report.go - Read-only billing summaries

Backed by the (location key, month, year) index. Summaries are computed
fresh from the store on every call; nothing here caches.
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// MonthlySummary aggregates a location's entries for one reporting month.
type MonthlySummary struct {
	SubprojectKey string
	Month         int
	Year          int
	EntryCount    int
	TotalCount    int // sum of unit multipliers
	TotalAmount   decimal.Decimal
	LateCount     int
}

// SummarizeMonth totals the non-deleted entries for a business key in a
// month/year.
func (s *Service) SummarizeMonth(ctx context.Context, key string, month, year int) (*MonthlySummary, error) {
	recs, err := s.Store.ListByLocationMonth(ctx, key, month, year)
	if err != nil {
		return nil, err
	}
	sum := &MonthlySummary{
		SubprojectKey: key,
		Month:         month,
		Year:          year,
		TotalAmount:   decimal.Zero,
	}
	for _, r := range recs {
		sum.EntryCount++
		sum.TotalCount += r.Count
		sum.TotalAmount = sum.TotalAmount.Add(r.BillingAmount)
		if r.IsLateLog {
			sum.LateCount++
		}
	}
	return sum, nil
}
