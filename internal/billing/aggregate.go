package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultPageSize = 500

var ErrCursorNotAdvancing = errors.New("store returned a cursor that does not advance")

// Aggregator sums billed cost over a time range.
type Aggregator struct {
	store    Store
	pageSize int
	loc      *time.Location
}

func NewAggregator(store Store, pageSize int, loc *time.Location) *Aggregator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: store, pageSize: pageSize, loc: loc}
}

// Aggregate returns the total cost of the meter's records with start <=
// timestamp <= end, following the store's cursor until the range is
// exhausted. Records without a cost count as zero. Any store error aborts the
// whole aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, meterID int64, start, end string) (float64, error) {
	r, err := ParseRange(start, end, a.loc)
	if err != nil {
		return 0, err
	}

	var (
		total  float64
		cursor Cursor
	)
	for {
		page, err := a.store.Query(ctx, meterID, r, a.pageSize, cursor)
		if err != nil {
			return 0, fmt.Errorf("failed to query billed records: %w", err)
		}
		for _, rec := range page.Records {
			total += rec.CostOrZero()
		}
		if page.Next == "" {
			return total, nil
		}
		if page.Next == cursor {
			return 0, ErrCursorNotAdvancing
		}
		cursor = page.Next
	}
}
