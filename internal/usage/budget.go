package usage

import (
	"context"
	"fmt"
	"time"
)

// LimitError reports a request refused because the daily spend cap is
// reached. Transports map it to a retryable budget error.
type LimitError struct {
	SpentUSD float64
	LimitUSD float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily budget exhausted: spent $%.4f of $%.2f", e.SpentUSD, e.LimitUSD)
}

// Budget gates provider calls on a daily USD spend cap computed from
// recorded usage. The day boundary is midnight UTC.
type Budget struct {
	store *Store
	limit float64
}

// NewBudget wraps a store with a daily spend cap. A limit at or below
// zero disables enforcement.
func NewBudget(store *Store, dailyLimitUSD float64) *Budget {
	return &Budget{store: store, limit: dailyLimitUSD}
}

// Check returns a *LimitError when today's recorded spend has reached
// the cap. With enforcement disabled it always passes.
func (b *Budget) Check(ctx context.Context) error {
	if b == nil || b.limit <= 0 {
		return nil
	}
	spent, err := b.SpentToday(ctx)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if spent >= b.limit {
		return &LimitError{SpentUSD: spent, LimitUSD: b.limit}
	}
	return nil
}

// SpentToday returns the recorded spend for the current UTC day.
func (b *Budget) SpentToday(ctx context.Context) (float64, error) {
	start, end := dayWindow(time.Now())
	sum, err := b.store.Summary(ctx, start, end)
	if err != nil {
		return 0, err
	}
	return sum.TotalCostUSD, nil
}

// LimitUSD returns the configured daily cap, zero when disabled.
func (b *Budget) LimitUSD() float64 {
	if b == nil {
		return 0
	}
	return b.limit
}

func dayWindow(now time.Time) (start, end time.Time) {
	y, m, d := now.UTC().Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
