package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
	"tradeflow/internal/marketdata"
)

// Compile-time interface check.
var _ Planner = (*VWAPPlanner)(nil)

// Slice count when no volume curve is available and the order falls back to
// an equal split across the remaining session.
const vwapFallbackSlices = 6

// VWAPPlanner partitions the quantity across the remaining session buckets
// in proportion to the symbol's historical intraday volume curve.
type VWAPPlanner struct{}

// Kind returns "vwap".
func (p *VWAPPlanner) Kind() domain.StrategyKind { return domain.StrategyVWAP }

// Plan distributes quantity over the remaining buckets of snap.Profile, or
// falls back to an equal split when no curve is available.
func (p *VWAPPlanner) Plan(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error) {
	remaining := remainingBuckets(snap.Profile, snap.Now)
	if len(remaining) == 0 {
		return p.fallback(order, snap)
	}

	// Renormalize fractions over the remaining buckets.
	var totalFrac float64
	for _, b := range remaining {
		totalFrac += b.Fraction
	}
	if totalFrac <= 0 {
		return p.fallback(order, snap)
	}

	var children []domain.ChildOrder
	running := decimal.Zero
	for i, b := range remaining {
		var qty decimal.Decimal
		if i == len(remaining)-1 {
			// Remainder folds into the final child: exact sum, no rounding loss.
			qty = order.Qty.Sub(running)
		} else {
			weight := decimal.NewFromFloat(b.Fraction / totalFrac)
			qty = order.Qty.Mul(weight).Truncate(qtyScale)
		}
		if !qty.IsPositive() {
			continue
		}
		at := b.Start
		if at.Before(snap.Now) {
			at = snap.Now
		}
		children = append(children, newChild(order, len(children), qty, at))
		running = running.Add(qty)
	}

	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}

// fallback spreads equal slices across the remaining session.
func (p *VWAPPlanner) fallback(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error) {
	n := vwapFallbackSlices
	window := snap.SessionClose.Sub(snap.Now)
	if window <= 0 {
		window = time.Hour
	}
	interval := window / time.Duration(n)

	parts := splitEven(order.Qty, n)
	children := make([]domain.ChildOrder, 0, n)
	for i, qty := range parts {
		children = append(children, newChild(order, i, qty, snap.Now.Add(time.Duration(i)*interval)))
	}
	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}

// remainingBuckets returns the profile buckets that have not fully elapsed,
// keeping the bucket containing now.
func remainingBuckets(profile []marketdata.Bucket, now time.Time) []marketdata.Bucket {
	if len(profile) == 0 {
		return nil
	}
	width := 30 * time.Minute
	if len(profile) > 1 {
		width = profile[1].Start.Sub(profile[0].Start)
	}
	var out []marketdata.Bucket
	for i, b := range profile {
		end := b.Start.Add(width)
		if i+1 < len(profile) {
			end = profile[i+1].Start
		}
		if end.After(now) {
			out = append(out, b)
		}
	}
	return out
}
