package strategy

import (
	"fmt"
	"time"

	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Planner = (*TWAPPlanner)(nil)

// TWAPPlanner partitions the quantity into equal slices evenly spaced across
// the caller-supplied duration. Slice count defaults to one per minute.
type TWAPPlanner struct {
	// Slices overrides the one-child-per-minute default when positive.
	Slices int
}

// Kind returns "twap".
func (p *TWAPPlanner) Kind() domain.StrategyKind { return domain.StrategyTWAP }

// Plan produces the evenly spaced slice schedule starting at snap.Now.
func (p *TWAPPlanner) Plan(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error) {
	if order.Duration <= 0 {
		return nil, fmt.Errorf("twap strategy requires a positive duration")
	}

	n := p.Slices
	if n <= 0 {
		n = int(order.Duration / time.Minute)
	}
	if n < 1 {
		n = 1
	}

	interval := order.Duration / time.Duration(n)
	parts := splitEven(order.Qty, n)

	children := make([]domain.ChildOrder, 0, n)
	for i, qty := range parts {
		at := snap.Now.Add(time.Duration(i) * interval)
		children = append(children, newChild(order, i, qty, at))
	}
	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}
