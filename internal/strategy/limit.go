package strategy

import (
	"fmt"

	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Planner = (*LimitPlanner)(nil)

// LimitPlanner works the whole quantity as one resting child at the limit
// price. The dispatcher polls it until terminal or time-in-force expiry;
// IOC cancels any remainder after the first broker response and FOK cancels
// unless the first response is a full fill.
type LimitPlanner struct{}

// Kind returns "limit".
func (p *LimitPlanner) Kind() domain.StrategyKind { return domain.StrategyLimit }

// Plan produces a single child carrying the order's limit price.
func (p *LimitPlanner) Plan(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error) {
	if order.LimitPrice.IsZero() && order.Type != domain.OrderTypeStop {
		return nil, fmt.Errorf("limit strategy requires a limit price")
	}
	children := []domain.ChildOrder{newChild(order, 0, order.Qty, snap.Now)}
	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}
