package strategy

import (
	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Planner = (*MarketPlanner)(nil)

// MarketPlanner submits the full quantity immediately as one market child.
type MarketPlanner struct{}

// Kind returns "market".
func (p *MarketPlanner) Kind() domain.StrategyKind { return domain.StrategyMarket }

// Plan produces a single immediate child for the whole quantity.
func (p *MarketPlanner) Plan(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error) {
	children := []domain.ChildOrder{newChild(order, 0, order.Qty, snap.Now)}
	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}
