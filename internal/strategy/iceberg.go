package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Planner = (*IcebergPlanner)(nil)

// IcebergPlanner splits the quantity into fixed display-size children, the
// last sized to the remainder. Children carry no schedule: the dispatcher
// submits each one only after its predecessor reaches a terminal broker
// state.
type IcebergPlanner struct{}

// Kind returns "iceberg".
func (p *IcebergPlanner) Kind() domain.StrategyKind { return domain.StrategyIceberg }

// Plan produces the display-size slices, e.g. qty=100 display=30 →
// [30 30 30 10].
func (p *IcebergPlanner) Plan(order *domain.Order, _ Snapshot) ([]domain.ChildOrder, error) {
	display := order.DisplayQty
	if !display.IsPositive() {
		return nil, fmt.Errorf("iceberg strategy requires a positive display quantity")
	}
	if display.GreaterThan(order.Qty) {
		display = order.Qty
	}

	var children []domain.ChildOrder
	remaining := order.Qty
	for remaining.IsPositive() {
		qty := decimal.Min(display, remaining)
		children = append(children, newChild(order, len(children), qty, time.Time{}))
		remaining = remaining.Sub(qty)
	}
	if err := validatePlan(order, children); err != nil {
		return nil, err
	}
	return children, nil
}
