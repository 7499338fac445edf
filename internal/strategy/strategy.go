// Package strategy decides how an approved order is worked: it selects an
// execution strategy and expands the order into a time-ordered child plan.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
	"tradeflow/internal/marketdata"
)

// Quantities are partitioned at this scale; the remainder below it is folded
// into the final child so the plan sums exactly.
const qtyScale = 6

// Snapshot is the market context a planner works from.
type Snapshot struct {
	Price        decimal.Decimal
	Now          time.Time
	SessionClose time.Time
	Profile      []marketdata.Bucket // may be nil; planners fall back
}

// Planner expands an order into broker-bound child orders. Every plan sums
// exactly to the order quantity, in ascending sequence order.
type Planner interface {
	// Kind returns the strategy identifier.
	Kind() domain.StrategyKind

	// Plan produces the child orders for the given order and market snapshot.
	Plan(order *domain.Order, snap Snapshot) ([]domain.ChildOrder, error)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the available planners keyed by strategy kind.
type Registry struct {
	planners map[domain.StrategyKind]Planner
}

// NewRegistry creates a Registry with all built-in planners registered.
func NewRegistry() *Registry {
	r := &Registry{planners: make(map[domain.StrategyKind]Planner)}
	r.Register(&MarketPlanner{})
	r.Register(&LimitPlanner{})
	r.Register(&VWAPPlanner{})
	r.Register(&TWAPPlanner{})
	r.Register(&IcebergPlanner{})
	return r
}

// Register adds a planner, keyed by its Kind().
func (r *Registry) Register(p Planner) {
	r.planners[p.Kind()] = p
}

// Get retrieves a planner by kind. The second return value indicates whether
// the planner was found.
func (r *Registry) Get(kind domain.StrategyKind) (Planner, bool) {
	p, ok := r.planners[kind]
	return p, ok
}

// List returns the sorted kinds of all registered planners.
func (r *Registry) List() []string {
	kinds := make([]string, 0, len(r.planners))
	for k := range r.planners {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// Select picks the strategy for an order. An explicit request wins; limit
// and stop-limit order types take the limit strategy; quantities at or above
// largeOrderQty are sliced with VWAP; everything else goes straight to
// market. TWAP and iceberg are never auto-selected.
func Select(order *domain.Order, largeOrderQty decimal.Decimal) domain.StrategyKind {
	if order.Strategy != "" {
		return order.Strategy
	}
	if order.Type == domain.OrderTypeLimit || order.Type == domain.OrderTypeStopLimit {
		return domain.StrategyLimit
	}
	if !largeOrderQty.IsZero() && order.Qty.GreaterThanOrEqual(largeOrderQty) {
		return domain.StrategyVWAP
	}
	return domain.StrategyMarket
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// newChild builds one child order with a fresh ID.
func newChild(order *domain.Order, seq int, qty decimal.Decimal, scheduledAt time.Time) domain.ChildOrder {
	return domain.ChildOrder{
		ID:          uuid.NewString(),
		ParentID:    order.ID,
		Seq:         seq,
		Qty:         qty,
		LimitPrice:  order.LimitPrice,
		ScheduledAt: scheduledAt,
		Status:      domain.StatusPending,
	}
}

// splitEven partitions qty into n truncated equal parts, folding the
// rounding remainder into the last part so the sum is exact.
func splitEven(qty decimal.Decimal, n int) []decimal.Decimal {
	per := qty.Div(decimal.NewFromInt(int64(n))).Truncate(qtyScale)
	parts := make([]decimal.Decimal, n)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = per
		running = running.Add(per)
	}
	parts[n-1] = qty.Sub(running)
	return parts
}

// validatePlan enforces the invariants every planner must satisfy.
func validatePlan(order *domain.Order, children []domain.ChildOrder) error {
	sum := decimal.Zero
	for i, c := range children {
		if c.Seq != i {
			return fmt.Errorf("child %d has sequence %d", i, c.Seq)
		}
		if !c.Qty.IsPositive() {
			return fmt.Errorf("child %d has non-positive quantity %s", i, c.Qty)
		}
		sum = sum.Add(c.Qty)
	}
	if !sum.Equal(order.Qty) {
		return fmt.Errorf("plan sums to %s, order quantity is %s", sum, order.Qty)
	}
	return nil
}
