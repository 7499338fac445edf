// Package store defines the repository interfaces for orders, executions,
// and portfolios, with SQLite and in-memory implementations. Each interface
// method is one transaction boundary.
package store

import (
	"context"

	"tradeflow/internal/domain"
)

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	PortfolioID string
	Symbol      string
	Status      domain.OrderStatus
}

// OrderStore persists orders and their child orders.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves an order by ID, or domain.ErrOrderNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// ListOrders returns orders matching the filter, oldest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)

	// SaveChildren inserts the planned child orders for a parent.
	SaveChildren(ctx context.Context, children []domain.ChildOrder) error

	// UpdateChild persists changes to one child order.
	UpdateChild(ctx context.Context, child *domain.ChildOrder) error

	// ListChildren returns a parent's children in sequence order.
	ListChildren(ctx context.Context, parentID string) ([]domain.ChildOrder, error)
}

// ExecutionStore persists the append-only fill log.
type ExecutionStore interface {
	// SaveExecution appends a fill. Duplicate execution IDs are an error.
	SaveExecution(ctx context.Context, exec *domain.Execution) error

	// HasExecution reports whether a fill with this ID was already applied.
	HasExecution(ctx context.Context, id string) (bool, error)

	// ListExecutions returns an order's fills ordered by execution time.
	ListExecutions(ctx context.Context, orderID string) ([]domain.Execution, error)
}

// PortfolioStore persists portfolios and their positions. Only the
// reconciler writes through it.
type PortfolioStore interface {
	// GetPortfolio loads a portfolio with its positions, or
	// domain.ErrPortfolioNotFound.
	GetPortfolio(ctx context.Context, id string) (*domain.Portfolio, error)

	// SavePortfolio upserts a portfolio and all its positions.
	SavePortfolio(ctx context.Context, pf *domain.Portfolio) error

	// ApplyFill atomically records one reconciled fill: the execution row,
	// the order's fill state, the portfolio's cash/invested/realized PnL,
	// and the position (upserted, or deleted when removePosition is set).
	ApplyFill(ctx context.Context, order *domain.Order, exec *domain.Execution, pf *domain.Portfolio, pos *domain.Position, removePosition bool) error
}

// Store combines the three repositories; both implementations satisfy it.
type Store interface {
	OrderStore
	ExecutionStore
	PortfolioStore
}
