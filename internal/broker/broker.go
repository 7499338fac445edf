// Package broker defines the Gateway interface the execution engine submits
// child orders through, and provides implementations for the Alpaca
// brokerage and an in-memory simulator.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
)

// ChildSpec is one broker-bound child order. ClientOrderID is the
// client-generated idempotency key: submitting the same spec twice must not
// create two broker orders.
type ChildSpec struct {
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Type          domain.OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   domain.TimeInForce
}

// ChildStatus is the broker's view of a submitted child order.
type ChildStatus struct {
	Status       domain.OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// AccountSnapshot is a point-in-time view of the brokerage account.
type AccountSnapshot struct {
	ID          string
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

// Gateway abstracts a brokerage venue. GetStatus is an idempotent read and
// may be retried; SubmitChild must never be blindly retried: the
// ClientOrderID is the only double-submission guard.
type Gateway interface {
	// Name returns the venue identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitChild sends a child order for execution and returns the broker's
	// order ID.
	SubmitChild(ctx context.Context, spec ChildSpec) (string, error)

	// GetStatus returns the broker's current view of a child order.
	GetStatus(ctx context.Context, brokerOrderID string) (ChildStatus, error)

	// Cancel requests cancellation of an open child order. Acknowledgement is
	// best-effort; callers confirm via GetStatus.
	Cancel(ctx context.Context, brokerOrderID string) error

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*AccountSnapshot, error)
}
