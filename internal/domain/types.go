// Package domain holds the core types shared across the execution engine:
// order intents, orders, child orders, executions, portfolios, and positions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType determines how an order is priced at the broker.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce governs how long an unfilled order remains live.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order or child order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusSubmitted       OrderStatus = "submitted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further transitions or executions are
// accepted in this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether the order state machine permits moving
// from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusCancelled || next == StatusRejected
	case StatusSubmitted:
		return next == StatusPartiallyFilled || next == StatusFilled || next == StatusCancelled
	case StatusPartiallyFilled:
		return next == StatusSubmitted || next == StatusFilled || next == StatusCancelled
	}
	return false
}

// StrategyKind identifies an execution strategy.
type StrategyKind string

const (
	StrategyMarket  StrategyKind = "market"
	StrategyLimit   StrategyKind = "limit"
	StrategyVWAP    StrategyKind = "vwap"
	StrategyTWAP    StrategyKind = "twap"
	StrategyIceberg StrategyKind = "iceberg"
)

// ---------------------------------------------------------------------------
// Order intent
// ---------------------------------------------------------------------------

// OrderIntent is the immutable input to Submit. It describes what the caller
// wants traded; the engine decides how to work it.
type OrderIntent struct {
	PortfolioID string
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	LimitPrice  decimal.Decimal // required for limit / stop_limit
	StopPrice   decimal.Decimal // required for stop / stop_limit
	TimeInForce TimeInForce

	// Optional execution-strategy parameters. Strategy is only honoured for
	// twap/iceberg/vwap; when empty the engine selects a strategy itself.
	Strategy   StrategyKind
	Duration   time.Duration   // twap slicing window
	DisplayQty decimal.Decimal // iceberg visible slice size
}

// ---------------------------------------------------------------------------
// Order aggregate
// ---------------------------------------------------------------------------

// Order is the aggregate root of the execution lifecycle. It is owned by the
// order manager; the reconciler only advances FilledQty and AvgFillPrice.
type Order struct {
	ID          string
	PortfolioID string
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce TimeInForce

	Strategy   StrategyKind
	Duration   time.Duration
	DisplayQty decimal.Decimal

	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	BrokerOrderID string // broker ID of the most recent child

	CreatedAt   time.Time
	SubmittedAt time.Time
	FilledAt    time.Time
	CancelledAt time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// ChildOrder is one broker-bound slice of a parent order, produced by an
// execution strategy. Seq orders dispatch; ScheduledAt gates timed slices.
type ChildOrder struct {
	ID            string
	ParentID      string
	Seq           int
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	ScheduledAt   time.Time
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// Execution is a single broker-reported fill. Append-only; never mutated.
type Execution struct {
	ID         string
	OrderID    string
	ChildID    string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Venue      string
	Commission decimal.Decimal
	Fees       decimal.Decimal
	ExecutedAt time.Time
}

// Notional returns price × quantity for this fill.
func (e *Execution) Notional() decimal.Decimal {
	return e.Price.Mul(e.Qty)
}

// ---------------------------------------------------------------------------
// Portfolio and positions
// ---------------------------------------------------------------------------

// RiskLimits are the per-portfolio admission-control ceilings. Zero values
// mean the corresponding limit is unset.
type RiskLimits struct {
	MaxLeverage      decimal.Decimal // invested/total ceiling, e.g. 2.0
	MaxPositionPct   decimal.Decimal // single-order notional as fraction of total
	MaxSectorPct     decimal.Decimal // sector exposure as fraction of total
	DailyNotionalCap decimal.Decimal // cumulative notional traded per day
}

// Portfolio holds cash and the risk limits that gate new orders. Mutated
// only by the reconciler.
type Portfolio struct {
	ID          string
	Cash        decimal.Decimal
	Invested    decimal.Decimal
	RealizedPnL decimal.Decimal
	Limits      RiskLimits
	Positions   map[string]*Position // keyed by symbol
}

// TotalValue returns cash plus the market value of all positions.
func (p *Portfolio) TotalValue() decimal.Decimal {
	total := p.Cash
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// SectorExposure returns the summed market value of positions in the given
// sector.
func (p *Portfolio) SectorExposure(sector string) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		if pos.Sector == sector {
			total = total.Add(pos.MarketValue().Abs())
		}
	}
	return total
}

// Position is a per-symbol holding. Qty is signed; negative means short.
// Created on first execution, removed when Qty returns to exactly zero.
type Position struct {
	PortfolioID  string
	Symbol       string
	Qty          decimal.Decimal
	AvgCost      decimal.Decimal
	CurrentPrice decimal.Decimal
	Sector       string
	Country      string
	Currency     string
}

// MarketValue returns Qty × CurrentPrice (AvgCost when no current price is
// known yet).
func (pos *Position) MarketValue() decimal.Decimal {
	price := pos.CurrentPrice
	if price.IsZero() {
		price = pos.AvgCost
	}
	return pos.Qty.Mul(price)
}
