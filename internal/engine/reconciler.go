package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/domain"
	"tradeflow/internal/store"
)

// Reconciler folds broker-reported executions into the order's fill state
// and the owning portfolio. Application is serialized per order and
// idempotent on execution ID; the storage write is one transaction, so a
// crash mid-apply never leaves an execution recorded without its portfolio
// effect.
type Reconciler struct {
	store store.Store
	audit audit.Sink
	log   *slog.Logger

	orderLocks *keyedMutex
}

func NewReconciler(st store.Store, sink audit.Sink) *Reconciler {
	return &Reconciler{
		store:      st,
		audit:      sink,
		log:        slog.Default().With("component", "reconciler"),
		orderLocks: newKeyedMutex(),
	}
}

// ApplyExecution applies one fill to the order and its portfolio. A fill
// already applied (same execution ID) is logged and dropped. An over-fill or
// a fill against a terminal order returns a reconciliation error; the caller
// should halt the order.
//
// The passed order is mutated in place so the dispatcher sees the advanced
// fill state without a reload.
func (r *Reconciler) ApplyExecution(ctx context.Context, order *domain.Order, exec *domain.Execution) error {
	unlock := r.orderLocks.Lock(order.ID)
	defer unlock()

	seen, err := r.store.HasExecution(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("checking execution %s: %w", exec.ID, err)
	}
	if seen {
		r.log.Info("duplicate execution dropped", "order", order.ID, "execution", exec.ID)
		return nil
	}

	if order.Status.IsTerminal() {
		return domain.ReconciliationError(
			"execution %s for order %s in terminal status %s", exec.ID, order.ID, order.Status)
	}
	if order.FilledQty.Add(exec.Qty).GreaterThan(order.Qty) {
		return domain.ReconciliationError(
			"execution %s over-fills order %s: filled %s + %s > qty %s",
			exec.ID, order.ID, order.FilledQty, exec.Qty, order.Qty)
	}

	pf, err := r.store.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		return fmt.Errorf("loading portfolio %s: %w", order.PortfolioID, err)
	}

	prev := order.Status
	prevFilled, prevAvg, prevFilledAt := order.FilledQty, order.AvgFillPrice, order.FilledAt
	newFilled := order.FilledQty.Add(exec.Qty)
	order.AvgFillPrice = weightedAvg(order.AvgFillPrice, order.FilledQty, exec.Price, exec.Qty)
	order.FilledQty = newFilled
	if newFilled.Equal(order.Qty) {
		order.Status = domain.StatusFilled
		order.FilledAt = exec.ExecutedAt
	} else {
		order.Status = domain.StatusPartiallyFilled
	}

	pos, remove := applyToPortfolio(pf, order, exec)

	if err := r.store.ApplyFill(ctx, order, exec, pf, pos, remove); err != nil {
		// Roll back the in-memory mutation so a retry starts clean.
		order.Status = prev
		order.FilledQty, order.AvgFillPrice, order.FilledAt = prevFilled, prevAvg, prevFilledAt
		return fmt.Errorf("persisting fill %s: %w", exec.ID, err)
	}

	r.audit.Record(ctx, audit.Event{
		Action:       "fill.applied",
		ResourceType: "order",
		ResourceID:   order.ID,
		OldStatus:    string(prev),
		NewStatus:    string(order.Status),
		Metadata: map[string]string{
			"execution": exec.ID,
			"qty":       exec.Qty.String(),
			"price":     exec.Price.String(),
		},
	})
	r.log.Info("execution applied",
		"order", order.ID, "execution", exec.ID,
		"qty", exec.Qty, "price", exec.Price,
		"filled", order.FilledQty, "status", order.Status)
	return nil
}

// applyToPortfolio mutates pf for one execution and returns the position to
// upsert, or remove=true when the position closed to exactly zero.
func applyToPortfolio(pf *domain.Portfolio, order *domain.Order, exec *domain.Execution) (pos *domain.Position, remove bool) {
	signed := exec.Qty
	if order.Side == domain.SideSell {
		signed = signed.Neg()
	}

	pos = pf.Positions[order.Symbol]
	if pos == nil {
		pos = &domain.Position{
			PortfolioID: pf.ID,
			Symbol:      order.Symbol,
			AvgCost:     exec.Price,
		}
		pf.Positions[order.Symbol] = pos
	}

	oldQty := pos.Qty
	newQty := oldQty.Add(signed)

	switch {
	case oldQty.IsZero():
		// Opening.
		pos.AvgCost = exec.Price
		pf.Invested = pf.Invested.Add(exec.Notional())
	case oldQty.Sign() == signed.Sign():
		// Adding to an existing direction: volume-weighted average cost.
		pos.AvgCost = weightedAvg(pos.AvgCost, oldQty.Abs(), exec.Price, exec.Qty)
		pf.Invested = pf.Invested.Add(exec.Notional())
	default:
		// Reducing or flipping. Realize PnL on the closed quantity at the
		// stored average cost.
		closed := decimal.Min(oldQty.Abs(), exec.Qty)
		pnl := exec.Price.Sub(pos.AvgCost).Mul(closed)
		if oldQty.IsNegative() {
			pnl = pnl.Neg()
		}
		pf.RealizedPnL = pf.RealizedPnL.Add(pnl)
		pf.Invested = pf.Invested.Sub(pos.AvgCost.Mul(closed))
		if exec.Qty.GreaterThan(closed) {
			// Flipped through zero; the remainder opens at the fill price.
			opened := exec.Qty.Sub(closed)
			pos.AvgCost = exec.Price
			pf.Invested = pf.Invested.Add(exec.Price.Mul(opened))
		}
	}

	pos.Qty = newQty
	pos.CurrentPrice = exec.Price

	costs := exec.Commission.Add(exec.Fees)
	if order.Side == domain.SideBuy {
		pf.Cash = pf.Cash.Sub(exec.Notional()).Sub(costs)
	} else {
		pf.Cash = pf.Cash.Add(exec.Notional()).Sub(costs)
	}

	if newQty.IsZero() {
		delete(pf.Positions, order.Symbol)
		return pos, true
	}
	return pos, false
}

// weightedAvg returns the volume-weighted average of two price lots.
func weightedAvg(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
