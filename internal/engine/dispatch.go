package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/broker"
	"tradeflow/internal/domain"
)

// cleanupTimeout bounds the broker and storage calls made while unwinding a
// cancelled order, whose own context is already dead.
const cleanupTimeout = 10 * time.Second

// runOrder works one order to a terminal state: waits out each child's
// schedule, submits it, polls its fills into the reconciler, and finalizes
// the parent when the plan is exhausted or the order is cancelled.
func (e *Engine) runOrder(ctx context.Context, d *dispatcher, order *domain.Order, children []domain.ChildOrder, reserved decimal.Decimal, reservedAt time.Time) {
	defer e.wg.Done()
	defer close(d.done)
	defer func() {
		e.mu.Lock()
		delete(e.dispatchers, order.ID)
		e.mu.Unlock()
	}()

	log := e.log.With("order", order.ID, "symbol", order.Symbol, "strategy", order.Strategy)

	rejected := 0
	for i := range children {
		child := &children[i]

		// A resumed plan may carry children already settled in an earlier
		// process.
		if child.Status == domain.StatusRejected {
			rejected++
			continue
		}
		if child.Status.IsTerminal() {
			continue
		}

		if err := e.waitForSchedule(ctx, child); err != nil {
			e.unwindCancel(order, children[i:], reserved, reservedAt, log)
			return
		}

		if err := e.runChild(ctx, log, order, child); err != nil {
			switch domain.KindOf(err) {
			case domain.ErrKindBrokerSubmission:
				rejected++
				continue
			case domain.ErrKindReconciliation:
				// Inconsistent broker state. Halt the order for manual
				// review rather than guess.
				log.Error("halting order on reconciliation conflict", "err", err)
				e.reportErr(err)
				e.releaseReservation(order, reserved, reservedAt)
				return
			default:
				if ctx.Err() != nil {
					e.unwindCancel(order, children[i:], reserved, reservedAt, log)
					return
				}
				log.Error("abandoning order", "err", err)
				e.reportErr(err)
				e.releaseReservation(order, reserved, reservedAt)
				return
			}
		}

		if order.Status == domain.StatusFilled {
			break
		}
	}

	e.finalize(ctx, log, order, rejected == len(children))
	e.releaseReservation(order, reserved, reservedAt)
}

// waitForSchedule blocks until the child's scheduled time, or returns the
// context error on cancellation.
func (e *Engine) waitForSchedule(ctx context.Context, child *domain.ChildOrder) error {
	if child.ScheduledAt.IsZero() {
		return ctx.Err()
	}
	delay := time.Until(child.ScheduledAt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runChild submits one child and polls it to a terminal state. A child that
// already has a broker order ID was submitted by an earlier process and is
// only polled, never resubmitted.
func (e *Engine) runChild(ctx context.Context, log *slog.Logger, order *domain.Order, child *domain.ChildOrder) error {
	if child.BrokerOrderID != "" {
		log.Info("resuming child at broker", "child", child.ID, "seq", child.Seq, "broker_order_id", child.BrokerOrderID)
		return e.pollChild(ctx, log, order, child)
	}

	spec := broker.ChildSpec{
		ClientOrderID: child.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           child.Qty,
		LimitPrice:    child.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	}

	brokerID, err := e.broker.SubmitChild(ctx, spec)
	if err != nil {
		child.Status = domain.StatusRejected
		if uerr := e.store.UpdateChild(ctx, child); uerr != nil {
			log.Error("persisting child rejection", "child", child.ID, "err", uerr)
		}
		e.recordChild(ctx, "child.rejected", order, child, map[string]string{"reason": err.Error()})
		serr := domain.BrokerSubmissionError(err)
		e.reportErr(serr)
		log.Warn("child rejected by broker", "child", child.ID, "seq", child.Seq, "err", err)
		return serr
	}

	child.BrokerOrderID = brokerID
	child.Status = domain.StatusSubmitted
	if err := e.store.UpdateChild(ctx, child); err != nil {
		log.Error("persisting child submission", "child", child.ID, "err", err)
	}
	order.BrokerOrderID = brokerID
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		log.Error("persisting broker order ID", "order", order.ID, "err", err)
	}
	e.recordChild(ctx, "child.dispatched", order, child, map[string]string{"broker_order_id": brokerID})
	log.Info("child dispatched", "child", child.ID, "seq", child.Seq, "qty", child.Qty, "broker_order_id", brokerID)

	return e.pollChild(ctx, log, order, child)
}

// pollChild tracks a submitted child until the broker reports a terminal
// state or a deadline cancels the remainder. Incremental fills flow through
// the reconciler as they appear.
func (e *Engine) pollChild(ctx context.Context, log *slog.Logger, order *domain.Order, child *domain.ChildOrder) error {
	deadline := e.childDeadline(order)
	first := true
	for {
		if err := e.poll.Wait(ctx); err != nil {
			return err
		}

		st, err := e.broker.GetStatus(ctx, child.BrokerOrderID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The gateway already retried; this child is in an unknown
			// state. Surface it and stop working the order.
			terr := domain.BrokerTransientError(err)
			e.reportErr(terr)
			return terr
		}

		if err := e.applyDelta(ctx, order, child, st); err != nil {
			return err
		}

		if st.Status.IsTerminal() {
			e.finishChild(ctx, order, child, st)
			return nil
		}

		// Immediate-or-cancel and fill-or-kill resolve on the first broker
		// response: whatever filled stays, the remainder is cancelled.
		if first && (order.TimeInForce == domain.TIFIOC || order.TimeInForce == domain.TIFFOK) {
			return e.cancelChild(ctx, log, order, child, string(order.TimeInForce))
		}
		first = false

		if !deadline.IsZero() && time.Now().After(deadline) {
			return e.cancelChild(ctx, log, order, child, "deadline")
		}
	}
}

// childDeadline returns when an unfilled child's remainder should be
// cancelled: session close for DAY orders, bounded by MaxChildWait when set.
// Zero means no deadline.
func (e *Engine) childDeadline(order *domain.Order) time.Time {
	var dl time.Time
	if order.TimeInForce == domain.TIFDay {
		dl = e.calendar.SessionClose(time.Now())
	}
	if e.cfg.MaxChildWait > 0 {
		w := time.Now().Add(e.cfg.MaxChildWait)
		if dl.IsZero() || w.Before(dl) {
			dl = w
		}
	}
	return dl
}

// applyDelta turns any newly reported fill quantity into an execution and
// runs it through the reconciler.
func (e *Engine) applyDelta(ctx context.Context, order *domain.Order, child *domain.ChildOrder, st broker.ChildStatus) error {
	delta := st.FilledQty.Sub(child.FilledQty)
	if !delta.IsPositive() {
		return nil
	}

	exec := &domain.Execution{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		ChildID:    child.ID,
		Qty:        delta,
		Price:      deltaPrice(child, st, delta),
		Venue:      e.broker.Name(),
		Commission: e.cfg.CommissionPerShare.Mul(delta),
		ExecutedAt: time.Now(),
	}
	if err := e.recon.ApplyExecution(ctx, order, exec); err != nil {
		return err
	}

	child.FilledQty = st.FilledQty
	child.AvgFillPrice = st.AvgFillPrice
	if !st.Status.IsTerminal() {
		child.Status = domain.StatusPartiallyFilled
	}
	if err := e.store.UpdateChild(ctx, child); err != nil {
		e.log.Error("persisting child fill state", "child", child.ID, "err", err)
	}
	return nil
}

// deltaPrice backs out the price of the newly filled quantity from the
// broker's cumulative averages.
func deltaPrice(child *domain.ChildOrder, st broker.ChildStatus, delta decimal.Decimal) decimal.Decimal {
	prevNotional := child.AvgFillPrice.Mul(child.FilledQty)
	return st.AvgFillPrice.Mul(st.FilledQty).Sub(prevNotional).Div(delta)
}

// finishChild records a child's terminal state as reported by the broker. A
// terminal fill short of the child quantity means the remainder was
// cancelled at the venue.
func (e *Engine) finishChild(ctx context.Context, order *domain.Order, child *domain.ChildOrder, st broker.ChildStatus) {
	status := st.Status
	if status == domain.StatusFilled && st.FilledQty.LessThan(child.Qty) {
		status = domain.StatusCancelled
	}
	child.Status = status
	if err := e.store.UpdateChild(ctx, child); err != nil {
		e.log.Error("persisting child completion", "child", child.ID, "err", err)
	}
	e.recordChild(ctx, "child.completed", order, child, map[string]string{
		"filled": child.FilledQty.String(),
	})
}

// cancelChild requests a broker cancel for an open child, harvests any fill
// that landed in the meantime, and records the child cancelled.
func (e *Engine) cancelChild(ctx context.Context, log *slog.Logger, order *domain.Order, child *domain.ChildOrder, reason string) error {
	if err := e.broker.Cancel(ctx, child.BrokerOrderID); err != nil {
		log.Warn("broker cancel request failed", "child", child.ID, "err", err)
	}

	st, err := e.broker.GetStatus(ctx, child.BrokerOrderID)
	if err != nil {
		log.Warn("status read after cancel failed", "child", child.ID, "err", err)
		child.Status = domain.StatusCancelled
	} else {
		if aerr := e.applyDelta(ctx, order, child, st); aerr != nil {
			return aerr
		}
		if st.Status == domain.StatusFilled && st.FilledQty.Equal(child.Qty) {
			child.Status = domain.StatusFilled
		} else {
			child.Status = domain.StatusCancelled
		}
	}
	if err := e.store.UpdateChild(ctx, child); err != nil {
		log.Error("persisting child cancellation", "child", child.ID, "err", err)
	}
	e.recordChild(ctx, "child.cancelled", order, child, map[string]string{
		"reason": reason,
		"filled": child.FilledQty.String(),
	})
	return nil
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

// finalize settles the parent once every planned child is terminal. Filled
// and partially filled orders were already advanced by the reconciler; an
// order with no fills ends rejected (every child refused) or cancelled
// (children timed out).
func (e *Engine) finalize(ctx context.Context, log *slog.Logger, order *domain.Order, allRejected bool) {
	switch {
	case order.Status == domain.StatusFilled:
		log.Info("order filled", "avg_price", order.AvgFillPrice, "qty", order.FilledQty)
	case order.FilledQty.IsPositive():
		log.Info("order exhausted with partial fill",
			"filled", order.FilledQty, "of", order.Qty, "avg_price", order.AvgFillPrice)
	case allRejected:
		prev := order.Status
		order.Status = domain.StatusRejected
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			log.Error("persisting order rejection", "err", err)
		}
		e.recordTransition(ctx, "order.rejected", order, prev, map[string]string{
			"reason": "all children rejected",
		})
		log.Warn("order rejected, every child refused by broker")
	default:
		prev := order.Status
		order.Status = domain.StatusCancelled
		order.CancelledAt = time.Now()
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			log.Error("persisting order cancellation", "err", err)
		}
		e.recordTransition(ctx, "order.cancelled", order, prev, map[string]string{
			"reason": "children expired unfilled",
		})
		log.Info("order cancelled, no fills before expiry")
	}
}

// unwindCancel handles a dispatcher whose context was cancelled. For an
// engine shutdown the order is left as persisted so a restart can resume it;
// for an order cancel the open child is cancelled at the broker, pending
// children are marked cancelled, and the parent goes terminal.
func (e *Engine) unwindCancel(order *domain.Order, remaining []domain.ChildOrder, reserved decimal.Decimal, reservedAt time.Time, log *slog.Logger) {
	if e.baseCtx.Err() != nil {
		log.Info("engine shutting down, leaving order in place", "status", order.Status)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for i := range remaining {
		child := &remaining[i]
		if child.Status.IsTerminal() {
			continue
		}
		if child.Status == domain.StatusSubmitted || child.Status == domain.StatusPartiallyFilled {
			if err := e.cancelChild(ctx, log, order, child, "order cancelled"); err != nil {
				log.Error("unwinding open child", "child", child.ID, "err", err)
			}
			continue
		}
		child.Status = domain.StatusCancelled
		if err := e.store.UpdateChild(ctx, child); err != nil {
			log.Error("persisting child cancellation", "child", child.ID, "err", err)
		}
	}

	if !order.Status.IsTerminal() {
		prev := order.Status
		order.Status = domain.StatusCancelled
		order.CancelledAt = time.Now()
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			log.Error("persisting order cancellation", "err", err)
		}
		e.recordTransition(ctx, "order.cancelled", order, prev, map[string]string{
			"filled": order.FilledQty.String(),
		})
	}
	log.Info("order cancelled", "filled", order.FilledQty)
	e.releaseReservation(order, reserved, reservedAt)
}

// releaseReservation settles the admitted notional once the order is done:
// the open hold is released in full, the daily counter keeps the executed
// share.
func (e *Engine) releaseReservation(order *domain.Order, reserved decimal.Decimal, reservedAt time.Time) {
	executed := order.AvgFillPrice.Mul(order.FilledQty)
	e.risk.Release(order.PortfolioID, order.Side, reserved, executed, reservedAt)
}

func (e *Engine) recordChild(ctx context.Context, action string, order *domain.Order, child *domain.ChildOrder, meta map[string]string) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["parent"] = order.ID
	meta["seq"] = fmt.Sprintf("%d", child.Seq)
	e.audit.Record(ctx, audit.Event{
		Action:       action,
		ResourceType: "child_order",
		ResourceID:   child.ID,
		NewStatus:    string(child.Status),
		Timestamp:    time.Now(),
		Metadata:     meta,
	})
}
