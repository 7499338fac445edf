// Package engine implements the order execution engine: pre-trade risk
// admission, strategy planning, child dispatch against the broker gateway,
// and reconciliation of broker fills into portfolio state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/broker"
	"tradeflow/internal/domain"
	"tradeflow/internal/marketdata"
	"tradeflow/internal/store"
	"tradeflow/internal/strategy"
	"tradeflow/internal/util"
)

// Config tunes engine behaviour. Zero values take the documented defaults.
type Config struct {
	// LargeOrderQty is the quantity at or above which market orders are
	// auto-sliced with VWAP. Zero disables auto-slicing.
	LargeOrderQty decimal.Decimal

	// PollRatePerMinute caps broker status polling across all dispatchers.
	// Defaults to 120.
	PollRatePerMinute int

	// MaxChildWait bounds how long a single child may rest at the broker
	// before its remainder is cancelled. Zero means the time-in-force
	// deadline alone applies.
	MaxChildWait time.Duration

	// CommissionPerShare is applied to every execution when building the
	// fill record.
	CommissionPerShare decimal.Decimal
}

// Engine is the order manager. It owns the order lifecycle from Submit
// through terminal state; one dispatcher goroutine works each live order.
type Engine struct {
	cfg        Config
	broker     broker.Gateway
	market     marketdata.Gateway
	store      store.Store
	strategies *strategy.Registry
	risk       *RiskManager
	recon      *Reconciler
	audit      audit.Sink
	calendar   *util.TradingCalendar
	poll       *util.RateLimiter
	log        *slog.Logger

	portfolioLocks *keyedMutex

	errs chan error

	mu          sync.Mutex
	dispatchers map[string]*dispatcher
	closed      bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// dispatcher tracks one order's worker goroutine.
type dispatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine wired to the given collaborators.
func New(cfg Config, st store.Store, bk broker.Gateway, md marketdata.Gateway, sink audit.Sink) *Engine {
	if cfg.PollRatePerMinute <= 0 {
		cfg.PollRatePerMinute = 120
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		broker:         bk,
		market:         md,
		store:          st,
		strategies:     strategy.NewRegistry(),
		risk:           NewRiskManager(),
		recon:          NewReconciler(st, sink),
		audit:          sink,
		calendar:       util.NewTradingCalendar(),
		poll:           util.NewRateLimiter(cfg.PollRatePerMinute),
		log:            slog.Default().With("component", "engine"),
		portfolioLocks: newKeyedMutex(),
		errs:           make(chan error, 64),
		dispatchers:    make(map[string]*dispatcher),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// Errors exposes asynchronous failures from dispatchers: child rejections,
// exhausted broker retries, reconciliation conflicts. The channel is never
// closed while the engine is running; slow consumers drop events.
func (e *Engine) Errors() <-chan error { return e.errs }

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

// Submit validates and admits an order. On success the order is persisted in
// SUBMITTED state with its child plan, a dispatcher goroutine is working it,
// and a snapshot is returned. Risk rejections persist the order in REJECTED
// and return the typed violation.
func (e *Engine) Submit(ctx context.Context, intent *domain.OrderIntent) (*domain.Order, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is shut down")
	}
	e.mu.Unlock()

	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &domain.Order{
		ID:          uuid.NewString(),
		PortfolioID: intent.PortfolioID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Type:        intent.Type,
		Qty:         intent.Qty,
		LimitPrice:  intent.LimitPrice,
		StopPrice:   intent.StopPrice,
		TimeInForce: intent.TimeInForce,
		Strategy:    intent.Strategy,
		Duration:    intent.Duration,
		DisplayQty:  intent.DisplayQty,
		Status:      domain.StatusPending,
		CreatedAt:   now,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFDay
	}

	price, err := e.referencePrice(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("estimating order value for %s: %w", intent.Symbol, err)
	}
	estNotional := price.Mul(order.Qty)

	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("saving order: %w", err)
	}
	e.recordTransition(ctx, "order.created", order, "", nil)

	// Risk admission and the daily-notional reservation happen under the
	// portfolio lock so concurrent submissions cannot both pass against the
	// same free cash.
	unlock := e.portfolioLocks.Lock(order.PortfolioID)
	pf, err := e.store.GetPortfolio(ctx, order.PortfolioID)
	if err != nil {
		unlock()
		e.reject(ctx, order, err)
		return nil, fmt.Errorf("loading portfolio %s: %w", order.PortfolioID, err)
	}
	if err := e.risk.Validate(intent, pf, estNotional, now); err != nil {
		unlock()
		e.reject(ctx, order, err)
		return nil, err
	}
	e.risk.Reserve(order.PortfolioID, order.Side, estNotional, now)
	unlock()

	children, err := e.plan(ctx, order, price, now)
	if err != nil {
		e.risk.Release(order.PortfolioID, order.Side, estNotional, decimal.Zero, now)
		e.reject(ctx, order, err)
		return nil, err
	}

	if err := e.store.SaveChildren(ctx, children); err != nil {
		e.risk.Release(order.PortfolioID, order.Side, estNotional, decimal.Zero, now)
		e.reject(ctx, order, err)
		return nil, fmt.Errorf("saving child plan: %w", err)
	}

	prev := order.Status
	order.Status = domain.StatusSubmitted
	order.SubmittedAt = time.Now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		e.risk.Release(order.PortfolioID, order.Side, estNotional, decimal.Zero, now)
		return nil, fmt.Errorf("updating order: %w", err)
	}
	e.recordTransition(ctx, "order.submitted", order, prev, map[string]string{
		"strategy": string(order.Strategy),
		"children": fmt.Sprintf("%d", len(children)),
	})
	e.log.Info("order admitted",
		"order", order.ID, "portfolio", order.PortfolioID, "symbol", order.Symbol,
		"side", order.Side, "qty", order.Qty, "strategy", order.Strategy,
		"children", len(children))

	snapshot := *order

	e.mu.Lock()
	dctx, dcancel := context.WithCancel(e.baseCtx)
	d := &dispatcher{cancel: dcancel, done: make(chan struct{})}
	e.dispatchers[order.ID] = d
	e.wg.Add(1)
	e.mu.Unlock()
	go e.runOrder(dctx, d, order, children, estNotional, now)

	return &snapshot, nil
}

// plan selects a strategy and expands the order into its child plan.
func (e *Engine) plan(ctx context.Context, order *domain.Order, price decimal.Decimal, now time.Time) ([]domain.ChildOrder, error) {
	kind := strategy.Select(order, e.cfg.LargeOrderQty)
	order.Strategy = kind

	planner, ok := e.strategies.Get(kind)
	if !ok {
		return nil, domain.ValidationError("unknown strategy %q", kind)
	}

	snap := strategy.Snapshot{
		Price:        price,
		Now:          now,
		SessionClose: e.calendar.SessionClose(now),
	}
	if kind == domain.StrategyVWAP {
		prof, err := e.market.VolumeProfile(ctx, order.Symbol, now)
		if err != nil {
			e.log.Warn("no volume profile, falling back to equal slices",
				"symbol", order.Symbol, "err", err)
		} else {
			snap.Profile = prof
		}
	}

	children, err := planner.Plan(order, snap)
	if err != nil {
		return nil, domain.ValidationError("planning %s order: %v", kind, err)
	}
	return children, nil
}

// referencePrice returns the price used for notional estimation: the limit
// price when one is set, otherwise the latest trade.
func (e *Engine) referencePrice(ctx context.Context, intent *domain.OrderIntent) (decimal.Decimal, error) {
	if intent.LimitPrice.IsPositive() {
		return intent.LimitPrice, nil
	}
	if intent.Type == domain.OrderTypeStop && intent.StopPrice.IsPositive() {
		return intent.StopPrice, nil
	}
	return e.market.CurrentPrice(ctx, intent.Symbol)
}

// reject flips the order to REJECTED and records why.
func (e *Engine) reject(ctx context.Context, order *domain.Order, cause error) {
	prev := order.Status
	order.Status = domain.StatusRejected
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		e.log.Error("persisting rejection", "order", order.ID, "err", err)
	}
	e.recordTransition(ctx, "order.rejected", order, prev, map[string]string{
		"reason": cause.Error(),
	})
	e.log.Warn("order rejected", "order", order.ID, "reason", cause)
}

// ---------------------------------------------------------------------------
// Cancel and reads
// ---------------------------------------------------------------------------

// Cancel requests cancellation of a live order. In-flight children get a
// best-effort broker cancel; already-filled quantity is retained. Cancelling
// a terminal order is an error and mutates nothing.
func (e *Engine) Cancel(ctx context.Context, orderID, actor string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return domain.ValidationError("order %s is %s and cannot be cancelled", orderID, order.Status)
	}

	e.audit.Record(ctx, audit.Event{
		Action:       "order.cancel_requested",
		ResourceType: "order",
		ResourceID:   orderID,
		OldStatus:    string(order.Status),
		Actor:        actor,
		Timestamp:    time.Now(),
	})

	e.mu.Lock()
	d := e.dispatchers[orderID]
	e.mu.Unlock()

	if d == nil {
		// No dispatcher running; flip directly. A dispatcher may be applying
		// its final fill right now, so serialize on the reconciler's order
		// lock and re-check terminality from a fresh read.
		unlock := e.recon.orderLocks.Lock(orderID)
		defer unlock()

		order, err = e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return domain.ValidationError("order %s is %s and cannot be cancelled", orderID, order.Status)
		}
		prev := order.Status
		order.Status = domain.StatusCancelled
		order.CancelledAt = time.Now()
		if err := e.store.UpdateOrder(ctx, order); err != nil {
			return fmt.Errorf("persisting cancellation: %w", err)
		}
		e.recordTransition(ctx, "order.cancelled", order, prev, nil)
		return nil
	}

	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetOrder returns the persisted order, or domain.ErrOrderNotFound.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// ListOrders returns orders matching the filter, oldest first.
func (e *Engine) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	return e.store.ListOrders(ctx, filter)
}

// ListChildren returns an order's child plan in sequence order.
func (e *Engine) ListChildren(ctx context.Context, orderID string) ([]domain.ChildOrder, error) {
	return e.store.ListChildren(ctx, orderID)
}

// ListExecutions returns an order's fills ordered by execution time.
func (e *Engine) ListExecutions(ctx context.Context, orderID string) ([]domain.Execution, error) {
	return e.store.ListExecutions(ctx, orderID)
}

// GetPortfolio returns the current portfolio state.
func (e *Engine) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	return e.store.GetPortfolio(ctx, portfolioID)
}

// Resume respawns dispatchers for orders that were live when a previous
// process stopped: every SUBMITTED or PARTIALLY_FILLED order is picked up
// from the persisted state, already-submitted children are polled rather
// than resubmitted. Call once after New, before accepting new submissions.
func (e *Engine) Resume(ctx context.Context) error {
	for _, status := range []domain.OrderStatus{domain.StatusSubmitted, domain.StatusPartiallyFilled} {
		orders, err := e.store.ListOrders(ctx, store.OrderFilter{Status: status})
		if err != nil {
			return fmt.Errorf("listing %s orders: %w", status, err)
		}
		for i := range orders {
			order := orders[i]
			children, err := e.store.ListChildren(ctx, order.ID)
			if err != nil {
				return fmt.Errorf("loading children of %s: %w", order.ID, err)
			}
			e.resumeOrder(&order, children)
		}
	}
	return nil
}

// resumeOrder registers a dispatcher for a persisted order. Reservations do
// not survive a restart, so the resumed order carries none.
func (e *Engine) resumeOrder(order *domain.Order, children []domain.ChildOrder) {
	e.mu.Lock()
	if _, ok := e.dispatchers[order.ID]; ok {
		e.mu.Unlock()
		return
	}
	dctx, dcancel := context.WithCancel(e.baseCtx)
	d := &dispatcher{cancel: dcancel, done: make(chan struct{})}
	e.dispatchers[order.ID] = d
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("resuming order",
		"order", order.ID, "symbol", order.Symbol, "status", order.Status,
		"filled", order.FilledQty, "children", len(children))
	go e.runOrder(dctx, d, order, children, decimal.Zero, time.Now())
}

// Close stops accepting submissions and waits for dispatchers to exit. Open
// broker orders are left in place; a restart picks their orders back up via
// Resume.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) recordTransition(ctx context.Context, action string, order *domain.Order, prev domain.OrderStatus, meta map[string]string) {
	e.audit.Record(ctx, audit.Event{
		Action:       action,
		ResourceType: "order",
		ResourceID:   order.ID,
		OldStatus:    string(prev),
		NewStatus:    string(order.Status),
		Timestamp:    time.Now(),
		Metadata:     meta,
	})
}

func (e *Engine) reportErr(err error) {
	select {
	case e.errs <- err:
	default:
		e.log.Warn("error channel full, dropping", "err", err)
	}
}

func validateIntent(intent *domain.OrderIntent) error {
	if intent.PortfolioID == "" {
		return domain.ValidationError("portfolio ID is required")
	}
	if intent.Symbol == "" {
		return domain.ValidationError("symbol is required")
	}
	switch intent.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		return domain.ValidationError("invalid side %q", intent.Side)
	}
	switch intent.Type {
	case domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit:
	default:
		return domain.ValidationError("invalid order type %q", intent.Type)
	}
	if !intent.Qty.IsPositive() {
		return domain.ValidationError("quantity must be positive, got %s", intent.Qty)
	}
	if (intent.Type == domain.OrderTypeLimit || intent.Type == domain.OrderTypeStopLimit) && !intent.LimitPrice.IsPositive() {
		return domain.ValidationError("%s orders require a positive limit price", intent.Type)
	}
	if (intent.Type == domain.OrderTypeStop || intent.Type == domain.OrderTypeStopLimit) && !intent.StopPrice.IsPositive() {
		return domain.ValidationError("%s orders require a positive stop price", intent.Type)
	}
	switch intent.TimeInForce {
	case "", domain.TIFDay, domain.TIFGTC, domain.TIFIOC, domain.TIFFOK:
	default:
		return domain.ValidationError("invalid time in force %q", intent.TimeInForce)
	}
	switch intent.Strategy {
	case "", domain.StrategyMarket, domain.StrategyLimit, domain.StrategyVWAP, domain.StrategyTWAP, domain.StrategyIceberg:
	default:
		return domain.ValidationError("unknown strategy %q", intent.Strategy)
	}
	return nil
}
