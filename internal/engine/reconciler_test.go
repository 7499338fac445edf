package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/domain"
	"tradeflow/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewReconciler(st, audit.NewMemorySink()), st
}

func seedOrder(t *testing.T, st *store.MemoryStore, side domain.Side, qty string) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:          uuid.NewString(),
		PortfolioID: "pf-1",
		Symbol:      "AAPL",
		Side:        side,
		Type:        domain.OrderTypeMarket,
		Qty:         dec(qty),
		TimeInForce: domain.TIFDay,
		Status:      domain.StatusSubmitted,
		CreatedAt:   time.Now(),
	}
	if err := st.SaveOrder(context.Background(), order); err != nil {
		t.Fatalf("saving order: %v", err)
	}
	return order
}

func seedPortfolio(t *testing.T, st *store.MemoryStore, pf *domain.Portfolio) {
	t.Helper()
	if pf.Positions == nil {
		pf.Positions = make(map[string]*domain.Position)
	}
	if err := st.SavePortfolio(context.Background(), pf); err != nil {
		t.Fatalf("saving portfolio: %v", err)
	}
}

func exec(order *domain.Order, qty, price string) *domain.Execution {
	return &domain.Execution{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		ChildID:    uuid.NewString(),
		Qty:        dec(qty),
		Price:      dec(price),
		Venue:      "simulator",
		ExecutedAt: time.Now(),
	}
}

func TestApplyExecutionAveragesFills(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("50000")})
	order := seedOrder(t, st, domain.SideBuy, "100")

	if err := r.ApplyExecution(ctx, order, exec(order, "60", "160.10")); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if order.Status != domain.StatusPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", order.Status)
	}
	if !order.FilledQty.Equal(dec("60")) || !order.AvgFillPrice.Equal(dec("160.10")) {
		t.Fatalf("unexpected fill state: %s @ %s", order.FilledQty, order.AvgFillPrice)
	}

	if err := r.ApplyExecution(ctx, order, exec(order, "40", "160.05")); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if order.Status != domain.StatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
	if !order.AvgFillPrice.Equal(dec("160.08")) {
		t.Fatalf("expected volume-weighted average 160.08, got %s", order.AvgFillPrice)
	}
	if order.FilledAt.IsZero() {
		t.Fatal("FilledAt not set")
	}

	pf, err := st.GetPortfolio(ctx, "pf-1")
	if err != nil {
		t.Fatalf("loading portfolio: %v", err)
	}
	// 50000 - 60*160.10 - 40*160.05 = 33992
	if !pf.Cash.Equal(dec("33992")) {
		t.Fatalf("expected cash 33992, got %s", pf.Cash)
	}
	pos := pf.Positions["AAPL"]
	if pos == nil {
		t.Fatal("position not created")
	}
	if !pos.Qty.Equal(dec("100")) || !pos.AvgCost.Equal(dec("160.08")) {
		t.Fatalf("unexpected position: %s @ %s", pos.Qty, pos.AvgCost)
	}
}

func TestAverageIndependentOfFillArrival(t *testing.T) {
	// Five 20-share slices at these prices average to 160.08 regardless of
	// the order the fills arrive in.
	prices := []string{"160.0", "160.1", "160.2", "160.1", "160.0"}

	apply := func(t *testing.T, order []int) decimal.Decimal {
		r, st := newTestReconciler(t)
		ctx := context.Background()
		seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("100000")})
		o := seedOrder(t, st, domain.SideBuy, "100")
		for _, i := range order {
			if err := r.ApplyExecution(ctx, o, exec(o, "20", prices[i])); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		if o.Status != domain.StatusFilled {
			t.Fatalf("expected filled, got %s", o.Status)
		}
		return o.AvgFillPrice
	}

	forward := apply(t, []int{0, 1, 2, 3, 4})
	shuffled := apply(t, []int{4, 2, 0, 3, 1})
	if !forward.Equal(dec("160.08")) {
		t.Fatalf("expected average 160.08, got %s", forward)
	}
	if !forward.Equal(shuffled) {
		t.Fatalf("average depends on arrival order: %s vs %s", forward, shuffled)
	}
}

func TestApplyExecutionDuplicateDropped(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("50000")})
	order := seedOrder(t, st, domain.SideBuy, "100")

	ex := exec(order, "60", "160.10")
	if err := r.ApplyExecution(ctx, order, ex); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := r.ApplyExecution(ctx, order, ex); err != nil {
		t.Fatalf("duplicate should be dropped, not errored: %v", err)
	}

	if !order.FilledQty.Equal(dec("60")) {
		t.Fatalf("duplicate changed fill state: %s", order.FilledQty)
	}
	pf, _ := st.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("40394")) {
		t.Fatalf("duplicate changed cash: %s", pf.Cash)
	}
	execs, _ := st.ListExecutions(ctx, order.ID)
	if len(execs) != 1 {
		t.Fatalf("expected 1 recorded execution, got %d", len(execs))
	}
}

func TestApplyExecutionOverfill(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("50000")})
	order := seedOrder(t, st, domain.SideBuy, "100")

	err := r.ApplyExecution(ctx, order, exec(order, "120", "160"))
	if domain.KindOf(err) != domain.ErrKindReconciliation {
		t.Fatalf("expected reconciliation conflict, got %v", err)
	}
	if !order.FilledQty.IsZero() {
		t.Fatalf("over-fill mutated the order: %s", order.FilledQty)
	}
}

func TestApplyExecutionTerminalOrder(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("50000")})
	order := seedOrder(t, st, domain.SideBuy, "100")
	order.Status = domain.StatusCancelled

	err := r.ApplyExecution(ctx, order, exec(order, "10", "160"))
	if domain.KindOf(err) != domain.ErrKindReconciliation {
		t.Fatalf("expected reconciliation conflict, got %v", err)
	}
}

func TestSellReducesPositionAndRealizesPnL(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{
		ID:       "pf-1",
		Cash:     dec("10000"),
		Invested: dec("15000"),
		Positions: map[string]*domain.Position{
			"AAPL": {PortfolioID: "pf-1", Symbol: "AAPL", Qty: dec("100"), AvgCost: dec("150")},
		},
	})
	order := seedOrder(t, st, domain.SideSell, "40")

	if err := r.ApplyExecution(ctx, order, exec(order, "40", "160")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pf, _ := st.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("16400")) {
		t.Fatalf("expected cash 16400, got %s", pf.Cash)
	}
	if !pf.RealizedPnL.Equal(dec("400")) {
		t.Fatalf("expected realized PnL 400, got %s", pf.RealizedPnL)
	}
	if !pf.Invested.Equal(dec("9000")) {
		t.Fatalf("expected invested 9000, got %s", pf.Invested)
	}
	pos := pf.Positions["AAPL"]
	if !pos.Qty.Equal(dec("60")) || !pos.AvgCost.Equal(dec("150")) {
		t.Fatalf("reduction must not change average cost: %s @ %s", pos.Qty, pos.AvgCost)
	}
}

func TestSellToZeroRemovesPosition(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{
		ID:   "pf-1",
		Cash: dec("0"),
		Positions: map[string]*domain.Position{
			"AAPL": {PortfolioID: "pf-1", Symbol: "AAPL", Qty: dec("100"), AvgCost: dec("150")},
		},
	})
	order := seedOrder(t, st, domain.SideSell, "100")

	if err := r.ApplyExecution(ctx, order, exec(order, "100", "155")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pf, _ := st.GetPortfolio(ctx, "pf-1")
	if _, ok := pf.Positions["AAPL"]; ok {
		t.Fatal("position should be removed at exactly zero")
	}
	if !pf.RealizedPnL.Equal(dec("500")) {
		t.Fatalf("expected realized PnL 500, got %s", pf.RealizedPnL)
	}
	if !pf.Cash.Equal(dec("15500")) {
		t.Fatalf("expected cash 15500, got %s", pf.Cash)
	}
}

func TestSellFlipsThroughZero(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{
		ID:   "pf-1",
		Cash: dec("0"),
		Positions: map[string]*domain.Position{
			"AAPL": {PortfolioID: "pf-1", Symbol: "AAPL", Qty: dec("10"), AvgCost: dec("150")},
		},
	})
	order := seedOrder(t, st, domain.SideSell, "25")

	if err := r.ApplyExecution(ctx, order, exec(order, "25", "140")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pf, _ := st.GetPortfolio(ctx, "pf-1")
	pos := pf.Positions["AAPL"]
	if pos == nil {
		t.Fatal("expected a short position after the flip")
	}
	if !pos.Qty.Equal(dec("-15")) || !pos.AvgCost.Equal(dec("140")) {
		t.Fatalf("expected short 15 @ 140, got %s @ %s", pos.Qty, pos.AvgCost)
	}
	// Closed 10 long at 140 against a 150 cost.
	if !pf.RealizedPnL.Equal(dec("-100")) {
		t.Fatalf("expected realized PnL -100, got %s", pf.RealizedPnL)
	}
}

func TestCommissionAndFeesDebitCash(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()
	seedPortfolio(t, st, &domain.Portfolio{ID: "pf-1", Cash: dec("10000")})
	order := seedOrder(t, st, domain.SideBuy, "10")

	ex := exec(order, "10", "100")
	ex.Commission = dec("1.50")
	ex.Fees = dec("0.25")
	if err := r.ApplyExecution(ctx, order, ex); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pf, _ := st.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("8998.25")) {
		t.Fatalf("expected cash 8998.25, got %s", pf.Cash)
	}
}
