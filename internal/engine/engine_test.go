package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/audit"
	"tradeflow/internal/broker"
	"tradeflow/internal/domain"
	"tradeflow/internal/marketdata"
	"tradeflow/internal/store"
)

func newTestEngine(t *testing.T, cfg Config, pf *domain.Portfolio, prices map[string]decimal.Decimal) (*Engine, *broker.Simulator, *audit.MemorySink) {
	t.Helper()
	if pf.Positions == nil {
		pf.Positions = make(map[string]*domain.Position)
	}
	st := store.NewMemoryStore()
	if err := st.SavePortfolio(context.Background(), pf); err != nil {
		t.Fatalf("seeding portfolio: %v", err)
	}
	if cfg.PollRatePerMinute == 0 {
		cfg.PollRatePerMinute = 600000
	}
	sim := broker.NewSimulator(prices)
	sink := audit.NewMemorySink()
	e := New(cfg, st, sim, marketdata.NewStatic(prices), sink)
	t.Cleanup(e.Close)
	return e, sim, sink
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitStatus(t *testing.T, e *Engine, orderID string, want domain.OrderStatus) *domain.Order {
	t.Helper()
	var got *domain.Order
	waitFor(t, "order "+orderID+" to reach "+string(want), func() bool {
		o, err := e.GetOrder(context.Background(), orderID)
		if err != nil {
			t.Fatalf("loading order: %v", err)
		}
		got = o
		return o.Status == want
	})
	return got
}

func prices(pairs ...string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for i := 0; i < len(pairs); i += 2 {
		out[pairs[i]] = dec(pairs[i+1])
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation and admission
// ---------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "150"))
	ctx := context.Background()

	tests := []struct {
		name   string
		intent domain.OrderIntent
	}{
		{"missing portfolio", domain.OrderIntent{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: dec("1")}},
		{"missing symbol", domain.OrderIntent{PortfolioID: "pf-1", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: dec("1")}},
		{"bad side", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: "hold", Type: domain.OrderTypeMarket, Qty: dec("1")}},
		{"bad type", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: "trailing", Qty: dec("1")}},
		{"zero qty", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: decimal.Zero}},
		{"negative qty", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: dec("-5")}},
		{"limit without price", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Qty: dec("1")}},
		{"stop without price", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeStop, Qty: dec("1")}},
		{"bad tif", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: dec("1"), TimeInForce: "gtd"}},
		{"bad strategy", domain.OrderIntent{PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Qty: dec("1"), Strategy: "sniper"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(ctx, &tt.intent)
			if domain.KindOf(err) != domain.ErrKindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	orders, err := e.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		t.Fatalf("listing orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("malformed intents must not persist orders, found %d", len(orders))
	}
}

func TestSubmitInsufficientFunds(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("5000", domain.RiskLimits{}), prices("AAPL", "150"))
	ctx := context.Background()

	_, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("100"),
	})
	if domain.KindOf(err) != domain.ErrKindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	orders, _ := e.ListOrders(ctx, store.OrderFilter{})
	if len(orders) != 1 || orders[0].Status != domain.StatusRejected {
		t.Fatalf("expected one rejected order, got %+v", orders)
	}
	children, _ := e.ListChildren(ctx, orders[0].ID)
	if len(children) != 0 {
		t.Fatalf("rejected order must have no child plan, got %d", len(children))
	}

	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("5000")) {
		t.Fatalf("rejection must not touch cash, got %s", pf.Cash)
	}
}

func TestSubmitRiskRejectionAudited(t *testing.T) {
	e, _, sink := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{MaxPositionPct: dec("0.01")}),
		prices("AAPL", "150"))
	ctx := context.Background()

	_, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("100"),
	})
	if domain.KindOf(err) != domain.ErrKindRiskViolation {
		t.Fatalf("expected risk violation, got %v", err)
	}
	if len(sink.ByAction("order.rejected")) != 1 {
		t.Fatal("expected an order.rejected audit event")
	}
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

func TestMarketOrderFullFill(t *testing.T) {
	e, _, sink := newTestEngine(t, Config{CommissionPerShare: dec("0.01")},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "150.25"))
	ctx := context.Background()

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Strategy != domain.StrategyMarket {
		t.Fatalf("expected market strategy, got %s", order.Strategy)
	}

	final := waitStatus(t, e, order.ID, domain.StatusFilled)
	if !final.FilledQty.Equal(dec("10")) || !final.AvgFillPrice.Equal(dec("150.25")) {
		t.Fatalf("unexpected fill: %s @ %s", final.FilledQty, final.AvgFillPrice)
	}

	pf, _ := e.GetPortfolio(ctx, "pf-1")
	// 100000 - 10*150.25 - 10*0.01 commission
	if !pf.Cash.Equal(dec("98497.40")) {
		t.Fatalf("expected cash 98497.40, got %s", pf.Cash)
	}
	pos := pf.Positions["AAPL"]
	if pos == nil || !pos.Qty.Equal(dec("10")) || !pos.AvgCost.Equal(dec("150.25")) {
		t.Fatalf("unexpected position: %+v", pos)
	}

	execs, _ := e.ListExecutions(ctx, order.ID)
	if len(execs) != 1 || execs[0].Venue != "simulator" {
		t.Fatalf("unexpected executions: %+v", execs)
	}

	for _, action := range []string{"order.created", "order.submitted", "child.dispatched", "fill.applied", "child.completed"} {
		if len(sink.ByAction(action)) == 0 {
			t.Fatalf("missing audit action %s", action)
		}
	}
}

func TestTWAPOrderCarriesStrategy(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "150"))
	ctx := context.Background()

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
		Strategy: domain.StrategyTWAP, Duration: time.Minute,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitStatus(t, e, order.ID, domain.StatusFilled)
	if final.Strategy != domain.StrategyTWAP {
		t.Fatalf("expected twap, got %s", final.Strategy)
	}
	children, _ := e.ListChildren(ctx, order.ID)
	if len(children) != 1 {
		t.Fatalf("one-minute window plans one slice, got %d", len(children))
	}
}

func TestIcebergSequentialChildren(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "50"))
	ctx := context.Background()

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("100"),
		Strategy: domain.StrategyIceberg, DisplayQty: dec("30"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitStatus(t, e, order.ID, domain.StatusFilled)
	if !final.AvgFillPrice.Equal(dec("50")) {
		t.Fatalf("expected average 50, got %s", final.AvgFillPrice)
	}

	children, _ := e.ListChildren(ctx, order.ID)
	if len(children) != 4 {
		t.Fatalf("expected 4 slices, got %d", len(children))
	}
	wantQty := []string{"30", "30", "30", "10"}
	for i, c := range children {
		if !c.Qty.Equal(dec(wantQty[i])) {
			t.Fatalf("slice %d: expected qty %s, got %s", i, wantQty[i], c.Qty)
		}
		if c.Status != domain.StatusFilled {
			t.Fatalf("slice %d: expected filled, got %s", i, c.Status)
		}
	}

	execs, _ := e.ListExecutions(ctx, order.ID)
	if len(execs) != 4 {
		t.Fatalf("expected 4 executions, got %d", len(execs))
	}
	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("95000")) {
		t.Fatalf("expected cash 95000, got %s", pf.Cash)
	}
}

func TestPartialFillThenDeadline(t *testing.T) {
	e, sim, _ := newTestEngine(t, Config{MaxChildWait: 40 * time.Millisecond},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "10"))
	ctx := context.Background()

	sim.Script("AAPL", broker.FillScript{Qty: dec("30")})

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("100"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The child's unfilled remainder is cancelled at the deadline; the
	// parent keeps what filled.
	waitFor(t, "child to resolve", func() bool {
		children, _ := e.ListChildren(ctx, order.ID)
		return len(children) == 1 && children[0].Status == domain.StatusCancelled
	})

	final, _ := e.GetOrder(ctx, order.ID)
	if final.Status != domain.StatusPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", final.Status)
	}
	if !final.FilledQty.Equal(dec("30")) {
		t.Fatalf("expected 30 filled, got %s", final.FilledQty)
	}

	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("99700")) {
		t.Fatalf("expected cash 99700, got %s", pf.Cash)
	}
	if !pf.Positions["AAPL"].Qty.Equal(dec("30")) {
		t.Fatalf("expected position 30, got %s", pf.Positions["AAPL"].Qty)
	}
}

func TestBrokerRejectFailsOrder(t *testing.T) {
	e, sim, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "100"))
	ctx := context.Background()

	sim.Script("AAPL", broker.FillScript{Reject: true})

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("5"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitStatus(t, e, order.ID, domain.StatusRejected)

	children, _ := e.ListChildren(ctx, order.ID)
	if len(children) != 1 || children[0].Status != domain.StatusRejected {
		t.Fatalf("expected one rejected child, got %+v", children)
	}

	select {
	case err := <-e.Errors():
		if domain.KindOf(err) != domain.ErrKindBrokerSubmission {
			t.Fatalf("expected broker submission error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error surfaced on the error channel")
	}

	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("100000")) {
		t.Fatalf("rejected order must not touch cash, got %s", pf.Cash)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelBeforeFill(t *testing.T) {
	e, sim, sink := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "100"))
	ctx := context.Background()

	sim.Script("AAPL", broker.FillScript{Delay: time.Minute})

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Make sure the child reached the broker before cancelling.
	waitFor(t, "child dispatch", func() bool {
		children, _ := e.ListChildren(ctx, order.ID)
		return len(children) == 1 && children[0].BrokerOrderID != ""
	})

	if err := e.Cancel(ctx, order.ID, "trader-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, _ := e.GetOrder(ctx, order.ID)
	if final.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if !final.FilledQty.IsZero() {
		t.Fatalf("nothing should have filled, got %s", final.FilledQty)
	}
	if final.CancelledAt.IsZero() {
		t.Fatal("CancelledAt not set")
	}

	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("100000")) {
		t.Fatalf("cancel must not touch cash, got %s", pf.Cash)
	}

	reqs := sink.ByAction("order.cancel_requested")
	if len(reqs) != 1 || reqs[0].Actor != "trader-1" {
		t.Fatalf("expected a cancel request audited for trader-1, got %+v", reqs)
	}
	if len(sink.ByAction("order.cancelled")) != 1 {
		t.Fatal("expected an order.cancelled audit event")
	}
}

func TestCancelTerminalOrderFails(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "100"))
	ctx := context.Background()

	order, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStatus(t, e, order.ID, domain.StatusFilled)

	if err := e.Cancel(ctx, order.ID, "trader-1"); err == nil {
		t.Fatal("cancelling a filled order must fail")
	}
	final, _ := e.GetOrder(ctx, order.ID)
	if final.Status != domain.StatusFilled {
		t.Fatalf("cancel of terminal order mutated status to %s", final.Status)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "100"))

	if err := e.Cancel(context.Background(), "no-such-order", "trader-1"); err != domain.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Daily notional accounting
// ---------------------------------------------------------------------------

func TestDailyCapAcrossOrders(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{DailyNotionalCap: dec("2000")}),
		prices("AAPL", "150"))
	ctx := context.Background()

	first, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	waitStatus(t, e, first.ID, domain.StatusFilled)

	// 1500 executed today; another 1500 breaches the 2000 cap.
	_, err = e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("10"),
	})
	if domain.KindOf(err) != domain.ErrKindRiskViolation {
		t.Fatalf("expected daily cap violation, got %v", err)
	}
}

func TestDailyCapConcurrentAdmission(t *testing.T) {
	e, sim, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{DailyNotionalCap: dec("2000")}),
		prices("AAPL", "150"))
	ctx := context.Background()

	// Keep fills pending so the reservation alone must arbitrate.
	sim.Script("AAPL",
		broker.FillScript{Delay: time.Minute},
		broker.FillScript{Delay: time.Minute})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Submit(ctx, &domain.OrderIntent{
				PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
				Type: domain.OrderTypeMarket, Qty: dec("10"),
			})
		}(i)
	}
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		if domain.KindOf(err) == domain.ErrKindRiskViolation {
			rejected++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("exactly one of two concurrent 1500-notional orders should breach the 2000 cap, got %d rejections", rejected)
	}
}

func TestBuyingPowerHeldAcrossInFlightOrders(t *testing.T) {
	e, sim, _ := newTestEngine(t, Config{},
		cashPortfolio("10000", domain.RiskLimits{}), prices("AAPL", "100"))
	ctx := context.Background()

	// Fills land after a delay, so the first order's cash debit has not
	// settled when the second one asks for admission.
	sim.Script("AAPL", broker.FillScript{Delay: 30 * time.Millisecond})

	first, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("90"),
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err = e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("90"),
	})
	if domain.KindOf(err) != domain.ErrKindInsufficientFunds {
		t.Fatalf("second 9000 buy admitted against cash already spoken for: %v", err)
	}

	waitStatus(t, e, first.ID, domain.StatusFilled)
	pf, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("1000")) {
		t.Fatalf("expected cash 1000 after one 9000 fill, got %s", pf.Cash)
	}

	// The settled order released its hold; the remaining cash admits a
	// smaller buy.
	third, err := e.Submit(ctx, &domain.OrderIntent{
		PortfolioID: "pf-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("9"),
	})
	if err != nil {
		t.Fatalf("buy within settled cash rejected: %v", err)
	}
	waitStatus(t, e, third.ID, domain.StatusFilled)
	pf, _ = e.GetPortfolio(ctx, "pf-1")
	if !pf.Cash.Equal(dec("100")) {
		t.Fatalf("expected cash 100 after both fills, got %s", pf.Cash)
	}
}

func TestCancelSerializedWithFinalFill(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{},
		cashPortfolio("100000", domain.RiskLimits{}), prices("AAPL", "100"))
	ctx := context.Background()

	// An order with no dispatcher, as after a fill finished while the cancel
	// request was in flight.
	order := &domain.Order{
		ID:          uuid.NewString(),
		PortfolioID: "pf-1",
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeMarket,
		Qty:         dec("10"),
		TimeInForce: domain.TIFDay,
		Status:      domain.StatusSubmitted,
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("seeding order: %v", err)
	}

	// Hold the reconciler's order lock the way an in-flight fill would,
	// start the cancel, then land the final fill before releasing.
	unlock := e.recon.orderLocks.Lock(order.ID)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Cancel(ctx, order.ID, "trader-1")
	}()
	time.Sleep(20 * time.Millisecond)

	order.Status = domain.StatusFilled
	order.FilledQty = order.Qty
	order.AvgFillPrice = dec("100")
	order.FilledAt = time.Now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		t.Fatalf("updating order: %v", err)
	}
	unlock()

	if err := <-errCh; domain.KindOf(err) != domain.ErrKindValidation {
		t.Fatalf("cancel racing a final fill must fail, got %v", err)
	}
	final, _ := e.GetOrder(ctx, order.ID)
	if final.Status != domain.StatusFilled {
		t.Fatalf("cancel overwrote a concurrent fill, status %s", final.Status)
	}
}

// ---------------------------------------------------------------------------
// Restart resume
// ---------------------------------------------------------------------------

func TestResumePersistedOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pf := cashPortfolio("100000", domain.RiskLimits{})
	if err := st.SavePortfolio(ctx, pf); err != nil {
		t.Fatalf("seeding portfolio: %v", err)
	}

	sim := broker.NewSimulator(prices("AAPL", "100"))
	sim.Script("AAPL", broker.FillScript{Delay: 20 * time.Millisecond})

	// An order a previous process left SUBMITTED: the first child already at
	// the broker, the second never dispatched.
	order := &domain.Order{
		ID:          uuid.NewString(),
		PortfolioID: "pf-1",
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeMarket,
		Qty:         dec("10"),
		TimeInForce: domain.TIFDay,
		Strategy:    domain.StrategyMarket,
		Status:      domain.StatusSubmitted,
		CreatedAt:   time.Now(),
		SubmittedAt: time.Now(),
	}
	child1 := domain.ChildOrder{
		ID: uuid.NewString(), ParentID: order.ID, Seq: 0,
		Qty: dec("6"), Status: domain.StatusSubmitted,
	}
	brokerID, err := sim.SubmitChild(ctx, broker.ChildSpec{
		ClientOrderID: child1.ID, Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: dec("6"), TimeInForce: domain.TIFDay,
	})
	if err != nil {
		t.Fatalf("pre-submitting child: %v", err)
	}
	child1.BrokerOrderID = brokerID
	child2 := domain.ChildOrder{
		ID: uuid.NewString(), ParentID: order.ID, Seq: 1,
		Qty: dec("4"), Status: domain.StatusPending,
	}
	if err := st.SaveOrder(ctx, order); err != nil {
		t.Fatalf("seeding order: %v", err)
	}
	if err := st.SaveChildren(ctx, []domain.ChildOrder{child1, child2}); err != nil {
		t.Fatalf("seeding children: %v", err)
	}

	e := New(Config{PollRatePerMinute: 600000}, st, sim,
		marketdata.NewStatic(prices("AAPL", "100")), audit.NewMemorySink())
	t.Cleanup(e.Close)

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	final := waitStatus(t, e, order.ID, domain.StatusFilled)
	if !final.FilledQty.Equal(dec("10")) {
		t.Fatalf("expected full fill after resume, got %s", final.FilledQty)
	}

	pf2, _ := e.GetPortfolio(ctx, "pf-1")
	if !pf2.Cash.Equal(dec("99000")) {
		t.Fatalf("expected cash debited once to 99000, got %s", pf2.Cash)
	}
	execs, err := e.ListExecutions(ctx, order.ID)
	if err != nil {
		t.Fatalf("listing executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected one execution per child, got %d", len(execs))
	}

	children, _ := e.ListChildren(ctx, order.ID)
	for _, c := range children {
		if c.Status != domain.StatusFilled {
			t.Fatalf("child %d not filled after resume: %s", c.Seq, c.Status)
		}
	}
}
