package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*Simulator)(nil)

// FillScript describes how the simulator should handle one submitted child
// for a symbol. Scripts are consumed in submission order; once exhausted the
// simulator falls back to immediate full fills at the reference price.
type FillScript struct {
	Qty    decimal.Decimal // filled quantity; less than the child qty = partial
	Price  decimal.Decimal // fill price; zero = reference price
	Reject bool            // fail the submission outright
	Delay  time.Duration   // time until the fill becomes visible to GetStatus
}

// Simulator implements Gateway in memory for paper trading and tests.
// Reference prices seed default fills; per-symbol scripts drive partial
// fills, rejects, and delayed fills.
type Simulator struct {
	account AccountSnapshot

	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	scripts map[string][]FillScript
	orders  map[string]*simOrder
	byKey   map[string]string // ClientOrderID → broker order ID
}

type simOrder struct {
	spec      ChildSpec
	fillQty   decimal.Decimal
	fillPrice decimal.Decimal
	visibleAt time.Time
	cancelled bool
}

// NewSimulator creates a Simulator with the given reference prices.
func NewSimulator(prices map[string]decimal.Decimal) *Simulator {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &Simulator{
		account: AccountSnapshot{ID: "sim-account"},
		prices:  prices,
		scripts: make(map[string][]FillScript),
		orders:  make(map[string]*simOrder),
		byKey:   make(map[string]string),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// Script queues fill behaviour for subsequent submissions on symbol.
func (s *Simulator) Script(symbol string, fills ...FillScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[symbol] = append(s.scripts[symbol], fills...)
}

// SetPrice sets the reference price used for default fills.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetAccount sets the snapshot returned by GetAccount.
func (s *Simulator) SetAccount(acct AccountSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = acct
}

// SubmitChild records the child and schedules its scripted fill. Resubmitting
// the same ClientOrderID returns the original broker order ID.
func (s *Simulator) SubmitChild(ctx context.Context, spec ChildSpec) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.ClientOrderID != "" {
		if id, ok := s.byKey[spec.ClientOrderID]; ok {
			return id, nil
		}
	}

	script := s.nextScript(spec.Symbol)
	if script.Reject {
		return "", fmt.Errorf("simulator: order for %s rejected by script", spec.Symbol)
	}

	fillQty := script.Qty
	if fillQty.IsZero() {
		fillQty = spec.Qty
	}
	if fillQty.GreaterThan(spec.Qty) {
		fillQty = spec.Qty
	}

	fillPrice := script.Price
	if fillPrice.IsZero() {
		ref, ok := s.prices[spec.Symbol]
		switch {
		case ok:
			fillPrice = ref
		case !spec.LimitPrice.IsZero():
			fillPrice = spec.LimitPrice
		default:
			return "", fmt.Errorf("simulator: no reference price for %s", spec.Symbol)
		}
	}

	id := uuid.NewString()
	s.orders[id] = &simOrder{
		spec:      spec,
		fillQty:   fillQty,
		fillPrice: fillPrice,
		visibleAt: time.Now().Add(script.Delay),
	}
	if spec.ClientOrderID != "" {
		s.byKey[spec.ClientOrderID] = id
	}
	return id, nil
}

// nextScript pops the next queued script for symbol, or returns a zero
// script (immediate full fill) when none is queued. Caller holds s.mu.
func (s *Simulator) nextScript(symbol string) FillScript {
	queue := s.scripts[symbol]
	if len(queue) == 0 {
		return FillScript{}
	}
	script := queue[0]
	s.scripts[symbol] = queue[1:]
	return script
}

// GetStatus reports the child's simulated state.
func (s *Simulator) GetStatus(ctx context.Context, brokerOrderID string) (ChildStatus, error) {
	if ctx.Err() != nil {
		return ChildStatus{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return ChildStatus{}, fmt.Errorf("simulator: unknown order %s", brokerOrderID)
	}

	if o.cancelled {
		return ChildStatus{Status: domain.StatusCancelled, FilledQty: decimal.Zero}, nil
	}
	if time.Now().Before(o.visibleAt) {
		return ChildStatus{Status: domain.StatusSubmitted, FilledQty: decimal.Zero}, nil
	}

	st := ChildStatus{FilledQty: o.fillQty, AvgFillPrice: o.fillPrice}
	if o.fillQty.Equal(o.spec.Qty) {
		st.Status = domain.StatusFilled
	} else {
		st.Status = domain.StatusPartiallyFilled
	}
	return st, nil
}

// Cancel marks an unfilled or partially filled child as cancelled. A child
// whose fill is already visible and complete stays filled.
func (s *Simulator) Cancel(ctx context.Context, brokerOrderID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("simulator: unknown order %s", brokerOrderID)
	}
	if !time.Now().Before(o.visibleAt) && o.fillQty.Equal(o.spec.Qty) {
		// Already fully filled; cancel is a no-op.
		return nil
	}
	if time.Now().Before(o.visibleAt) {
		// Fill not yet visible: cancel wins, nothing fills.
		o.fillQty = decimal.Zero
		o.cancelled = true
		return nil
	}
	// Partial fill stands and the remainder is cancelled. A later GetStatus
	// reports the retained quantity as a complete fill of the reduced size.
	o.spec.Qty = o.fillQty
	return nil
}

// GetAccount returns the configured account snapshot.
func (s *Simulator) GetAccount(ctx context.Context) (*AccountSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.account
	return &acct, nil
}
