package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradeflow/internal/domain"
	"tradeflow/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// Bounded backoff for idempotent status reads.
const (
	statusRetryAttempts = 3
	statusRetryBase     = 250 * time.Millisecond
)

// AlpacaGateway implements Gateway against the Alpaca trading API.
type AlpacaGateway struct {
	client *alpaca.Client
}

// NewAlpacaGateway creates an AlpacaGateway with the given credentials and
// API endpoint (paper or live).
func NewAlpacaGateway(apiKey, apiSecret, baseURL string) *AlpacaGateway {
	return &AlpacaGateway{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string { return "alpaca" }

// SubmitChild places the child order. Never retried here: Alpaca dedupes on
// the client order ID, so a timed-out submission is resolved by the caller
// polling rather than resubmitting.
func (g *AlpacaGateway) SubmitChild(ctx context.Context, spec ChildSpec) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &spec.Qty,
		Side:          alpacaSide(spec.Side),
		Type:          alpacaType(spec.Type),
		TimeInForce:   alpacaTIF(spec.TimeInForce),
		ClientOrderID: spec.ClientOrderID,
	}
	if !spec.LimitPrice.IsZero() {
		limit := spec.LimitPrice
		req.LimitPrice = &limit
	}
	if !spec.StopPrice.IsZero() {
		stop := spec.StopPrice
		req.StopPrice = &stop
	}

	order, err := g.client.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("PlaceOrder %s %s %s: %w", spec.Side, spec.Qty, spec.Symbol, err)
	}
	return order.ID, nil
}

// GetStatus reads the broker's view of the child order, retrying transient
// failures with bounded exponential backoff.
func (g *AlpacaGateway) GetStatus(ctx context.Context, brokerOrderID string) (ChildStatus, error) {
	var order *alpaca.Order
	err := util.Retry(ctx, statusRetryAttempts, statusRetryBase, func() error {
		var gerr error
		order, gerr = g.client.GetOrder(brokerOrderID)
		return gerr
	})
	if err != nil {
		return ChildStatus{}, fmt.Errorf("GetOrder %s: %w", brokerOrderID, err)
	}

	st := ChildStatus{
		Status:    mapAlpacaStatus(order.Status),
		FilledQty: order.FilledQty,
	}
	if order.FilledAvgPrice != nil {
		st.AvgFillPrice = *order.FilledAvgPrice
	}
	return st, nil
}

// Cancel requests cancellation of the child order.
func (g *AlpacaGateway) Cancel(ctx context.Context, brokerOrderID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := g.client.CancelOrder(brokerOrderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetAccount returns the Alpaca account snapshot.
func (g *AlpacaGateway) GetAccount(ctx context.Context) (*AccountSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	acct, err := g.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return &AccountSnapshot{
		ID:          acct.ID,
		Cash:        acct.Cash,
		Equity:      acct.Equity,
		BuyingPower: acct.BuyingPower,
	}, nil
}

// ---------------------------------------------------------------------------
// Type mapping
// ---------------------------------------------------------------------------

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpaca.Limit
	case domain.OrderTypeStop:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func alpacaTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TIFGTC:
		return alpaca.GTC
	case domain.TIFIOC:
		return alpaca.IOC
	case domain.TIFFOK:
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

// mapAlpacaStatus folds Alpaca's order statuses onto the engine's state
// machine.
func mapAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.StatusFilled
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "canceled", "expired", "done_for_day", "pending_cancel":
		return domain.StatusCancelled
	case "rejected", "stopped", "suspended":
		return domain.StatusRejected
	default:
		// new, accepted, pending_new, calculated, accepted_for_bidding.
		return domain.StatusSubmitted
	}
}
