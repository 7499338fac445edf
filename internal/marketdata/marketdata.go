// Package marketdata supplies current prices and intraday volume profiles
// for order-value estimation and VWAP slicing.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket is one slice of an intraday volume profile. Fraction is the share
// of the session's volume that historically trades in this bucket; fractions
// across a profile sum to 1.
type Bucket struct {
	Start    time.Time
	Fraction float64
}

// Gateway supplies the two pieces of market data the engine consumes: a
// current price for notional estimation and a volume curve for VWAP slicing.
type Gateway interface {
	// CurrentPrice returns the latest trade price for the symbol. Cached
	// quotes older than the implementation's TTL are refreshed.
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// VolumeProfile returns the intraday volume curve for the session
	// containing t, bucketed from session open to close.
	VolumeProfile(ctx context.Context, symbol string, t time.Time) ([]Bucket, error)
}

// ---------------------------------------------------------------------------
// Static gateway
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Gateway = (*Static)(nil)

// Static serves fixed prices and profiles from memory. Used in tests and as
// the paper-mode default when no data feed is configured.
type Static struct {
	Prices   map[string]decimal.Decimal
	Profiles map[string][]Bucket
}

// NewStatic creates a Static gateway with the given price table.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	return &Static{Prices: prices, Profiles: make(map[string][]Bucket)}
}

// CurrentPrice returns the configured price for symbol.
func (s *Static) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s.Prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price configured for %s", symbol)
	}
	return p, nil
}

// VolumeProfile returns the configured profile for symbol, or an error when
// none is set so callers exercise their equal-split fallback.
func (s *Static) VolumeProfile(_ context.Context, symbol string, _ time.Time) ([]Bucket, error) {
	prof, ok := s.Profiles[symbol]
	if !ok {
		return nil, fmt.Errorf("no volume profile for %s", symbol)
	}
	return prof, nil
}
