package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradeflow/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// profileBuckets is the number of slices a session volume curve is divided
// into: 13 half-hour buckets covering 9:30-16:00 ET.
const profileBuckets = 13

// AlpacaGateway serves prices and volume profiles from the Alpaca
// market-data API. Quotes are cached with a short TTL; derived volume curves
// are persisted to the profile store so VWAP planning survives feed outages.
type AlpacaGateway struct {
	client   *marketdata.Client
	profiles *ProfileStore
	calendar *util.TradingCalendar
	quoteTTL time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	quotes map[string]cachedQuote
}

type cachedQuote struct {
	price decimal.Decimal
	at    time.Time
}

// NewAlpacaGateway creates an AlpacaGateway with the given credentials.
// profiles may be nil to disable curve caching; quoteTTL <= 0 defaults to
// five seconds.
func NewAlpacaGateway(apiKey, apiSecret, dataURL string, profiles *ProfileStore, quoteTTL time.Duration) *AlpacaGateway {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if quoteTTL <= 0 {
		quoteTTL = 5 * time.Second
	}

	return &AlpacaGateway{
		client:   marketdata.NewClient(opts),
		profiles: profiles,
		calendar: util.NewTradingCalendar(),
		quoteTTL: quoteTTL,
		log:      slog.Default().With("component", "marketdata"),
		quotes:   make(map[string]cachedQuote),
	}
}

// CurrentPrice returns the latest trade price for symbol, serving from the
// quote cache while it is fresh.
func (g *AlpacaGateway) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	if q, ok := g.quotes[symbol]; ok && time.Since(q.at) < g.quoteTTL {
		g.mu.Unlock()
		return q.price, nil
	}
	g.mu.Unlock()

	if ctx.Err() != nil {
		return decimal.Zero, ctx.Err()
	}

	trade, err := g.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetLatestTrade %s: %w", symbol, err)
	}
	price := decimal.NewFromFloat(trade.Price)

	g.mu.Lock()
	g.quotes[symbol] = cachedQuote{price: price, at: time.Now()}
	g.mu.Unlock()

	return price, nil
}

// VolumeProfile derives the half-hour volume curve for symbol from the
// previous session's minute bars, falling back to a cached curve when the
// feed is unavailable.
func (g *AlpacaGateway) VolumeProfile(ctx context.Context, symbol string, t time.Time) ([]Bucket, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sessionClose := g.calendar.SessionClose(t)
	sessionOpen := sessionClose.Add(-6*time.Hour - 30*time.Minute)

	curve, err := g.fetchCurve(symbol, sessionOpen)
	if err != nil {
		g.log.Warn("live volume curve unavailable, trying cache", "symbol", symbol, "err", err)
		if g.profiles != nil {
			if cached, cerr := g.profiles.Read(symbol, sessionOpen); cerr == nil {
				return cached, nil
			}
		}
		return nil, err
	}

	if g.profiles != nil {
		if werr := g.profiles.Write(symbol, sessionOpen, curve); werr != nil {
			g.log.Warn("caching volume curve failed", "symbol", symbol, "err", werr)
		}
	}
	return curve, nil
}

// fetchCurve builds the normalized bucket curve from the prior session's
// minute bars, anchored at sessionOpen.
func (g *AlpacaGateway) fetchCurve(symbol string, sessionOpen time.Time) ([]Bucket, error) {
	// Look back far enough to cover a weekend plus a holiday.
	start := sessionOpen.AddDate(0, 0, -5)
	end := sessionOpen

	bars, err := g.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.NewTimeFrame(1, marketdata.Min),
		Start:     start,
		End:       end,
		Feed:      "sip",
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no minute bars for %s", symbol)
	}

	// Keep only the most recent session present in the response.
	lastDay := bars[len(bars)-1].Timestamp.Format("2006-01-02")
	volumes := make([]uint64, profileBuckets)
	var total uint64
	for _, b := range bars {
		if b.Timestamp.Format("2006-01-02") != lastDay {
			continue
		}
		idx := bucketIndex(b.Timestamp, g.calendar)
		if idx < 0 {
			continue
		}
		volumes[idx] += b.Volume
		total += b.Volume
	}
	if total == 0 {
		return nil, fmt.Errorf("zero session volume for %s", symbol)
	}

	curve := make([]Bucket, profileBuckets)
	for i, v := range volumes {
		curve[i] = Bucket{
			Start:    sessionOpen.Add(time.Duration(i) * 30 * time.Minute),
			Fraction: float64(v) / float64(total),
		}
	}
	return curve, nil
}

// bucketIndex maps a bar timestamp to its half-hour bucket within the
// regular session, or -1 when outside market hours.
func bucketIndex(ts time.Time, cal *util.TradingCalendar) int {
	if !cal.IsMarketOpen(ts) {
		return -1
	}
	open := cal.SessionClose(ts).Add(-6*time.Hour - 30*time.Minute)
	idx := int(ts.Sub(open) / (30 * time.Minute))
	if idx < 0 || idx >= profileBuckets {
		return -1
	}
	return idx
}
