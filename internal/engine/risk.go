package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
)

// buyingPowerBuffer pads the estimated notional on buys so small market
// moves between admission and execution do not drive cash negative.
var buyingPowerBuffer = decimal.NewFromFloat(1.01)

// RiskManager performs pre-trade admission checks against portfolio limits
// and tracks notional committed by admitted orders: a daily counter per
// portfolio and UTC date, and an open counter holding the cash an admitted
// buy will consume once its fills settle. Callers must hold the portfolio
// lock across Validate and Reserve so concurrent submissions see each
// other's reservations.
type RiskManager struct {
	log *slog.Logger

	mu    sync.Mutex
	daily map[string]decimal.Decimal // portfolioID|YYYY-MM-DD -> committed notional
	open  map[string]decimal.Decimal // portfolioID -> admitted, unsettled buy notional
}

func NewRiskManager() *RiskManager {
	return &RiskManager{
		log:   slog.Default().With("component", "risk"),
		daily: make(map[string]decimal.Decimal),
		open:  make(map[string]decimal.Decimal),
	}
}

// Validate runs the admission checks in order and returns the first
// violation. estNotional is the estimated gross value of the intent at the
// current reference price.
func (rm *RiskManager) Validate(intent *domain.OrderIntent, pf *domain.Portfolio, estNotional decimal.Decimal, now time.Time) error {
	total := pf.TotalValue()
	limits := pf.Limits
	held := rm.openHeld(pf.ID)

	// Leverage. Admitted-but-unsettled orders count as exposure already.
	// Compare via multiplication so a zero-value portfolio does not divide
	// by zero.
	if limits.MaxLeverage.IsPositive() {
		exposure := pf.Invested.Add(held).Add(estNotional)
		if exposure.GreaterThan(limits.MaxLeverage.Mul(total)) {
			return domain.RiskError("max_leverage",
				"order would push gross exposure %s past %sx of portfolio value %s",
				exposure, limits.MaxLeverage, total)
		}
	}

	// Single-position size.
	if limits.MaxPositionPct.IsPositive() {
		if estNotional.GreaterThan(limits.MaxPositionPct.Mul(total)) {
			return domain.RiskError("max_position_size",
				"order notional %s exceeds %s of portfolio value %s",
				estNotional, limits.MaxPositionPct, total)
		}
	}

	// Buying power, buys only. Sells release cash rather than consume it.
	// Persisted cash is debited only as fills reconcile, so cash already
	// spoken for by admitted buys is subtracted here.
	if intent.Side == domain.SideBuy {
		available := pf.Cash.Sub(held)
		required := estNotional.Mul(buyingPowerBuffer)
		if available.LessThan(required) {
			return domain.InsufficientFundsError(
				"available cash %s below required %s (cash %s, held %s, notional %s with buffer)",
				available, required, pf.Cash, held, estNotional)
		}
	}

	// Sector concentration. Only enforceable when the symbol's sector is
	// known from an existing position; unknown sectors pass.
	if limits.MaxSectorPct.IsPositive() {
		if pos, ok := pf.Positions[intent.Symbol]; ok && pos.Sector != "" {
			exposure := pf.SectorExposure(pos.Sector).Add(estNotional)
			if exposure.GreaterThan(limits.MaxSectorPct.Mul(total)) {
				return domain.RiskError("sector_concentration",
					"sector %s exposure %s exceeds %s of portfolio value %s",
					pos.Sector, exposure, limits.MaxSectorPct, total)
			}
		}
	}

	// Daily traded volume.
	if limits.DailyNotionalCap.IsPositive() {
		used := rm.dailyUsed(pf.ID, now)
		if used.Add(estNotional).GreaterThan(limits.DailyNotionalCap) {
			rm.log.Warn("daily notional cap reached",
				"portfolio", pf.ID, "used", used, "intent", estNotional, "cap", limits.DailyNotionalCap)
			return domain.RiskError("daily_notional",
				"daily traded notional %s plus order %s exceeds cap %s",
				used, estNotional, limits.DailyNotionalCap)
		}
	}

	return nil
}

// Reserve commits notional against the portfolio's counters: the daily
// counter for either side, the open counter for buys whose cash debit has
// not settled yet. Call after Validate passes, before releasing the
// portfolio lock.
func (rm *RiskManager) Reserve(portfolioID string, side domain.Side, notional decimal.Decimal, now time.Time) {
	key := dailyKey(portfolioID, now)
	rm.mu.Lock()
	rm.daily[key] = rm.daily[key].Add(notional)
	if side == domain.SideBuy {
		rm.open[portfolioID] = rm.open[portfolioID].Add(notional)
	}
	rm.mu.Unlock()
}

// Release settles a reservation once its order is terminal, or unwinds it
// when planning fails after admission. The open counter gives back the full
// reserved amount, since executed notional is now debited from persisted
// cash; the daily counter keeps the executed share and returns the rest.
func (rm *RiskManager) Release(portfolioID string, side domain.Side, reserved, executed decimal.Decimal, now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if side == domain.SideBuy {
		rm.open[portfolioID] = clampZero(rm.open[portfolioID].Sub(reserved))
	}
	if unused := reserved.Sub(executed); unused.IsPositive() {
		key := dailyKey(portfolioID, now)
		rm.daily[key] = clampZero(rm.daily[key].Sub(unused))
	}
}

func (rm *RiskManager) dailyUsed(portfolioID string, now time.Time) decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.daily[dailyKey(portfolioID, now)]
}

func (rm *RiskManager) openHeld(portfolioID string) decimal.Decimal {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.open[portfolioID]
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func dailyKey(portfolioID string, now time.Time) string {
	return portfolioID + "|" + now.UTC().Format("2006-01-02")
}
