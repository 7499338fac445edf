package util

import (
	"time"
)

// US equity regular session bounds, in exchange-local time.
const (
	sessionOpenHour   = 9
	sessionOpenMinute = 30
	sessionCloseHour  = 16
)

// TradingCalendar provides market-hours awareness for the US equity regular
// session (NYSE/Nasdaq 9:30-16:00 ET, weekdays). Exchange holidays are not
// modelled; the broker rejects orders on closed days anyway.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar. It resolves the
// America/New_York timezone, falling back to UTC when tzdata is unavailable.
func NewTradingCalendar() *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &TradingCalendar{loc: loc}
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	lt := t.In(tc.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), sessionOpenHour, sessionOpenMinute, 0, 0, tc.loc)
	cls := time.Date(lt.Year(), lt.Month(), lt.Day(), sessionCloseHour, 0, 0, 0, tc.loc)
	return !lt.Before(open) && lt.Before(cls)
}

// SessionClose returns the close of the session containing t, or of the next
// weekday session when t falls after hours or on a weekend.
func (tc *TradingCalendar) SessionClose(t time.Time) time.Time {
	lt := t.In(tc.loc)
	cls := time.Date(lt.Year(), lt.Month(), lt.Day(), sessionCloseHour, 0, 0, 0, tc.loc)
	for !cls.After(lt) || cls.Weekday() == time.Saturday || cls.Weekday() == time.Sunday {
		cls = cls.AddDate(0, 0, 1)
	}
	return cls
}

// SessionRemaining returns how much of the session containing t is left.
// Outside market hours it returns zero.
func (tc *TradingCalendar) SessionRemaining(t time.Time) time.Duration {
	if !tc.IsMarketOpen(t) {
		return 0
	}
	return tc.SessionClose(t).Sub(t)
}
