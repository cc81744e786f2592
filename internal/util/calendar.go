package util

import "time"

// LME electronic session hours in UTC.
const (
	sessionOpenHour  = 1
	sessionCloseHour = 19
)

// TradingCalendar provides market-hours awareness for the LME. Every weekday
// is a trading day; exchange holidays are not modelled.
type TradingCalendar struct{}

// NewTradingCalendar creates a TradingCalendar.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{}
}

// IsTradingDay reports whether the UTC date of t is a weekday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// IsMarketOpen returns whether the session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	t = t.UTC()
	if !tc.IsTradingDay(t) {
		return false
	}
	openAt, closeAt := sessionBounds(t)
	return !t.Before(openAt) && t.Before(closeAt)
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	t = t.UTC()
	for {
		openAt, _ := sessionBounds(t)
		if tc.IsTradingDay(t) && !t.After(openAt) {
			return openAt
		}
		t = midnight(t).AddDate(0, 0, 1)
	}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	t = t.UTC()
	for {
		_, closeAt := sessionBounds(t)
		if tc.IsTradingDay(t) && !t.After(closeAt) {
			return closeAt
		}
		t = midnight(t).AddDate(0, 0, 1)
	}
}

// PrevTradingDay returns midnight UTC of the last trading day strictly
// before the date of t.
func (tc *TradingCalendar) PrevTradingDay(t time.Time) time.Time {
	d := midnight(t.UTC()).AddDate(0, 0, -1)
	for !tc.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func sessionBounds(t time.Time) (openAt, closeAt time.Time) {
	d := midnight(t)
	return d.Add(sessionOpenHour * time.Hour), d.Add(sessionCloseHour * time.Hour)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
