package util

import (
	"time"

	"barvault/internal/domain"
)

// TradingCalendar provides trading-day awareness for a market. For the US it
// knows weekends and the NYSE full-day holiday rules; it is the offline
// fallback when the broker calendar API is unavailable.
type TradingCalendar struct {
	market domain.Market
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{
		market: market,
	}
}

// IsTradingDay reports whether the market holds a regular session on the
// calendar date of t.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := domain.Day(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if tc.market != domain.MarketUS {
		return true
	}
	return !isNYSEHoliday(d)
}

// TradingDays returns every trading day in the inclusive range.
func (tc *TradingCalendar) TradingDays(r domain.DateRange) []time.Time {
	var days []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// CountTradingDays returns len(TradingDays(r)) without allocating.
func (tc *TradingCalendar) CountTradingDays(r domain.DateRange) int {
	n := 0
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			n++
		}
	}
	return n
}

// isNYSEHoliday reports whether d (midnight UTC) is an NYSE full-day holiday.
func isNYSEHoliday(d time.Time) bool {
	y := d.Year()
	holidays := []time.Time{
		observed(date(y, time.January, 1)),
		nthWeekday(y, time.January, time.Monday, 3),  // MLK Day
		nthWeekday(y, time.February, time.Monday, 3), // Presidents' Day
		easter(y).AddDate(0, 0, -2),                  // Good Friday
		lastWeekday(y, time.May, time.Monday),        // Memorial Day
		observed(date(y, time.July, 4)),
		nthWeekday(y, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(y, time.November, time.Thursday, 4), // Thanksgiving
		observed(date(y, time.December, 25)),
	}
	if y >= 2022 {
		holidays = append(holidays, observed(date(y, time.June, 19)))
	}
	for _, h := range holidays {
		if h.Equal(d) {
			return true
		}
	}
	return false
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// observed shifts a Saturday holiday to Friday and a Sunday holiday to
// Monday. A Saturday New Year's Day is not observed.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		if d.Month() == time.January && d.Day() == 1 {
			return time.Time{}
		}
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int) time.Time {
	d := date(y, m, 1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(y int, m time.Month, wd time.Weekday) time.Time {
	d := date(y, m+1, 1).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// easter returns Easter Sunday (anonymous Gregorian algorithm).
func easter(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(y, time.Month(month), day)
}
