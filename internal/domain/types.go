// Package domain defines the core value types shared by the ingestion
// pipeline: bars, date ranges, work units, jobs, coverage and error records.
package domain

import (
	"fmt"
	"time"
	_ "time/tzdata" // session days need America/New_York on any host

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical day format used in keys, files and tables.
const DateLayout = "2006-01-02"

// Market identifies an exchange region.
type Market string

const (
	MarketUS Market = "us"
)

// Resolution is the bar interval requested from the provider.
type Resolution string

const (
	ResolutionDay    Resolution = "day"
	ResolutionMinute Resolution = "minute"
)

// BarsPerDay returns the maximum number of bars one symbol can produce in a
// single trading day at this resolution. Minute bars include the extended
// session (04:00-20:00 ET).
func (r Resolution) BarsPerDay() int {
	if r == ResolutionMinute {
		return 960
	}
	return 1
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionDay || r == ResolutionMinute
}

// Bar is a single OHLCV observation. (Symbol, Timestamp) is its natural key.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	VWAP       *decimal.Decimal // optional
	TradeCount *int64           // optional
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// marketTZ is the time zone intraday sessions are dated in.
var marketTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// SessionDay returns the trading date of a bar stamped t. Day bars carry
// their date in UTC; intraday bars belong to their New York calendar date,
// so a 19:30 ET extended-hours bar stays on its session.
func SessionDay(res Resolution, t time.Time) time.Time {
	if res == ResolutionMinute {
		return Day(t.In(marketTZ))
	}
	return Day(t)
}

// SessionBounds returns the first and last instant of bars dated within r.
func SessionBounds(res Resolution, r DateRange) (time.Time, time.Time) {
	if res != ResolutionMinute {
		return r.Start, r.End.Add(24*time.Hour - time.Nanosecond)
	}
	y, m, d := r.Start.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, marketTZ)
	y, m, d = r.End.Date()
	to := time.Date(y, m, d+1, 0, 0, 0, 0, marketTZ).Add(-time.Nanosecond)
	return from, to
}

// ParseDate parses a YYYY-MM-DD string into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a range from two instants, truncated to whole days.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// Days returns the number of calendar days in the range, or 0 when End is
// before Start.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains reports whether day t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// String renders the range as "start:end".
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ":" + r.End.Format(DateLayout)
}
