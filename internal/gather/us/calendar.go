package us

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"barvault/internal/domain"
	"barvault/internal/util"
)

// CalendarAPI is the part of the Alpaca trading client the calendar uses.
type CalendarAPI interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

var _ CalendarAPI = (*alpaca.Client)(nil)

// Calendar resolves US trading days from the Alpaca trading calendar and
// falls back to the rule-based NYSE calendar when the API is unavailable.
type Calendar struct {
	api      CalendarAPI // may be nil
	fallback *util.TradingCalendar
	et       *time.Location
	log      *slog.Logger
	now      func() time.Time
}

// NewCalendar creates a Calendar. A nil api uses the offline rules only.
func NewCalendar(api CalendarAPI, log *slog.Logger) (*Calendar, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Calendar{
		api:      api,
		fallback: util.NewTradingCalendar(domain.MarketUS),
		et:       et,
		log:      log.With("component", "calendar"),
		now:      time.Now,
	}, nil
}

// TradingDays returns every trading day in r in ascending order.
func (c *Calendar) TradingDays(ctx context.Context, r domain.DateRange) []time.Time {
	if r.End.Before(r.Start) {
		return nil
	}
	if c.api == nil {
		return c.fallback.TradingDays(r)
	}
	days, err := c.apiDays(ctx, r)
	if err != nil {
		c.log.Warn("trading calendar API failed, using weekday/holiday rules",
			"range", r.String(), "error", err)
		return c.fallback.TradingDays(r)
	}
	return days
}

// CountTradingDays returns the number of trading days in r using the offline
// rules. The planner calls it for every candidate chunk.
func (c *Calendar) CountTradingDays(r domain.DateRange) int {
	return c.fallback.CountTradingDays(r)
}

// LatestFinishedTradingDay returns the most recent trading day whose market
// session has ended (i.e. after 20:05 ET to account for extended hours data
// settling).
func (c *Calendar) LatestFinishedTradingDay(ctx context.Context) (time.Time, error) {
	now := c.now().In(c.et)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, c.et)

	days := c.TradingDays(ctx, domain.DateRange{Start: today.AddDate(0, 0, -10), End: today})
	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if d.Equal(today) && !now.After(cutoff) {
			continue
		}
		return d, nil
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}

func (c *Calendar) apiDays(ctx context.Context, r domain.DateRange) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	calendar, err := c.api.GetCalendar(alpaca.GetCalendarRequest{
		Start: r.Start,
		End:   r.End,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	days := make([]time.Time, 0, len(calendar))
	for _, day := range calendar {
		d, err := domain.ParseDate(day.Date)
		if err != nil {
			return nil, err
		}
		if r.Contains(d) {
			days = append(days, d)
		}
	}
	return days, nil
}
