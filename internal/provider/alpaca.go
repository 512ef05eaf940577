package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"barvault/internal/domain"
)

// Compile-time interface check.
var _ Client = (*Alpaca)(nil)

// AlpacaOpts configures the Alpaca adapter.
type AlpacaOpts struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API (assets, calendar)
	DataURL   string // market-data API
	Feed      string
	// SymbolBatch is the number of symbols per multi-bar request.
	SymbolBatch int
	// MaxResults is the per-request result ceiling for FetchAggregates.
	MaxResults int
	// Exchanges are walked in order as pages of the asset listing.
	Exchanges []string
}

// Alpaca implements Client on top of the Alpaca market-data and trading APIs.
type Alpaca struct {
	data       *marketdata.Client
	trading    *alpaca.Client
	feed       marketdata.Feed
	batchSize  int
	maxResults int
	exchanges  []string
	et         *time.Location
}

// NewAlpaca creates an Alpaca adapter.
func NewAlpaca(opts AlpacaOpts) (*Alpaca, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}

	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &Alpaca{
		data: marketdata.NewClient(dataOpts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		feed:       marketdata.Feed(opts.Feed),
		batchSize:  max(opts.SymbolBatch, 1),
		maxResults: opts.MaxResults,
		exchanges:  opts.Exchanges,
		et:         et,
	}, nil
}

// Trading exposes the trading client for calendar lookups.
func (a *Alpaca) Trading() *alpaca.Client { return a.trading }

// FetchGroupedDaily fetches one day of daily bars for all symbols, issuing
// one multi-bar request per symbol batch in the order given.
func (a *Alpaca) FetchGroupedDaily(ctx context.Context, date time.Time, symbols []string) ([]domain.Bar, error) {
	day := domain.Day(date)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, a.et)
	end := start.AddDate(0, 0, 1).Add(-time.Second)

	var bars []domain.Bar
	for i := 0; i < len(symbols); i += a.batchSize {
		batch := symbols[i:min(i+a.batchSize, len(symbols))]

		var multi map[string][]marketdata.Bar
		err := callWithContext(ctx, func() error {
			var err error
			multi, err = a.data.GetMultiBars(batch, marketdata.GetBarsRequest{
				TimeFrame: marketdata.OneDay,
				Start:     start,
				End:       end,
				Feed:      a.feed,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("GetMultiBars %s batch %d: %w", day.Format(domain.DateLayout), i/a.batchSize, classify(err))
		}
		for symbol, abs := range multi {
			for _, ab := range abs {
				bars = append(bars, a.toBar(symbol, ab, domain.ResolutionDay))
			}
		}
	}
	return bars, nil
}

// FetchAggregates fetches bars for one symbol over [from, to] (whole ET
// days). A result count reaching MaxResults is reported as
// ErrCapacityExceeded since the response may be truncated.
func (a *Alpaca) FetchAggregates(ctx context.Context, symbol string, res domain.Resolution, from, to time.Time) ([]domain.Bar, error) {
	tf := marketdata.OneDay
	if res == domain.ResolutionMinute {
		tf = marketdata.OneMin
	}
	f, t := domain.Day(from), domain.Day(to)
	start := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, a.et)
	end := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, a.et)

	req := marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      a.feed,
	}
	if a.maxResults > 0 {
		req.TotalLimit = a.maxResults
	}

	var abs []marketdata.Bar
	err := callWithContext(ctx, func() error {
		var err error
		abs, err = a.data.GetBars(symbol, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, classify(err))
	}
	if a.maxResults > 0 && len(abs) >= a.maxResults {
		return nil, fmt.Errorf("GetBars %s %s..%s returned %d bars: %w",
			symbol, f.Format(domain.DateLayout), t.Format(domain.DateLayout), len(abs), ErrCapacityExceeded)
	}

	bars := make([]domain.Bar, 0, len(abs))
	for _, ab := range abs {
		bars = append(bars, a.toBar(symbol, ab, res))
	}
	return bars, nil
}

// ListAssets returns the active US equities listed on one exchange. The
// cursor is the exchange to fetch; pages follow the configured order.
func (a *Alpaca) ListAssets(ctx context.Context, cursor string) (AssetPage, error) {
	if len(a.exchanges) == 0 {
		return AssetPage{}, errors.New("no exchanges configured")
	}

	idx := 0
	if cursor != "" {
		idx = -1
		for i, ex := range a.exchanges {
			if ex == cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return AssetPage{}, fmt.Errorf("unknown asset cursor %q", cursor)
		}
	}
	exchange := a.exchanges[idx]

	var assets []alpaca.Asset
	err := callWithContext(ctx, func() error {
		var err error
		assets, err = a.trading.GetAssets(alpaca.GetAssetsRequest{
			Status:     "active",
			AssetClass: "us_equity",
			Exchange:   exchange,
		})
		return err
	})
	if err != nil {
		return AssetPage{}, fmt.Errorf("GetAssets %s: %w", exchange, classify(err))
	}

	page := AssetPage{Assets: make([]Asset, 0, len(assets))}
	for _, as := range assets {
		page.Assets = append(page.Assets, Asset{
			Symbol:   as.Symbol,
			Exchange: string(as.Exchange),
			Class:    string(as.Class),
			Status:   string(as.Status),
			Tradable: as.Tradable,
		})
	}
	if idx+1 < len(a.exchanges) {
		page.NextCursor = a.exchanges[idx+1]
	}
	return page, nil
}

// toBar converts an Alpaca bar. Daily bars are keyed by their ET trading
// date at midnight UTC; intraday bars keep their UTC instant.
func (a *Alpaca) toBar(symbol string, ab marketdata.Bar, res domain.Resolution) domain.Bar {
	ts := ab.Timestamp.UTC()
	if res == domain.ResolutionDay {
		ts = domain.Day(ab.Timestamp.In(a.et))
	}
	vwap := decimal.NewFromFloat(ab.VWAP)
	trades := int64(ab.TradeCount)
	return domain.Bar{
		Symbol:     strings.ToUpper(symbol),
		Timestamp:  ts,
		Open:       decimal.NewFromFloat(ab.Open),
		High:       decimal.NewFromFloat(ab.High),
		Low:        decimal.NewFromFloat(ab.Low),
		Close:      decimal.NewFromFloat(ab.Close),
		Volume:     int64(ab.Volume),
		VWAP:       &vwap,
		TradeCount: &trades,
	}
}

// classify wraps Alpaca errors with the provider sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// callWithContext runs a blocking SDK call that has no context parameter,
// returning early with ctx.Err() when ctx ends first. The abandoned call
// finishes in the background and its result is dropped.
func callWithContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
