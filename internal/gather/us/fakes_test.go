package us

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barvault/internal/domain"
	"barvault/internal/provider"
	"barvault/internal/store"
	"barvault/internal/util"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func setupTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testBar(symbol string, ts time.Time, price string, volume int64) domain.Bar {
	c := decimal.RequireFromString(price)
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      c,
		High:      c.Add(decimal.NewFromInt(1)),
		Low:       c.Sub(decimal.NewFromInt(1)),
		Close:     c,
		Volume:    volume,
	}
}

// dailyBars returns one bar per trading day of r.
func dailyBars(symbol string, r domain.DateRange) []domain.Bar {
	var bars []domain.Bar
	for _, d := range util.NewTradingCalendar(domain.MarketUS).TradingDays(r) {
		bars = append(bars, testBar(symbol, d, "100", 1000))
	}
	return bars
}

// ---------------------------------------------------------------------------
// Provider fake
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu sync.Mutex

	// aggregates answers FetchAggregates; nil returns one bar per trading day.
	aggregates func(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
	// grouped answers FetchGroupedDaily; nil returns one bar per symbol.
	grouped func(ctx context.Context, date time.Time, symbols []string) ([]domain.Bar, error)

	calls    []string // unit keys in call order
	inFlight int
	peak     int
}

var _ provider.BarFetcher = (*fakeProvider)(nil)

func (f *fakeProvider) enter(key string) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
}

func (f *fakeProvider) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeProvider) FetchGroupedDaily(ctx context.Context, date time.Time, symbols []string) ([]domain.Bar, error) {
	f.enter(date.Format(domain.DateLayout))
	defer f.leave()
	if f.grouped != nil {
		return f.grouped(ctx, date, symbols)
	}
	bars := make([]domain.Bar, 0, len(symbols))
	for _, s := range symbols {
		bars = append(bars, testBar(s, date, "50", 500))
	}
	return bars, nil
}

func (f *fakeProvider) FetchAggregates(ctx context.Context, symbol string, _ domain.Resolution, from, to time.Time) ([]domain.Bar, error) {
	r := domain.DateRange{Start: from, End: to}
	f.enter(symbol + ":" + r.String())
	defer f.leave()
	if f.aggregates != nil {
		return f.aggregates(ctx, symbol, from, to)
	}
	return dailyBars(symbol, r), nil
}

func (f *fakeProvider) callKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ---------------------------------------------------------------------------
// Asset lister fake
// ---------------------------------------------------------------------------

type fakeLister struct {
	pages map[string]provider.AssetPage
	fail  map[string]error
	calls int
}

func (f *fakeLister) ListAssets(_ context.Context, cursor string) (provider.AssetPage, error) {
	f.calls++
	if err := f.fail[cursor]; err != nil {
		return provider.AssetPage{}, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return provider.AssetPage{}, fmt.Errorf("unknown cursor %q", cursor)
	}
	return page, nil
}

func equity(symbol, exchange string) provider.Asset {
	return provider.Asset{Symbol: symbol, Exchange: exchange, Class: "us_equity", Status: "active", Tradable: true}
}

// ---------------------------------------------------------------------------
// Cache fake
// ---------------------------------------------------------------------------

type memCache struct {
	symbols   []string
	fetchedAt time.Time
	ok        bool
	puts      int
}

func (c *memCache) Get(context.Context) ([]string, time.Time, bool, error) {
	return c.symbols, c.fetchedAt, c.ok, nil
}

func (c *memCache) Put(_ context.Context, symbols []string) error {
	c.puts++
	c.symbols = append([]string(nil), symbols...)
	c.fetchedAt = time.Now()
	c.ok = true
	return nil
}

// ---------------------------------------------------------------------------
// Calendar fake
// ---------------------------------------------------------------------------

// rulesCalendar is the offline NYSE calendar with a fixed latest day.
type rulesCalendar struct {
	*util.TradingCalendar
	latest time.Time
}

func newRulesCalendar(latest time.Time) *rulesCalendar {
	return &rulesCalendar{TradingCalendar: util.NewTradingCalendar(domain.MarketUS), latest: latest}
}

func (c *rulesCalendar) TradingDays(_ context.Context, r domain.DateRange) []time.Time {
	return c.TradingCalendar.TradingDays(r)
}

func (c *rulesCalendar) LatestFinishedTradingDay(context.Context) (time.Time, error) {
	return c.latest, nil
}

// ---------------------------------------------------------------------------
// Store wrappers
// ---------------------------------------------------------------------------

// flakyErrors fails the first n appends.
type flakyErrors struct {
	store.ErrorStore
	mu   sync.Mutex
	fail int
}

func (f *flakyErrors) AppendError(ctx context.Context, rec domain.ErrorRecord) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.ErrorStore.AppendError(ctx, rec)
}

// failingBars fails every upsert.
type failingBars struct {
	store.BarStore
}

func (failingBars) UpsertBars(context.Context, domain.Resolution, []domain.Bar) (int64, error) {
	return 0, errors.New("constraint violation")
}

type volumeFunc func(ctx context.Context, symbols []string, since time.Time) (map[string]float64, error)

func (f volumeFunc) AverageVolumes(ctx context.Context, symbols []string, since time.Time) (map[string]float64, error) {
	return f(ctx, symbols, since)
}
