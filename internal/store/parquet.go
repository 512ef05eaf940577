package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"barvault/internal/domain"
)

// ParquetArchive writes stored bars to Parquet files for offline analysis.
// Files are laid out as
//
//	<DataDir>/<market>/<resolution>/<SYMBOL>/<YYYY>.parquet
//
// and re-exporting merges by (symbol, timestamp), so exports are idempotent.
type ParquetArchive struct {
	DataDir string
	Market  domain.Market
}

// NewParquetArchive creates a ParquetArchive for US bars rooted at dataDir.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir, Market: domain.MarketUS}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data. Prices are exported as
// float64 for tool compatibility; the database keeps exact decimals.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// ---------------------------------------------------------------------------
// Export / read
// ---------------------------------------------------------------------------

// WriteBars merges bars into the yearly files of each symbol and returns the
// number of files written.
func (a *ParquetArchive) WriteBars(res domain.Resolution, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], toRecord(b))
	}

	for k, records := range groups {
		path := a.barPath(k.symbol, res, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return 0, fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return len(groups), nil
}

// ReadBars reads archived bars for symbol within [start, end].
func (a *ParquetArchive) ReadBars(symbol string, res domain.Resolution, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](a.barPath(symbol, res, year))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, fromRecord(r, ts))
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols archived at res.
func (a *ParquetArchive) ListSymbols(res domain.Resolution) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, string(a.Market), string(res)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// barPath returns the filesystem path for a bar Parquet file.
func (a *ParquetArchive) barPath(symbol string, res domain.Resolution, year int) string {
	return filepath.Join(a.DataDir, string(a.Market), string(res),
		strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func toRecord(b domain.Bar) BarRecord {
	r := BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.UnixMilli(),
		Open:      b.Open.InexactFloat64(),
		High:      b.High.InexactFloat64(),
		Low:       b.Low.InexactFloat64(),
		Close:     b.Close.InexactFloat64(),
		Volume:    b.Volume,
	}
	if b.TradeCount != nil {
		r.TradeCount = *b.TradeCount
	}
	if b.VWAP != nil {
		r.VWAP = b.VWAP.InexactFloat64()
	}
	return r
}

func fromRecord(r BarRecord, ts time.Time) domain.Bar {
	vwap := decimal.NewFromFloat(r.VWAP)
	trades := r.TradeCount
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  ts,
		Open:       decimal.NewFromFloat(r.Open),
		High:       decimal.NewFromFloat(r.High),
		Low:        decimal.NewFromFloat(r.Low),
		Close:      decimal.NewFromFloat(r.Close),
		Volume:     r.Volume,
		VWAP:       &vwap,
		TradeCount: &trades,
	}
}

// writeParquetFile writes to a temp file and renames it into place so a
// crashed export never leaves a truncated file behind.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
