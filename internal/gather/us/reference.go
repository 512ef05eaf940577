package us

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SymbolKind is the reference classification of a symbol.
type SymbolKind string

const (
	KindETF   SymbolKind = "ETF"
	KindStock SymbolKind = "STOCK"
	KindOther SymbolKind = "OTHER"
)

// ReferenceData holds ETF and stock classification loaded from reference CSVs.
type ReferenceData struct {
	ETFs   map[string]bool // symbols from us_etf_*.csv
	Stocks map[string]bool // symbols from us_stock_*.csv
}

// LoadReferenceData finds the latest date-stamped us_etf_*.csv and
// us_stock_*.csv in refDir. Falls back to us_etf.csv / us_stock.csv
// if no dated files exist. Missing files yield empty sets.
func LoadReferenceData(refDir string, log *slog.Logger) *ReferenceData {
	if log == nil {
		log = slog.Default()
	}
	etfPath := findLatestRefFile(refDir, "us_etf")
	stockPath := findLatestRefFile(refDir, "us_stock")

	ref := &ReferenceData{
		ETFs:   loadSymbolSet(etfPath, "ETF", log),
		Stocks: loadSymbolSet(stockPath, "stock", log),
	}
	log.Info("loaded reference data", "etfs", len(ref.ETFs), "stocks", len(ref.Stocks),
		"etf_file", filepath.Base(etfPath), "stock_file", filepath.Base(stockPath))
	return ref
}

// SymbolType classifies symbol. A nil ReferenceData knows nothing.
func (r *ReferenceData) SymbolType(symbol string) SymbolKind {
	if r == nil {
		return KindOther
	}
	sym := strings.ToUpper(symbol)
	if r.ETFs[sym] {
		return KindETF
	}
	if r.Stocks[sym] {
		return KindStock
	}
	return KindOther
}

// IsETF reports whether symbol is listed as an ETF.
func (r *ReferenceData) IsETF(symbol string) bool {
	return r.SymbolType(symbol) == KindETF
}

// findLatestRefFile finds the latest date-stamped file matching
// prefix_YYYY-MM-DD.csv in dir. Falls back to prefix.csv if none found.
func findLatestRefFile(dir, prefix string) string {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_????-??-??.csv"))
	if err == nil && len(matches) > 0 {
		sort.Strings(matches)
		return matches[len(matches)-1]
	}
	return filepath.Join(dir, prefix+".csv")
}

// loadSymbolSet reads the "symbol" column (or the first column) of a CSV
// file into a set of uppercase symbols.
func loadSymbolSet(path, label string, log *slog.Logger) map[string]bool {
	set := make(map[string]bool)

	rows, err := readCSV(path)
	if err != nil {
		log.Warn("reference file unavailable", "label", label, "path", path, "error", err)
		return set
	}
	for _, sym := range symbolColumn(rows) {
		set[sym] = true
	}
	return set
}

// readCSV reads every record of a CSV file. Rows may have varying widths.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

// symbolColumn extracts the uppercase, non-empty values of the column named
// "symbol" (or the first column) from rows, skipping the header row.
func symbolColumn(rows [][]string) []string {
	if len(rows) < 2 {
		return nil
	}
	idx := 0
	for i, col := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(col), "symbol") {
			idx = i
			break
		}
	}

	symbols := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) <= idx {
			continue
		}
		if sym := strings.ToUpper(strings.TrimSpace(row[idx])); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	return symbols
}
