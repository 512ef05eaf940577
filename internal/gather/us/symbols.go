package us

import (
	"fmt"
	"strings"

	"barvault/internal/cache"
)

// LoadCSVSymbols reads the "symbol" column (or the first column) of a CSV
// file with a header row and returns the sorted, deduplicated symbols.
func LoadCSVSymbols(path string) ([]string, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", path, err)
	}
	return cache.SortDedup(symbolColumn(rows)), nil
}

// ParseSymbolList splits a comma-separated --symbols value into sorted,
// deduplicated uppercase symbols.
func ParseSymbolList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
			out = append(out, sym)
		}
	}
	return cache.SortDedup(out)
}
