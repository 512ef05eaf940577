package us

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadCSVSymbols(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "test.csv")
	csv := "symbol,description,exchange\ngoogl,Alphabet,NASDAQ\nAAPL,Apple,NASDAQ\n , blank,NYSE\nAAPL,dup,NASDAQ\nBRK.B\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	symbols, err := LoadCSVSymbols(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AAPL", "BRK.B", "GOOGL"}
	if !reflect.DeepEqual(symbols, want) {
		t.Errorf("LoadCSVSymbols() = %v, want %v", symbols, want)
	}
}

func TestLoadCSVSymbolsMissing(t *testing.T) {
	if _, err := LoadCSVSymbols(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadCSVSymbolsHeaderOnly(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(csvPath, []byte("symbol\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	symbols, err := LoadCSVSymbols(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 0 {
		t.Errorf("LoadCSVSymbols() = %v, want empty", symbols)
	}
}

func TestParseSymbolList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"aapl", []string{"AAPL"}},
		{"MSFT, aapl,,MSFT ", []string{"AAPL", "MSFT"}},
	}
	for _, tt := range tests {
		got := ParseSymbolList(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseSymbolList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReferenceData(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("us_etf.csv", "symbol\nOLD\n")
	write("us_etf_2024-01-01.csv", "symbol\nIVV\n")
	write("us_etf_2024-06-01.csv", "name,symbol\nSPDR,spy\niShares,QQQ\n")
	write("us_stock_2024-06-01.csv", "symbol,name\nAAPL,Apple\n")

	ref := LoadReferenceData(dir, nil)

	tests := []struct {
		symbol string
		want   SymbolKind
	}{
		{"SPY", KindETF},
		{"qqq", KindETF},
		{"IVV", KindOther}, // only in the older file
		{"OLD", KindOther},
		{"AAPL", KindStock},
		{"MSFT", KindOther},
	}
	for _, tt := range tests {
		if got := ref.SymbolType(tt.symbol); got != tt.want {
			t.Errorf("SymbolType(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
	if !ref.IsETF("SPY") || ref.IsETF("AAPL") {
		t.Error("IsETF mismatch")
	}

	var none *ReferenceData
	if none.IsETF("SPY") {
		t.Error("nil ReferenceData should classify nothing as ETF")
	}
}

func TestReferenceDataMissingDir(t *testing.T) {
	ref := LoadReferenceData(filepath.Join(t.TempDir(), "missing"), nil)
	if len(ref.ETFs) != 0 || len(ref.Stocks) != 0 {
		t.Errorf("expected empty sets, got %d ETFs %d stocks", len(ref.ETFs), len(ref.Stocks))
	}
}
