package us

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"barvault/internal/domain"
	"barvault/internal/metrics"
	"barvault/internal/store"
)

// Writer batch defaults.
const (
	DefaultBatchDaily  = 5000
	DefaultBatchMinute = 1000
)

// WriteResult summarizes one Write call.
type WriteResult struct {
	RowsWritten int64
	Symbols     int
	Range       domain.DateRange // day span of the written bars
}

// Writer persists fetched bars in bounded batches. Each batch commits
// together with the coverage of its symbols.
type Writer struct {
	Store       store.BarStore
	BatchDaily  int
	BatchMinute int
	BatchSize   int // overrides both when set
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

// Write upserts bars at res. Duplicate (symbol, timestamp) pairs in the input
// keep the last occurrence. On error the result covers the batches that
// committed before it.
func (w *Writer) Write(ctx context.Context, res domain.Resolution, bars []domain.Bar) (WriteResult, error) {
	var result WriteResult
	if len(bars) == 0 {
		return result, nil
	}

	rows := dedupBars(bars)
	size := w.batchSize(res)
	symbols := make(map[string]bool)

	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		batch := rows[start:end]

		n, err := w.Store.UpsertBars(ctx, res, batch)
		if err != nil {
			return result, fmt.Errorf("writing %s batch of %d bars (%s..%s): %w",
				res, len(batch), batch[0].Symbol, batch[len(batch)-1].Symbol, err)
		}
		w.Metrics.BarsWritten(string(res), n)

		result.RowsWritten += n
		for _, b := range batch {
			symbols[b.Symbol] = true
			d := domain.SessionDay(res, b.Timestamp)
			if result.Range.Start.IsZero() || d.Before(result.Range.Start) {
				result.Range.Start = d
			}
			if d.After(result.Range.End) {
				result.Range.End = d
			}
		}
		result.Symbols = len(symbols)
	}

	w.logger().Debug("bars written", "resolution", res, "rows", result.RowsWritten,
		"symbols", result.Symbols, "range", result.Range.String())
	return result, nil
}

func (w *Writer) batchSize(res domain.Resolution) int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	if res == domain.ResolutionMinute {
		if w.BatchMinute > 0 {
			return w.BatchMinute
		}
		return DefaultBatchMinute
	}
	if w.BatchDaily > 0 {
		return w.BatchDaily
	}
	return DefaultBatchDaily
}

func (w *Writer) logger() *slog.Logger {
	if w.Log == nil {
		return slog.Default().With("component", "writer")
	}
	return w.Log
}

// dedupBars returns bars ordered by (symbol, timestamp) with one bar per
// natural key.
func dedupBars(bars []domain.Bar) []domain.Bar {
	type key struct {
		symbol string
		ts     int64
	}
	idx := make(map[key]int, len(bars))
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		k := key{b.Symbol, b.Timestamp.UnixNano()}
		if i, ok := idx[k]; ok {
			out[i] = b
			continue
		}
		idx[k] = len(out)
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
