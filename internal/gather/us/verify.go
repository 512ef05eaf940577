package us

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"barvault/internal/domain"
	"barvault/internal/store"
)

// DefaultMaxDailyMove is the close-to-close change above which a daily bar
// is reported as implausible.
const DefaultMaxDailyMove = 0.5

// DayLister lists trading days.
type DayLister interface {
	TradingDays(ctx context.Context, r domain.DateRange) []time.Time
}

// BarIssue is one implausible bar.
type BarIssue struct {
	Timestamp time.Time
	Reason    string
}

// SymbolReport is the verification result of one symbol.
type SymbolReport struct {
	Symbol      string
	Coverage    domain.DateRange
	Bars        int
	MissingDays []time.Time
	Issues      []BarIssue
}

// OK reports whether the symbol has neither gaps nor implausible bars.
func (s SymbolReport) OK() bool {
	return len(s.MissingDays) == 0 && len(s.Issues) == 0
}

// VerifyReport summarizes a verify pass.
type VerifyReport struct {
	Resolution  domain.Resolution
	Candidates  int // symbols with coverage
	Symbols     []SymbolReport
	Gaps        int // missing trading days over all sampled symbols
	Implausible int
}

// Clean reports whether every sampled symbol passed.
func (r *VerifyReport) Clean() bool {
	return r.Gaps == 0 && r.Implausible == 0
}

// Verifier samples stored symbols and checks their bars against the trading
// calendar and basic price sanity rules. It only reads.
type Verifier struct {
	Bars         store.BarStore
	Coverage     store.CoverageStore
	Calendar     DayLister
	Resolution   domain.Resolution
	MaxDailyMove float64
	Log          *slog.Logger

	rand *rand.Rand
}

// Run verifies up to sample randomly chosen symbols; sample <= 0 verifies
// every covered symbol.
func (v *Verifier) Run(ctx context.Context, sample int) (*VerifyReport, error) {
	log := v.logger()
	res := v.Resolution
	if res == "" {
		res = domain.ResolutionDay
	}

	coverage, err := v.Coverage.ListCoverage(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("listing coverage: %w", err)
	}
	report := &VerifyReport{Resolution: res, Candidates: len(coverage)}

	picked := v.sample(coverage, sample)
	log.Info("verify started", "resolution", res, "candidates", len(coverage), "sampled", len(picked))

	for _, c := range picked {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sr, err := v.verifySymbol(ctx, res, c)
		if err != nil {
			return report, err
		}
		report.Symbols = append(report.Symbols, sr)
		report.Gaps += len(sr.MissingDays)
		report.Implausible += len(sr.Issues)
		if !sr.OK() {
			log.Warn("symbol failed verification", "symbol", sr.Symbol, "bars", sr.Bars,
				"missing_days", len(sr.MissingDays), "implausible", len(sr.Issues))
		}
	}

	log.Info("verify finished", "sampled", len(report.Symbols), "gaps", report.Gaps,
		"implausible", report.Implausible)
	return report, nil
}

func (v *Verifier) verifySymbol(ctx context.Context, res domain.Resolution, c domain.CoverageRecord) (SymbolReport, error) {
	span := domain.DateRange{Start: domain.Day(c.MinDate), End: domain.Day(c.MaxDate)}
	sr := SymbolReport{Symbol: c.Symbol, Coverage: span}

	from, to := domain.SessionBounds(res, span)
	bars, err := v.Bars.ReadBars(ctx, c.Symbol, res, from, to)
	if err != nil {
		return sr, fmt.Errorf("reading bars of %s: %w", c.Symbol, err)
	}
	sr.Bars = len(bars)

	have := make(map[time.Time]bool)
	for _, b := range bars {
		have[domain.SessionDay(res, b.Timestamp)] = true
	}
	if v.Calendar != nil {
		for _, d := range v.Calendar.TradingDays(ctx, span) {
			if !have[d] {
				sr.MissingDays = append(sr.MissingDays, d)
			}
		}
	}

	maxMove := v.MaxDailyMove
	if maxMove <= 0 {
		maxMove = DefaultMaxDailyMove
	}
	var prev *domain.Bar
	for i := range bars {
		b := &bars[i]
		if reason := implausible(*b); reason != "" {
			sr.Issues = append(sr.Issues, BarIssue{Timestamp: b.Timestamp, Reason: reason})
		} else if res == domain.ResolutionDay && prev != nil {
			move := b.Close.Sub(prev.Close).Div(prev.Close).Abs()
			if move.GreaterThan(decimal.NewFromFloat(maxMove)) {
				sr.Issues = append(sr.Issues, BarIssue{
					Timestamp: b.Timestamp,
					Reason:    fmt.Sprintf("close moved %s%% from previous bar", move.Shift(2).StringFixed(1)),
				})
			}
		}
		if implausible(*b) == "" {
			prev = b
		}
	}
	return sr, nil
}

// implausible returns why b cannot be a real bar, or "".
func implausible(b domain.Bar) string {
	switch {
	case !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive():
		return "non-positive price"
	case b.High.LessThan(b.Low):
		return "high below low"
	case b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High):
		return "open outside low-high"
	case b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High):
		return "close outside low-high"
	case b.Volume < 0:
		return "negative volume"
	}
	return ""
}

// sample picks n coverage records at random, returned in symbol order.
func (v *Verifier) sample(all []domain.CoverageRecord, n int) []domain.CoverageRecord {
	picked := append([]domain.CoverageRecord(nil), all...)
	if n > 0 && n < len(picked) {
		r := v.rand
		if r == nil {
			r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		r.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
		picked = picked[:n]
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].Symbol < picked[j].Symbol })
	return picked
}

func (v *Verifier) logger() *slog.Logger {
	if v.Log == nil {
		return slog.Default().With("component", "verify")
	}
	return v.Log
}
