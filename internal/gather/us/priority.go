package us

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"barvault/internal/domain"
	"barvault/internal/store"
)

// DefaultLookbackDays is the volume window used to rank symbols.
const DefaultLookbackDays = 30

// Scheduler orders symbols so the most liquid ones are fetched first. The
// liquidity proxy is the average daily volume of stored bars over the last
// LookbackDays calendar days.
type Scheduler struct {
	Volumes      store.VolumeSource
	LookbackDays int
	NoPriority   bool // keep input order
	Log          *slog.Logger

	now func() time.Time
}

// Order returns symbols by descending average volume. Ties are broken
// alphabetically and symbols without history follow every ranked one. When
// the volume query fails the result is alphabetical.
func (s *Scheduler) Order(ctx context.Context, symbols []string) []string {
	out := append([]string(nil), symbols...)
	if s.NoPriority || len(out) < 2 {
		return out
	}

	volumes, err := s.volumes(ctx, out)
	if err != nil {
		s.logger().Warn("volume lookup failed, falling back to alphabetical order", "error", err)
		sort.Strings(out)
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		vi, oki := volumes[out[i]]
		vj, okj := volumes[out[j]]
		switch {
		case oki != okj:
			return oki
		case vi != vj:
			return vi > vj
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// OrderUnits assigns each unit its dispatch priority and returns them in
// dispatch order. Per-symbol units take their symbol's rank and keep their
// chunks chronological. Grouped units are ordered by day.
func (s *Scheduler) OrderUnits(ctx context.Context, units []domain.WorkUnit) []domain.WorkUnit {
	out := append([]domain.WorkUnit(nil), units...)
	if s.NoPriority {
		for i := range out {
			out[i].Priority = i
		}
		return out
	}

	var symbols []string
	seen := make(map[string]bool)
	for _, u := range out {
		if !u.Grouped() && !seen[u.Symbol] {
			seen[u.Symbol] = true
			symbols = append(symbols, u.Symbol)
		}
	}
	rank := make(map[string]int, len(symbols))
	for i, sym := range s.Order(ctx, symbols) {
		rank[sym] = i
	}

	for i := range out {
		out[i].Priority = rank[out[i].Symbol]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Range.Start.Before(out[j].Range.Start)
	})
	if len(symbols) == 0 {
		for i := range out {
			out[i].Priority = i
		}
	}
	return out
}

func (s *Scheduler) volumes(ctx context.Context, symbols []string) (map[string]float64, error) {
	if s.Volumes == nil {
		return map[string]float64{}, nil
	}
	lookback := s.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	since := domain.Day(now().UTC()).AddDate(0, 0, -lookback)
	return s.Volumes.AverageVolumes(ctx, symbols, since)
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default().With("component", "priority")
	}
	return s.Log
}
