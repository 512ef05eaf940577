package us

import (
	"errors"
	"time"

	"barvault/internal/domain"
)

// ErrMinChunk is returned by Shrink when a chunk cannot get any smaller.
var ErrMinChunk = errors.New("chunk already at minimum size")

// Planner defaults.
const (
	DefaultChunkDays    = 30
	DefaultMinChunkDays = 7
)

// DayCounter counts trading days in a range.
type DayCounter interface {
	CountTradingDays(r domain.DateRange) int
}

// Planner splits date ranges into chunks whose expected result count stays
// under the provider's per-request ceiling.
type Planner struct {
	ChunkDays    int
	MinChunkDays int
	MaxResults   int        // provider ceiling; 0 disables the size check
	BarsPerDay   int        // per symbol per trading day
	Symbols      int        // symbols per request; 0 means 1
	Calendar     DayCounter // nil counts calendar days
}

// Plan returns contiguous, non-overlapping inclusive ranges covering
// [start, end]. It returns nil when end is before start. No chunk is longer
// than the chunk size except the last: a trailing stub of at most a tenth of
// the chunk size (one day minimum) is folded into its predecessor when the
// merged chunk still fits. Longer tails stay as a shorter last chunk.
func (p Planner) Plan(start, end time.Time) []domain.DateRange {
	r := domain.NewDateRange(start, end)
	if r.End.Before(r.Start) {
		return nil
	}

	size := p.chunkDays()
	for size > p.minChunkDays() && !p.fits(split(r, size)) {
		size--
	}
	chunks := split(r, size)

	if n := len(chunks); n > 1 && chunks[n-1].Days() <= tailTolerance(size) {
		merged := domain.DateRange{Start: chunks[n-2].Start, End: chunks[n-1].End}
		if p.fits([]domain.DateRange{merged}) {
			chunks = append(chunks[:n-2], merged)
		}
	}
	return chunks
}

// Shrink halves a chunk that overflowed the provider ceiling into
// ceil(days/2) and floor(days/2) days. A chunk that cannot be halved without
// going below MinChunkDays returns ErrMinChunk.
func (p Planner) Shrink(r domain.DateRange) ([]domain.DateRange, error) {
	days := r.Days()
	if days < 2*p.minChunkDays() {
		return nil, ErrMinChunk
	}
	mid := r.Start.AddDate(0, 0, (days+1)/2-1)
	return []domain.DateRange{
		{Start: r.Start, End: mid},
		{Start: mid.AddDate(0, 0, 1), End: r.End},
	}, nil
}

// Expected returns the expected result count of one request over r.
func (p Planner) Expected(r domain.DateRange) int {
	days := r.Days()
	if p.Calendar != nil {
		days = p.Calendar.CountTradingDays(r)
	}
	return max(p.Symbols, 1) * days * max(p.BarsPerDay, 1)
}

func (p Planner) fits(chunks []domain.DateRange) bool {
	if p.MaxResults <= 0 {
		return true
	}
	for _, c := range chunks {
		if p.Expected(c) >= p.MaxResults {
			return false
		}
	}
	return true
}

func (p Planner) chunkDays() int {
	if p.ChunkDays <= 0 {
		return DefaultChunkDays
	}
	return p.ChunkDays
}

func (p Planner) minChunkDays() int {
	if p.MinChunkDays <= 0 {
		return min(DefaultMinChunkDays, p.chunkDays())
	}
	return p.MinChunkDays
}

// tailTolerance is the longest trailing stub Plan folds into a chunk of
// size days.
func tailTolerance(size int) int {
	return max(size/10, 1)
}

// split cuts r into consecutive chunks of size days; the last may be shorter.
func split(r domain.DateRange, size int) []domain.DateRange {
	var chunks []domain.DateRange
	for s := r.Start; !s.After(r.End); {
		e := s.AddDate(0, 0, size-1)
		if e.After(r.End) {
			e = r.End
		}
		chunks = append(chunks, domain.DateRange{Start: s, End: e})
		s = e.AddDate(0, 0, 1)
	}
	return chunks
}
