package domain

import "time"

// WorkUnit is one fetch operation. Symbol is empty for grouped units, whose
// Range spans a single trading day. Priority only orders dispatch.
type WorkUnit struct {
	Symbol   string
	Range    DateRange
	Priority int
	Root     string // key of the planned unit this one descends from
	Attempt  int
}

// Grouped reports whether the unit fetches all symbols for one day.
func (u WorkUnit) Grouped() bool { return u.Symbol == "" }

// Key identifies the unit in checkpoints and error records.
func (u WorkUnit) Key() string {
	if u.Grouped() {
		return u.Range.Start.Format(DateLayout)
	}
	return u.Symbol + ":" + u.Range.String()
}

// RootKey returns the planned unit key used for resume bookkeeping.
func (u WorkUnit) RootKey() string {
	if u.Root != "" {
		return u.Root
	}
	return u.Key()
}

// CoverageRecord tracks the contiguous span of successfully stored data for
// a symbol at one resolution.
type CoverageRecord struct {
	Symbol     string
	Resolution Resolution
	MinDate    time.Time
	MaxDate    time.Time
	UpdatedAt  time.Time
}

// Extend widens the record to include r.
func (c *CoverageRecord) Extend(r DateRange) {
	if c.MinDate.IsZero() || r.Start.Before(c.MinDate) {
		c.MinDate = r.Start
	}
	if c.MaxDate.IsZero() || r.End.After(c.MaxDate) {
		c.MaxDate = r.End
	}
}

// ErrorKind classifies a recorded unit failure.
type ErrorKind string

const (
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorCapacity    ErrorKind = "capacity"
	ErrorTransient   ErrorKind = "transient"
	ErrorOther       ErrorKind = "other"
)

// Transient reports whether a later run may succeed where this one failed.
func (k ErrorKind) Transient() bool {
	return k == ErrorRateLimited || k == ErrorTimeout || k == ErrorTransient
}

// ErrorRecord is an append-only record of a failed unit.
type ErrorRecord struct {
	ID         string
	JobID      string
	Symbol     string
	DateRange  string
	Kind       ErrorKind
	Message    string
	OccurredAt time.Time
}
