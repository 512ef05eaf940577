// Package store defines storage interfaces for bars, coverage, error records,
// job checkpoints and job locks, and implements them on SQLite and Postgres.
// A Parquet archive serves exports of stored bars.
package store

import (
	"context"
	"errors"
	"time"

	"barvault/internal/domain"
)

var (
	// ErrJobLocked is returned by Locker.Acquire when another owner holds the
	// lock for the job id.
	ErrJobLocked = errors.New("store: job is locked by another run")
	// ErrNoCheckpoint means a resume was requested for a job that has never
	// been checkpointed.
	ErrNoCheckpoint = errors.New("store: no checkpoint for job")
)

// BarStore persists and retrieves OHLCV bars.
type BarStore interface {
	// UpsertBars writes bars keyed by (symbol, resolution, timestamp) and
	// extends the coverage of every symbol in the batch, all in one
	// transaction. Re-writing a bar replaces its values. It returns the number
	// of rows written.
	UpsertBars(ctx context.Context, res domain.Resolution, bars []domain.Bar) (int64, error)

	// ReadBars returns the bars of symbol within [start, end], ordered by
	// timestamp.
	ReadBars(ctx context.Context, symbol string, res domain.Resolution, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context, res domain.Resolution) ([]string, error)
}

// CoverageStore reads per-symbol coverage. Coverage is only written by
// BarStore.UpsertBars.
type CoverageStore interface {
	// Coverage returns nil, nil when the symbol has no coverage.
	Coverage(ctx context.Context, symbol string, res domain.Resolution) (*domain.CoverageRecord, error)
	ListCoverage(ctx context.Context, res domain.Resolution) ([]domain.CoverageRecord, error)
}

// VolumeSource supplies the liquidity proxy used for priority ordering.
type VolumeSource interface {
	// AverageVolumes returns the mean daily volume since the given day for
	// each requested symbol that has daily bars in that window.
	AverageVolumes(ctx context.Context, symbols []string, since time.Time) (map[string]float64, error)
}

// ErrorStore is the append-only ledger of failed units.
type ErrorStore interface {
	AppendError(ctx context.Context, rec domain.ErrorRecord) error
	ListErrors(ctx context.Context, jobID string) ([]domain.ErrorRecord, error)
}

// CheckpointStore persists job progress.
type CheckpointStore interface {
	// LoadJob returns the stored job, or a fresh pending job when none
	// exists.
	LoadJob(ctx context.Context, id string) (*domain.Job, error)
	// SaveJob atomically replaces the stored progress of job.
	SaveJob(ctx context.Context, job *domain.Job) error
	// ClearJob removes the job's checkpoint. Clearing a missing job is not
	// an error.
	ClearJob(ctx context.Context, id string) error
	// ListJobs returns the checkpoints of mode, most recently updated first.
	// Listed jobs carry neither processed units nor starts; LoadJob reads
	// them in full.
	ListJobs(ctx context.Context, mode domain.JobMode) ([]*domain.Job, error)
}

// Locker guarantees one active run per job id. Acquire by the current owner
// refreshes the lock.
type Locker interface {
	Acquire(ctx context.Context, jobID, owner string) error
	Release(ctx context.Context, jobID, owner string) error
}

// Backend bundles everything a run needs from a database.
type Backend interface {
	BarStore
	CoverageStore
	VolumeSource
	ErrorStore
	CheckpointStore
	Locker
	Close() error
}

// coverageOf returns the session-day span of bars per symbol.
func coverageOf(res domain.Resolution, bars []domain.Bar) map[string]domain.DateRange {
	spans := make(map[string]domain.DateRange)
	for _, b := range bars {
		d := domain.SessionDay(res, b.Timestamp)
		r, ok := spans[b.Symbol]
		if !ok {
			spans[b.Symbol] = domain.DateRange{Start: d, End: d}
			continue
		}
		if d.Before(r.Start) {
			r.Start = d
		}
		if d.After(r.End) {
			r.End = d
		}
		spans[b.Symbol] = r
	}
	return spans
}
