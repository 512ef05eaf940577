package us

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"barvault/internal/domain"
	"barvault/internal/provider"
	"barvault/internal/store"
	"barvault/internal/util"
)

// Ledger appends one error record per failed unit.
type Ledger struct {
	Store    store.ErrorStore
	Attempts int           // store attempts per record, default 3
	Delay    time.Duration // first retry delay, default 200ms
	Log      *slog.Logger

	now func() time.Time
}

// Record appends an error record for u and reports whether it was durably
// committed. It never panics and never returns an error; a false result
// means the unit must stay unprocessed so a later run retries it.
func (l *Ledger) Record(ctx context.Context, jobID string, u domain.WorkUnit, cause error) (ok bool) {
	log := l.logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error("error ledger panicked", "unit", u.Key(), "panic", r)
			ok = false
		}
	}()

	rec := l.newRecord(jobID, u, cause)

	// Records are written even while the run is shutting down.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	attempts := l.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := l.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	err := util.Retry(wctx, attempts, delay, func() error {
		return l.Store.AppendError(wctx, rec)
	})
	if err != nil {
		log.Error("recording unit error", "unit", u.Key(), "kind", rec.Kind, "cause", rec.Message, "error", err)
		return false
	}
	log.Warn("unit failed", "unit", u.Key(), "kind", rec.Kind, "error", rec.Message)
	return true
}

// List returns the error records of a job.
func (l *Ledger) List(ctx context.Context, jobID string) ([]domain.ErrorRecord, error) {
	recs, err := l.Store.ListErrors(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing errors of %s: %w", jobID, err)
	}
	return recs, nil
}

func (l *Ledger) newRecord(jobID string, u domain.WorkUnit, cause error) domain.ErrorRecord {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return domain.ErrorRecord{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Symbol:     u.Symbol,
		DateRange:  u.Range.String(),
		Kind:       provider.Kind(cause),
		Message:    msg,
		OccurredAt: now().UTC(),
	}
}

func (l *Ledger) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default().With("component", "ledger")
	}
	return l.Log
}
