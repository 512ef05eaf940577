package us

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"barvault/internal/checkpoint"
	"barvault/internal/domain"
	"barvault/internal/metrics"
	"barvault/internal/provider"
	"barvault/internal/store"
	"barvault/internal/util"
)

// harness wires an Orchestrator to an in-memory SQLite store.
type harness struct {
	db   *store.SQLiteStore
	prov *fakeProvider
	orch *Orchestrator
}

func newHarness(t *testing.T, prov *fakeProvider) *harness {
	t.Helper()
	db := setupTestDB(t)
	log := util.Discard()
	o := &Orchestrator{
		Provider:    prov,
		Calendar:    newRulesCalendar(day(2024, 3, 28)),
		Planner:     Planner{ChunkDays: 30, MinChunkDays: 7},
		Scheduler:   &Scheduler{Volumes: db, Log: log},
		Writer:      &Writer{Store: db, Log: log},
		Ledger:      &Ledger{Store: db, Delay: time.Millisecond, Log: log},
		Checkpoints: db,
		Coverage:    db,
		Locker:      db,
		Metrics:     metrics.New(),
		Opts: Options{
			PerSymbolConc:   4,
			GroupedConc:     2,
			CheckpointEvery: 2,
			LockRefresh:     time.Hour,
		},
		Log:   log,
		Owner: "test-owner",
	}
	return &harness{db: db, prov: prov, orch: o}
}

func quarterRequest(symbols ...string) Request {
	return Request{
		Mode:        domain.ModeHistorical,
		Granularity: domain.GranularityPerSymbol,
		Resolution:  domain.ResolutionDay,
		Start:       day(2024, 1, 1),
		End:         day(2024, 3, 31),
		Symbols:     symbols,
	}
}

func (h *harness) storedBars(t *testing.T, symbol string, r domain.DateRange) int {
	t.Helper()
	bars, err := h.db.ReadBars(context.Background(), symbol, domain.ResolutionDay, r.Start, r.End.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		t.Fatalf("ReadBars(%s) returned error: %v", symbol, err)
	}
	return len(bars)
}

// statusRecorder captures health transitions.
type statusRecorder struct {
	statuses []domain.JobStatus
}

func (s *statusRecorder) SetStatus(status domain.JobStatus) {
	s.statuses = append(s.statuses, status)
}

// ---------------------------------------------------------------------------
// Per-symbol runs
// ---------------------------------------------------------------------------

func TestRunPerSymbolHistorical(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	health := &statusRecorder{}
	h.orch.Health = health
	ctx := context.Background()
	req := quarterRequest("MSFT", "AAPL")

	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCompleted {
		t.Fatalf("Status = %s, want completed", summary.Status)
	}
	if summary.Processed != 6 || summary.Succeeded != 6 || summary.Errored != 0 {
		t.Errorf("summary = %+v, want 6 processed and succeeded", summary)
	}

	q1 := domain.DateRange{Start: day(2024, 1, 1), End: day(2024, 3, 31)}
	want := len(dailyBars("AAPL", q1))
	if got := summary.BarsWritten; got != int64(2*want) {
		t.Errorf("BarsWritten = %d, want %d", got, 2*want)
	}
	for _, sym := range []string{"AAPL", "MSFT"} {
		if got := h.storedBars(t, sym, q1); got != want {
			t.Errorf("stored %s bars = %d, want %d", sym, got, want)
		}
	}

	job, err := h.db.LoadJob(ctx, summary.JobID)
	if err != nil {
		t.Fatalf("LoadJob() returned error: %v", err)
	}
	if job.Status != domain.JobCompleted || len(job.ProcessedUnits) != 6 || job.TotalUnits != 6 {
		t.Errorf("checkpoint = status %s, %d/%d units, want completed 6/6",
			job.Status, len(job.ProcessedUnits), job.TotalUnits)
	}
	if job.TotalBarsWritten != int64(2*want) {
		t.Errorf("checkpoint bars = %d, want %d", job.TotalBarsWritten, 2*want)
	}

	wantStatuses := []domain.JobStatus{domain.JobInProgress, domain.JobCompleted}
	if !reflect.DeepEqual(health.statuses, wantStatuses) {
		t.Errorf("health statuses = %v, want %v", health.statuses, wantStatuses)
	}
}

func TestRunCompletedJobIsNotRerun(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()
	req := quarterRequest("AAPL", "MSFT")

	first, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("first Run() returned error: %v", err)
	}

	again := &fakeProvider{}
	h.orch.Provider = again
	second, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("second Run() returned error: %v", err)
	}
	if second.JobID != first.JobID || second.Status != domain.JobCompleted {
		t.Errorf("second summary = %+v, want completed %s", second, first.JobID)
	}
	if second.Skipped != 6 || second.Processed != 0 {
		t.Errorf("second summary skipped/processed = %d/%d, want 6/0", second.Skipped, second.Processed)
	}
	if calls := again.callKeys(); len(calls) != 0 {
		t.Errorf("provider called %d times for a completed job", len(calls))
	}
}

func TestRunRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()
	req := quarterRequest("AAPL")

	first, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("first Run() returned error: %v", err)
	}
	q1 := domain.DateRange{Start: day(2024, 1, 1), End: day(2024, 3, 31)}
	before := h.storedBars(t, "AAPL", q1)

	if err := h.db.ClearJob(ctx, first.JobID); err != nil {
		t.Fatalf("ClearJob() returned error: %v", err)
	}
	second, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("second Run() returned error: %v", err)
	}
	if second.Processed != 3 {
		t.Errorf("second run processed = %d, want 3 after clearing the checkpoint", second.Processed)
	}
	if after := h.storedBars(t, "AAPL", q1); after != before {
		t.Errorf("stored bars after rerun = %d, want %d", after, before)
	}
}

func TestRunResumesAfterCancel(t *testing.T) {
	tests := []struct {
		name        string
		checkpoints func(t *testing.T, h *harness) store.CheckpointStore
	}{
		{"sqlite", func(_ *testing.T, h *harness) store.CheckpointStore { return h.db }},
		{"file", func(t *testing.T, _ *harness) store.CheckpointStore {
			fs, err := checkpoint.NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore() returned error: %v", err)
			}
			return fs
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var n atomic.Int32
			first := &fakeProvider{
				aggregates: func(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
					if n.Add(1) == 3 {
						cancel()
					}
					return dailyBars(symbol, domain.DateRange{Start: from, End: to}), nil
				},
			}
			h := newHarness(t, first)
			h.orch.Checkpoints = tt.checkpoints(t, h)
			h.orch.Opts.PerSymbolConc = 1
			req := quarterRequest("AAPL", "MSFT")

			summary, err := h.orch.Run(ctx, req)
			if err != nil {
				t.Fatalf("cancelled Run() returned error: %v", err)
			}
			if summary.Status != domain.JobCancelled {
				t.Fatalf("Status = %s, want cancelled", summary.Status)
			}
			if summary.Processed != 3 {
				t.Fatalf("Processed = %d, want 3", summary.Processed)
			}
			job, err := h.orch.Checkpoints.LoadJob(context.Background(), summary.JobID)
			if err != nil {
				t.Fatalf("LoadJob() returned error: %v", err)
			}
			if job.Status != domain.JobCancelled || len(job.ProcessedUnits) != 3 {
				t.Fatalf("checkpoint = %s with %d units, want cancelled with 3", job.Status, len(job.ProcessedUnits))
			}

			second := &fakeProvider{}
			h.orch.Provider = second
			req.Resume = true
			resumed, err := h.orch.Run(context.Background(), req)
			if err != nil {
				t.Fatalf("resumed Run() returned error: %v", err)
			}
			if resumed.Status != domain.JobCompleted || resumed.Skipped != 3 || resumed.Processed != 3 {
				t.Errorf("resumed summary = %+v, want completed with 3 skipped and 3 processed", resumed)
			}
			for _, key := range second.callKeys() {
				if job.IsProcessed(key) {
					t.Errorf("resumed run refetched processed unit %s", key)
				}
			}
			if got := len(second.callKeys()); got != 3 {
				t.Errorf("resumed run fetched %d units, want 3", got)
			}
		})
	}
}

func TestRunResumeRequiresCheckpoint(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	req := quarterRequest("AAPL")
	req.Resume = true

	_, err := h.orch.Run(context.Background(), req)
	if !errors.Is(err, store.ErrNoCheckpoint) {
		t.Fatalf("Run() error = %v, want ErrNoCheckpoint", err)
	}
	if calls := h.prov.callKeys(); len(calls) != 0 {
		t.Errorf("provider called %d times without a checkpoint", len(calls))
	}
}

func TestRunLockedJob(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()
	req := quarterRequest("AAPL")

	jobID := domain.JobKey(req.Mode, req.Granularity, req.Resolution, req.Start, req.End, req.Symbols)
	if err := h.db.Acquire(ctx, jobID, "someone-else"); err != nil {
		t.Fatalf("Acquire() returned error: %v", err)
	}

	_, err := h.orch.Run(ctx, req)
	if !errors.Is(err, store.ErrJobLocked) {
		t.Fatalf("Run() error = %v, want ErrJobLocked", err)
	}

	if err := h.db.Release(ctx, jobID, "someone-else"); err != nil {
		t.Fatalf("Release() returned error: %v", err)
	}
	if _, err := h.orch.Run(ctx, req); err != nil {
		t.Fatalf("Run() after release returned error: %v", err)
	}
	// The lock is released on return.
	if err := h.db.Acquire(ctx, jobID, "someone-else"); err != nil {
		t.Errorf("Acquire() after run returned error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRunOneErrorRecordPerFailedUnit(t *testing.T) {
	prov := &fakeProvider{
		aggregates: func(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
			if symbol == "BAD" {
				return nil, fmt.Errorf("GetBars %s: symbol not found", symbol)
			}
			return dailyBars(symbol, domain.DateRange{Start: from, End: to}), nil
		},
	}
	h := newHarness(t, prov)
	ctx := context.Background()
	req := quarterRequest("BAD", "GOOD")
	req.End = day(2024, 1, 31)

	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCompleted {
		t.Errorf("Status = %s, want completed with recorded errors", summary.Status)
	}
	if summary.Succeeded != 1 || summary.Errored != 1 {
		t.Errorf("succeeded/errored = %d/%d, want 1/1", summary.Succeeded, summary.Errored)
	}
	want := []string{"BAD:2024-01-01:2024-01-31"}
	if !reflect.DeepEqual(summary.ErroredUnits, want) {
		t.Errorf("ErroredUnits = %v, want %v", summary.ErroredUnits, want)
	}

	recs, err := h.db.ListErrors(ctx, summary.JobID)
	if err != nil {
		t.Fatalf("ListErrors() returned error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("error records = %d, want 1", len(recs))
	}
	if recs[0].Symbol != "BAD" || recs[0].DateRange != "2024-01-01:2024-01-31" || recs[0].Kind != domain.ErrorOther {
		t.Errorf("record = %+v", recs[0])
	}

	// A rerun of the completed job adds nothing.
	if _, err := h.orch.Run(ctx, req); err != nil {
		t.Fatalf("second Run() returned error: %v", err)
	}
	if recs, _ := h.db.ListErrors(ctx, summary.JobID); len(recs) != 1 {
		t.Errorf("error records after rerun = %d, want 1", len(recs))
	}
}

func TestRunUnitRetries(t *testing.T) {
	var attempts atomic.Int32
	prov := &fakeProvider{
		aggregates: func(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
			if attempts.Add(1) <= 2 {
				return nil, fmt.Errorf("GetBars %s: %w", symbol, provider.ErrTransient)
			}
			return dailyBars(symbol, domain.DateRange{Start: from, End: to}), nil
		},
	}
	h := newHarness(t, prov)
	h.orch.Opts.UnitRetries = 2
	req := quarterRequest("AAPL")
	req.End = day(2024, 1, 31)

	summary, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Succeeded != 1 || summary.Errored != 0 {
		t.Errorf("succeeded/errored = %d/%d, want 1/0", summary.Succeeded, summary.Errored)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if recs, _ := h.db.ListErrors(context.Background(), summary.JobID); len(recs) != 0 {
		t.Errorf("error records = %d, want 0 after a successful retry", len(recs))
	}
}

func TestRunWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	h.orch.Writer = &Writer{Store: failingBars{}, Log: util.Discard()}
	ctx := context.Background()

	summary, err := h.orch.Run(ctx, quarterRequest("AAPL", "MSFT"))
	if err == nil || !strings.Contains(err.Error(), "constraint violation") {
		t.Fatalf("Run() error = %v, want the write failure", err)
	}
	if summary == nil || summary.Status != domain.JobFailed {
		t.Fatalf("summary = %+v, want failed", summary)
	}
	job, err := h.db.LoadJob(ctx, summary.JobID)
	if err != nil {
		t.Fatalf("LoadJob() returned error: %v", err)
	}
	if job.Status != domain.JobFailed || len(job.ProcessedUnits) != 0 {
		t.Errorf("checkpoint = %s with %d units, want failed with none", job.Status, len(job.ProcessedUnits))
	}
}

func TestRunLostErrorRecordFailsJob(t *testing.T) {
	prov := &fakeProvider{
		aggregates: func(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
			return nil, errors.New("symbol not found")
		},
	}
	h := newHarness(t, prov)
	h.orch.Ledger = &Ledger{Store: &flakyErrors{ErrorStore: h.db, fail: 100}, Attempts: 2, Delay: time.Millisecond, Log: util.Discard()}
	req := quarterRequest("AAPL")
	req.End = day(2024, 1, 31)

	summary, err := h.orch.Run(context.Background(), req)
	if err == nil {
		t.Fatal("Run() returned nil error, want a lost-record failure")
	}
	if summary.Status != domain.JobFailed || summary.Processed != 0 {
		t.Errorf("summary = %+v, want failed with nothing processed", summary)
	}
}

// ---------------------------------------------------------------------------
// Capacity shrinking
// ---------------------------------------------------------------------------

func TestRunShrinksOnCapacity(t *testing.T) {
	prov := &fakeProvider{
		aggregates: func(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
			r := domain.DateRange{Start: from, End: to}
			if r.Days() > 15 {
				return nil, fmt.Errorf("GetBars %s %s: %w", symbol, r, provider.ErrCapacityExceeded)
			}
			return dailyBars(symbol, r), nil
		},
	}
	h := newHarness(t, prov)
	ctx := context.Background()

	summary, err := h.orch.Run(ctx, quarterRequest("AAPL"))
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCompleted || summary.Succeeded != 3 || summary.Errored != 0 {
		t.Fatalf("summary = %+v, want 3 succeeded roots", summary)
	}

	q1 := domain.DateRange{Start: day(2024, 1, 1), End: day(2024, 3, 31)}
	want := len(dailyBars("AAPL", q1))
	if summary.BarsWritten != int64(want) {
		t.Errorf("BarsWritten = %d, want %d", summary.BarsWritten, want)
	}
	if got := h.storedBars(t, "AAPL", q1); got != want {
		t.Errorf("stored bars = %d, want %d", got, want)
	}

	job, _ := h.db.LoadJob(ctx, summary.JobID)
	wantKeys := []string{"AAPL:2024-01-01:2024-01-30", "AAPL:2024-01-31:2024-02-29", "AAPL:2024-03-01:2024-03-31"}
	for _, k := range wantKeys {
		if ok, found := job.ProcessedUnits[k]; !found || !ok {
			t.Errorf("root %s not marked succeeded", k)
		}
	}
	if len(job.ProcessedUnits) != len(wantKeys) {
		t.Errorf("processed units = %v, want only the planned roots", job.ProcessedUnits)
	}
	if recs, _ := h.db.ListErrors(ctx, summary.JobID); len(recs) != 0 {
		t.Errorf("error records = %d, want 0", len(recs))
	}
}

func TestRunCapacityAtMinimumIsRecorded(t *testing.T) {
	prov := &fakeProvider{
		aggregates: func(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
			return nil, provider.ErrCapacityExceeded
		},
	}
	h := newHarness(t, prov)
	ctx := context.Background()
	req := quarterRequest("X")
	req.End = day(2024, 1, 30)

	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Errored != 1 || summary.Succeeded != 0 {
		t.Errorf("succeeded/errored = %d/%d, want 0/1", summary.Succeeded, summary.Errored)
	}
	if want := []string{"X:2024-01-01:2024-01-30"}; !reflect.DeepEqual(summary.ErroredUnits, want) {
		t.Errorf("ErroredUnits = %v, want %v", summary.ErroredUnits, want)
	}

	// 30 days -> 15 + 15 -> (8 + 7) twice; the four leaves cannot shrink.
	recs, err := h.db.ListErrors(ctx, summary.JobID)
	if err != nil {
		t.Fatalf("ListErrors() returned error: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("error records = %d, want 4", len(recs))
	}
	for _, rec := range recs {
		if rec.Kind != domain.ErrorCapacity {
			t.Errorf("record %s kind = %s, want capacity", rec.DateRange, rec.Kind)
		}
		from, to, _ := strings.Cut(rec.DateRange, ":")
		start, err1 := domain.ParseDate(from)
		end, err2 := domain.ParseDate(to)
		if err1 != nil || err2 != nil {
			t.Fatalf("record range %q does not parse", rec.DateRange)
		}
		if r := (domain.DateRange{Start: start, End: end}); r.Days() < 7 {
			t.Errorf("record %s spans %d days, want >= 7", rec.DateRange, r.Days())
		}
	}
}

// ---------------------------------------------------------------------------
// Daily and grouped
// ---------------------------------------------------------------------------

func TestRunDailyStartsAfterCoverage(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()

	seed := domain.DateRange{Start: day(2024, 3, 1), End: day(2024, 3, 15)}
	if _, err := h.orch.Writer.Write(ctx, domain.ResolutionDay, dailyBars("AAPL", seed)); err != nil {
		t.Fatalf("seeding bars: %v", err)
	}

	req := Request{
		Mode:        domain.ModeDaily,
		Granularity: domain.GranularityPerSymbol,
		Resolution:  domain.ResolutionDay,
		Symbols:     []string{"AAPL", "NEW"},
	}
	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCompleted {
		t.Fatalf("Status = %s, want completed", summary.Status)
	}

	got := h.prov.callKeys()
	want := map[string]bool{
		"AAPL:2024-03-16:2024-03-28": true,
		"NEW:2024-03-28:2024-03-28":  true,
	}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for _, k := range got {
		if !want[k] {
			t.Errorf("unexpected call %s", k)
		}
	}
	if !strings.HasPrefix(summary.JobID, "daily_update_2024-03-16_2024-03-28") {
		t.Errorf("JobID = %s, want daily_update_2024-03-16_2024-03-28...", summary.JobID)
	}
}

func TestRunDailyUpToDate(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()

	seed := domain.DateRange{Start: day(2024, 3, 1), End: day(2024, 3, 28)}
	if _, err := h.orch.Writer.Write(ctx, domain.ResolutionDay, dailyBars("AAPL", seed)); err != nil {
		t.Fatalf("seeding bars: %v", err)
	}

	req := Request{
		Mode:        domain.ModeDaily,
		Granularity: domain.GranularityPerSymbol,
		Resolution:  domain.ResolutionDay,
		Symbols:     []string{"AAPL"},
	}
	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCompleted || summary.Processed != 0 {
		t.Errorf("summary = %+v, want completed with nothing to do", summary)
	}
	if calls := h.prov.callKeys(); len(calls) != 0 {
		t.Errorf("provider calls = %v, want none", calls)
	}
}

// dailyGroupedRequest asks for the days after stored coverage, one grouped
// unit per trading day.
func dailyGroupedRequest() Request {
	return Request{
		Mode:        domain.ModeDaily,
		Granularity: domain.GranularityGrouped,
		Resolution:  domain.ResolutionDay,
		Symbols:     []string{"AAPL", "MSFT"},
	}
}

// seedThrough stores daily bars of symbols up to and including last.
func (h *harness) seedThrough(t *testing.T, last time.Time, symbols ...string) {
	t.Helper()
	r := domain.DateRange{Start: day(2024, 1, 2), End: last}
	for _, sym := range symbols {
		if _, err := h.orch.Writer.Write(context.Background(), domain.ResolutionDay, dailyBars(sym, r)); err != nil {
			t.Fatalf("seeding %s: %v", sym, err)
		}
	}
}

func TestRunDailyGroupedResumesAfterCancel(t *testing.T) {
	tests := []struct {
		name        string
		checkpoints func(t *testing.T, h *harness) store.CheckpointStore
	}{
		{"sqlite", func(_ *testing.T, h *harness) store.CheckpointStore { return h.db }},
		{"file", func(t *testing.T, _ *harness) store.CheckpointStore {
			fs, err := checkpoint.NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore() returned error: %v", err)
			}
			return fs
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// 03-18 hangs until the run is cancelled; the other eight
			// sessions up to 03-28 commit, the last of them cancelling.
			stuck := day(2024, 3, 18)
			var done atomic.Int32
			first := &fakeProvider{
				grouped: func(_ context.Context, date time.Time, symbols []string) ([]domain.Bar, error) {
					if date.Equal(stuck) {
						<-ctx.Done()
						return nil, ctx.Err()
					}
					if done.Add(1) == 8 {
						cancel()
					}
					bars := make([]domain.Bar, 0, len(symbols))
					for _, s := range symbols {
						bars = append(bars, testBar(s, date, "50", 500))
					}
					return bars, nil
				},
			}
			h := newHarness(t, first)
			h.orch.Checkpoints = tt.checkpoints(t, h)
			h.seedThrough(t, day(2024, 3, 15), "AAPL", "MSFT")

			summary, err := h.orch.Run(ctx, dailyGroupedRequest())
			if err != nil {
				t.Fatalf("cancelled Run() returned error: %v", err)
			}
			if summary.Status != domain.JobCancelled || summary.Processed != 8 {
				t.Fatalf("summary = %+v, want cancelled with 8 processed", summary)
			}
			if !strings.HasPrefix(summary.JobID, "daily_update_2024-03-16_2024-03-28") {
				t.Fatalf("JobID = %s, want daily_update_2024-03-16_2024-03-28...", summary.JobID)
			}

			second := &fakeProvider{}
			h.orch.Provider = second
			resumed, err := h.orch.Run(context.Background(), dailyGroupedRequest())
			if err != nil {
				t.Fatalf("resumed Run() returned error: %v", err)
			}
			if resumed.JobID != summary.JobID {
				t.Errorf("resumed JobID = %s, want %s", resumed.JobID, summary.JobID)
			}
			if resumed.Status != domain.JobCompleted || resumed.Skipped != 8 || resumed.Processed != 1 {
				t.Errorf("resumed summary = %+v, want completed with 8 skipped and 1 processed", resumed)
			}
			if got := second.callKeys(); !reflect.DeepEqual(got, []string{"2024-03-18"}) {
				t.Errorf("resumed calls = %v, want [2024-03-18]", got)
			}
			if got := h.storedBars(t, "AAPL", domain.DateRange{Start: stuck, End: stuck}); got != 1 {
				t.Errorf("stored AAPL bars on 2024-03-18 = %d, want 1", got)
			}

			third := &fakeProvider{}
			h.orch.Provider = third
			after, err := h.orch.Run(context.Background(), dailyGroupedRequest())
			if err != nil {
				t.Fatalf("third Run() returned error: %v", err)
			}
			if after.Processed != 0 || len(third.callKeys()) != 0 {
				t.Errorf("third run processed %d with calls %v, want nothing to do", after.Processed, third.callKeys())
			}
		})
	}
}

func TestRunDailyPerSymbolResumesPlannedUnits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// AAPL needs two chunks; its first hangs while the second and MSFT's
	// only chunk commit, moving AAPL coverage past the missing chunk.
	var done atomic.Int32
	first := &fakeProvider{
		aggregates: func(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
			if symbol == "AAPL" && from.Equal(day(2024, 2, 1)) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			bars := dailyBars(symbol, domain.DateRange{Start: from, End: to})
			if done.Add(1) == 2 {
				cancel()
			}
			return bars, nil
		},
	}
	h := newHarness(t, first)
	h.orch.Opts.PerSymbolConc = 2
	h.seedThrough(t, day(2024, 1, 31), "AAPL")
	h.seedThrough(t, day(2024, 3, 15), "MSFT")
	req := Request{
		Mode:        domain.ModeDaily,
		Granularity: domain.GranularityPerSymbol,
		Resolution:  domain.ResolutionDay,
		Symbols:     []string{"AAPL", "MSFT"},
	}

	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("cancelled Run() returned error: %v", err)
	}
	if summary.Status != domain.JobCancelled || summary.Processed != 2 {
		t.Fatalf("summary = %+v, want cancelled with 2 processed", summary)
	}

	second := &fakeProvider{}
	h.orch.Provider = second
	resumed, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("resumed Run() returned error: %v", err)
	}
	if resumed.JobID != summary.JobID || resumed.Status != domain.JobCompleted || resumed.Processed != 1 {
		t.Errorf("resumed summary = %+v, want %s completed with 1 processed", resumed, summary.JobID)
	}
	if got := second.callKeys(); !reflect.DeepEqual(got, []string{"AAPL:2024-02-01:2024-03-01"}) {
		t.Errorf("resumed calls = %v, want [AAPL:2024-02-01:2024-03-01]", got)
	}
	feb := domain.DateRange{Start: day(2024, 2, 1), End: day(2024, 2, 29)}
	if got, want := h.storedBars(t, "AAPL", feb), len(dailyBars("AAPL", feb)); got != want {
		t.Errorf("stored AAPL February bars = %d, want %d", got, want)
	}
}

func TestRunDailyRetriesFailedDays(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"transient failure is refetched", fmt.Errorf("grouped bars: %w", provider.ErrTransient), 7},
		{"permanent failure stays in the ledger", errors.New("bad request"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := day(2024, 3, 20)
			first := &fakeProvider{
				grouped: func(_ context.Context, date time.Time, symbols []string) ([]domain.Bar, error) {
					if date.Equal(failing) {
						return nil, tt.err
					}
					bars := make([]domain.Bar, 0, len(symbols))
					for _, s := range symbols {
						bars = append(bars, testBar(s, date, "50", 500))
					}
					return bars, nil
				},
			}
			h := newHarness(t, first)
			h.seedThrough(t, day(2024, 3, 15), "AAPL", "MSFT")
			ctx := context.Background()

			summary, err := h.orch.Run(ctx, dailyGroupedRequest())
			if err != nil {
				t.Fatalf("Run() returned error: %v", err)
			}
			if summary.Status != domain.JobCompleted || summary.Errored != 1 {
				t.Fatalf("summary = %+v, want completed with 1 errored", summary)
			}

			second := &fakeProvider{}
			h.orch.Provider = second
			retry, err := h.orch.Run(ctx, dailyGroupedRequest())
			if err != nil {
				t.Fatalf("second Run() returned error: %v", err)
			}
			// 03-20..03-28 holds seven sessions.
			if got := len(second.callKeys()); got != tt.wantCalls {
				t.Fatalf("second run calls = %v, want %d", second.callKeys(), tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			if retry.Errored != 0 || !strings.HasPrefix(retry.JobID, "daily_update_2024-03-20_2024-03-28") {
				t.Errorf("retry summary = %+v, want a clean daily_update_2024-03-20_2024-03-28 job", retry)
			}
			if got := h.storedBars(t, "AAPL", domain.DateRange{Start: failing, End: failing}); got != 1 {
				t.Errorf("stored AAPL bars on 2024-03-20 = %d, want 1", got)
			}

			third := &fakeProvider{}
			h.orch.Provider = third
			if _, err := h.orch.Run(ctx, dailyGroupedRequest()); err != nil {
				t.Fatalf("third Run() returned error: %v", err)
			}
			if calls := third.callKeys(); len(calls) != 0 {
				t.Errorf("third run calls = %v, want none once the failed day is stored", calls)
			}
		})
	}
}

func TestRunDailyMinuteStartsAfterLastSession(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	h := newHarness(t, &fakeProvider{})
	h.orch.Calendar = newRulesCalendar(day(2024, 1, 10))
	ctx := context.Background()

	// The 19:30 ET bar is stamped 2024-01-09 in UTC.
	seed := []domain.Bar{
		testBar("AAPL", time.Date(2024, 1, 8, 15, 59, 0, 0, et), "185", 10),
		testBar("AAPL", time.Date(2024, 1, 8, 19, 30, 0, 0, et), "185", 10),
	}
	if _, err := h.orch.Writer.Write(ctx, domain.ResolutionMinute, seed); err != nil {
		t.Fatalf("seeding bars: %v", err)
	}

	req := Request{
		Mode:        domain.ModeDaily,
		Granularity: domain.GranularityPerSymbol,
		Resolution:  domain.ResolutionMinute,
		Symbols:     []string{"AAPL"},
	}
	if _, err := h.orch.Run(ctx, req); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if got := h.prov.callKeys(); !reflect.DeepEqual(got, []string{"AAPL:2024-01-09:2024-01-10"}) {
		t.Errorf("calls = %v, want [AAPL:2024-01-09:2024-01-10]", got)
	}
}

func TestRunGrouped(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	ctx := context.Background()
	req := Request{
		Mode:        domain.ModeHistorical,
		Granularity: domain.GranularityGrouped,
		Resolution:  domain.ResolutionDay,
		Start:       day(2024, 1, 1),
		End:         day(2024, 1, 31),
		Symbols:     []string{"A", "B", "C"},
	}

	summary, err := h.orch.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	// January 2024 has 21 NYSE sessions (New Year's Day and MLK Day closed).
	if summary.Processed != 21 {
		t.Errorf("Processed = %d, want 21", summary.Processed)
	}
	if summary.BarsWritten != 63 {
		t.Errorf("BarsWritten = %d, want 63", summary.BarsWritten)
	}
	if h.prov.peak > 2 {
		t.Errorf("peak grouped concurrency = %d, want <= 2", h.prov.peak)
	}
	for _, k := range h.prov.callKeys() {
		if k == "2024-01-15" {
			t.Error("fetched MLK Day")
		}
	}
	if got := h.storedBars(t, "B", domain.DateRange{Start: req.Start, End: req.End}); got != 21 {
		t.Errorf("stored B bars = %d, want 21", got)
	}
}

func TestRunGroupedRejectsMinuteBars(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	req := Request{
		Mode:        domain.ModeHistorical,
		Granularity: domain.GranularityGrouped,
		Resolution:  domain.ResolutionMinute,
		Symbols:     []string{"A"},
	}
	if _, err := h.orch.Run(context.Background(), req); err == nil {
		t.Fatal("Run(grouped minute) returned nil error")
	}
}

func TestRunDiscoversUniverse(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	lister := &fakeLister{pages: map[string]provider.AssetPage{
		"": {Assets: []provider.Asset{equity("MSFT", "NASDAQ"), equity("IBM", "NYSE")}},
	}}
	h.orch.Discovery = &Discovery{Lister: lister, Cache: &memCache{}, Log: util.Discard()}
	req := quarterRequest()
	req.End = day(2024, 1, 31)

	summary, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if summary.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2 (one unit per discovered symbol)", summary.Succeeded)
	}
}

// ---------------------------------------------------------------------------
// Gatherer adapter
// ---------------------------------------------------------------------------

func TestBulkGathererName(t *testing.T) {
	tests := []struct {
		req  Request
		want string
	}{
		{Request{Mode: domain.ModeHistorical, Granularity: domain.GranularityGrouped, Resolution: domain.ResolutionDay}, "us-historical"},
		{Request{Mode: domain.ModeDaily, Granularity: domain.GranularityPerSymbol, Resolution: domain.ResolutionMinute}, "us-daily-minute"},
	}
	for _, tt := range tests {
		g := &BulkGatherer{Request: tt.req}
		if got := g.Name(); got != tt.want {
			t.Errorf("Name() = %q, want %q", got, tt.want)
		}
	}
}

func TestBulkGathererRun(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	g := &BulkGatherer{Orchestrator: h.orch, Request: quarterRequest("AAPL")}
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if g.Summary == nil || g.Summary.Status != domain.JobCompleted {
		t.Errorf("Summary = %+v, want completed", g.Summary)
	}

	failing := newHarness(t, &fakeProvider{})
	failing.orch.Writer = &Writer{Store: failingBars{}, Log: util.Discard()}
	g = &BulkGatherer{Orchestrator: failing.orch, Request: quarterRequest("AAPL")}
	if err := g.Run(context.Background()); err == nil {
		t.Error("Run() of a failing job returned nil error")
	}
}
