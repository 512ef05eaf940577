package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"barvault/internal/domain"
	"barvault/internal/gather"
	"barvault/internal/metrics"
	"barvault/internal/provider"
	"barvault/internal/store"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*BulkGatherer)(nil)
var _ TradingCalendar = (*Calendar)(nil)

// TradingCalendar supplies the trading days a run iterates over.
type TradingCalendar interface {
	DayCounter
	TradingDays(ctx context.Context, r domain.DateRange) []time.Time
	LatestFinishedTradingDay(ctx context.Context) (time.Time, error)
}

// StatusReporter publishes the job state, e.g. to a health endpoint.
type StatusReporter interface {
	SetStatus(status domain.JobStatus)
}

// Request describes one ingestion run.
type Request struct {
	Mode         domain.JobMode
	Granularity  domain.Granularity
	Resolution   domain.Resolution
	Start        time.Time // zero: Options.DefaultStart (historical) or coverage (daily)
	End          time.Time // zero: latest finished trading day
	Symbols      []string  // empty: discovered universe
	NoPriority   bool
	ForceRefresh bool
	Resume       bool // require an existing checkpoint
	BatchSize    int
}

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	DefaultStart       time.Time
	CheckpointEvery    int
	CheckpointInterval time.Duration
	PerSymbolConc      int
	GroupedConc        int
	UnitTimeout        time.Duration
	ShutdownGrace      time.Duration
	UnitRetries        int
	LockRefresh        time.Duration
}

// Orchestrator drives a job from planning to a terminal state.
type Orchestrator struct {
	Provider    provider.BarFetcher
	Discovery   *Discovery // unused when a request names symbols
	Calendar    TradingCalendar
	Planner     Planner // chunk sizing template
	Scheduler   *Scheduler
	Writer      *Writer
	Ledger      *Ledger
	Checkpoints store.CheckpointStore
	Coverage    store.CoverageStore
	Locker      store.Locker // may be nil
	Metrics     *metrics.Metrics
	Health      StatusReporter // may be nil
	Opts        Options
	Log         *slog.Logger

	// Owner identifies this process in job locks; generated when empty.
	Owner string
}

// plan is the resolved work of one request.
type plan struct {
	jobID   string
	start   time.Time
	end     time.Time
	symbols []string // dispatch order
	starts  map[string]time.Time
	units   []domain.WorkUnit
	resumed bool // rebuilt from an unfinished checkpoint
}

// Run executes req. A failed run returns its fatal error alongside the
// summary; a cancelled run returns a nil error with status cancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*domain.Summary, error) {
	started := time.Now()
	log := o.logger()

	if err := validate(req); err != nil {
		return nil, err
	}

	p, err := o.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(p.units) == 0 && !p.resumed {
		log.Info("nothing to do", "mode", req.Mode, "start", p.start.Format(domain.DateLayout),
			"end", p.end.Format(domain.DateLayout))
		o.setStatus(domain.JobCompleted)
		return &domain.Summary{JobID: p.jobID, Status: domain.JobCompleted, Elapsed: time.Since(started)}, nil
	}
	log = log.With("job", p.jobID)

	release, lockLost, err := o.lock(ctx, p.jobID, log)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := o.Checkpoints.LoadJob(ctx, p.jobID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", p.jobID, err)
	}
	if req.Resume && job.UpdatedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s", store.ErrNoCheckpoint, p.jobID)
	}
	if job.Status == domain.JobCompleted {
		log.Info("job already completed", "units", job.TotalUnits, "bars", job.TotalBarsWritten)
		o.setStatus(domain.JobCompleted)
		return &domain.Summary{
			JobID:        job.ID,
			Status:       job.Status,
			Skipped:      len(job.ProcessedUnits),
			ErroredUnits: job.ErroredUnits(),
			Elapsed:      time.Since(started),
		}, nil
	}

	job.Mode = req.Mode
	job.Granularity = req.Granularity
	job.Resolution = req.Resolution
	job.Start = p.start
	job.End = p.end
	job.TotalUnits = len(p.units)
	job.Status = domain.JobInProgress
	if req.Mode == domain.ModeDaily && req.Granularity == domain.GranularityPerSymbol && len(job.Starts) == 0 {
		job.SetStarts(p.starts)
	}

	var remaining []domain.WorkUnit
	for _, u := range p.units {
		if !job.IsProcessed(u.Key()) {
			remaining = append(remaining, u)
		}
	}
	skipped := len(p.units) - len(remaining)
	for range skipped {
		o.Metrics.UnitDone(metrics.OutcomeSkipped, 0)
	}

	if err := o.save(ctx, job); err != nil {
		return nil, fmt.Errorf("saving checkpoint %s: %w", p.jobID, err)
	}
	o.setStatus(domain.JobInProgress)
	log.Info("job started", "mode", req.Mode, "granularity", req.Granularity,
		"resolution", req.Resolution, "start", p.start.Format(domain.DateLayout),
		"end", p.end.Format(domain.DateLayout), "symbols", len(p.symbols),
		"units", len(p.units), "remaining", len(remaining), "skipped", skipped)

	r := &run{
		o:        o,
		req:      req,
		job:      job,
		symbols:  p.symbols,
		log:      log,
		roots:    make(map[string]*rootState, len(remaining)),
		lastSave: time.Now(),
		writer:   o.writerFor(req),
		pool: &Pool{
			MaxConcurrency: o.concurrency(req.Granularity),
			UnitTimeout:    o.Opts.UnitTimeout,
			Grace:          o.Opts.ShutdownGrace,
			Metrics:        o.Metrics,
			Log:            log.With("component", "pool"),
		},
	}
	for _, u := range remaining {
		r.roots[u.Key()] = &rootState{outstanding: 1}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.cancel = cancelRun
	go func() {
		select {
		case err := <-lockLost:
			r.fail(err)
		case <-runCtx.Done():
		}
	}()

	poolErr := r.pool.Run(runCtx, remaining, r.fetch, r.onSuccess, r.onError)
	return r.finish(ctx, poolErr, skipped, started)
}

// ---------------------------------------------------------------------------
// Planning
// ---------------------------------------------------------------------------

func validate(req Request) error {
	switch req.Mode {
	case domain.ModeHistorical, domain.ModeDaily:
	default:
		return fmt.Errorf("unsupported ingest mode %q", req.Mode)
	}
	if !req.Resolution.Valid() {
		return fmt.Errorf("unsupported resolution %q", req.Resolution)
	}
	switch req.Granularity {
	case domain.GranularityGrouped:
		if req.Resolution != domain.ResolutionDay {
			return fmt.Errorf("grouped mode only supports day bars, use per-symbol for %s", req.Resolution)
		}
	case domain.GranularityPerSymbol:
	default:
		return fmt.Errorf("unsupported granularity %q", req.Granularity)
	}
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, req Request) (*plan, error) {
	family, err := o.dailyFamily(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, prev := range family {
		if prev.Status == domain.JobCompleted {
			continue
		}
		if !req.End.IsZero() && !domain.Day(req.End).Equal(prev.End) {
			continue
		}
		return o.replan(ctx, req, prev)
	}

	symbols, err := o.symbols(ctx, req)
	if err != nil {
		return nil, err
	}

	end := domain.Day(req.End)
	if req.End.IsZero() {
		latest, err := o.Calendar.LatestFinishedTradingDay(ctx)
		if err != nil {
			return nil, fmt.Errorf("determining end date: %w", err)
		}
		end = latest
	}

	starts, err := o.starts(ctx, req, symbols, end)
	if err != nil {
		return nil, err
	}
	if err := o.retryFailed(ctx, req, family, starts); err != nil {
		return nil, err
	}
	p := &plan{end: end, symbols: symbols, starts: starts}
	for _, s := range starts {
		if p.start.IsZero() || s.Before(p.start) {
			p.start = s
		}
	}
	if p.start.IsZero() {
		p.start = end
	}
	p.jobID = domain.JobKey(req.Mode, req.Granularity, req.Resolution, p.start, end, req.Symbols)
	o.buildUnits(ctx, req, p)
	return p, nil
}

// replan rebuilds the plan of an unfinished daily job from its checkpoint,
// so every unit gets the key it was first planned with.
func (o *Orchestrator) replan(ctx context.Context, req Request, prev *domain.Job) (*plan, error) {
	job, err := o.Checkpoints.LoadJob(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", prev.ID, err)
	}
	p := &plan{jobID: job.ID, start: job.Start, end: job.End, resumed: true}
	if req.Granularity == domain.GranularityPerSymbol && len(job.Starts) > 0 {
		p.starts = job.Starts
		for sym := range job.Starts {
			p.symbols = append(p.symbols, sym)
		}
		sort.Strings(p.symbols)
	} else {
		if p.symbols, err = o.symbols(ctx, req); err != nil {
			return nil, err
		}
		p.starts = make(map[string]time.Time, len(p.symbols))
		for _, sym := range p.symbols {
			p.starts[sym] = job.Start
		}
	}
	o.logger().Info("resuming unfinished daily job", "job", job.ID, "status", job.Status,
		"start", job.Start.Format(domain.DateLayout), "end", job.End.Format(domain.DateLayout))
	o.buildUnits(ctx, req, p)
	return p, nil
}

// symbols returns the request's symbols, or the discovered universe. Grouped
// requests carry the whole universe; its order decides which symbols share
// the first batches.
func (o *Orchestrator) symbols(ctx context.Context, req Request) ([]string, error) {
	symbols := req.Symbols
	if len(symbols) == 0 {
		if o.Discovery == nil {
			return nil, fmt.Errorf("%w: no symbols given and no discovery configured", ErrDiscovery)
		}
		var err error
		symbols, err = o.Discovery.FetchUniverse(ctx, req.ForceRefresh)
		if err != nil {
			return nil, err
		}
	}
	if sched := o.scheduler(req); sched != nil && req.Granularity == domain.GranularityGrouped {
		symbols = sched.Order(ctx, symbols)
	}
	return symbols, nil
}

// buildUnits fills p.units from its symbols, starts and end.
func (o *Orchestrator) buildUnits(ctx context.Context, req Request, p *plan) {
	switch req.Granularity {
	case domain.GranularityGrouped:
		for _, d := range o.Calendar.TradingDays(ctx, domain.DateRange{Start: p.start, End: p.end}) {
			p.units = append(p.units, domain.WorkUnit{Range: domain.DateRange{Start: d, End: d}})
		}
	default:
		planner := o.Planner
		planner.Symbols = 1
		planner.BarsPerDay = req.Resolution.BarsPerDay()
		planner.Calendar = o.Calendar
		for _, sym := range p.symbols {
			start, ok := p.starts[sym]
			if !ok {
				start = p.start
			}
			for _, r := range planner.Plan(start, p.end) {
				p.units = append(p.units, domain.WorkUnit{Symbol: sym, Range: r})
			}
		}
	}

	if sched := o.scheduler(req); sched != nil && req.Granularity == domain.GranularityPerSymbol {
		p.units = sched.OrderUnits(ctx, p.units)
	} else {
		for i := range p.units {
			p.units[i].Priority = i
		}
	}
}

// dailyFamily returns the checkpoints of earlier daily runs of the same
// request, newest first. Runs with an explicit start are not part of any
// family.
func (o *Orchestrator) dailyFamily(ctx context.Context, req Request) ([]*domain.Job, error) {
	if req.Mode != domain.ModeDaily || !req.Start.IsZero() {
		return nil, nil
	}
	jobs, err := o.Checkpoints.ListJobs(ctx, domain.ModeDaily)
	if err != nil {
		return nil, fmt.Errorf("listing daily checkpoints: %w", err)
	}
	var family []*domain.Job
	for _, j := range jobs {
		if j.Granularity != req.Granularity || j.Resolution != req.Resolution {
			continue
		}
		if j.ID != domain.JobKey(req.Mode, req.Granularity, req.Resolution, j.Start, j.End, req.Symbols) {
			continue
		}
		family = append(family, j)
	}
	return family, nil
}

// retryFailed moves starts back over the units of the latest completed
// daily job that failed transiently. Failures of any other kind stay in the
// error ledger.
func (o *Orchestrator) retryFailed(ctx context.Context, req Request, family []*domain.Job, starts map[string]time.Time) error {
	if o.Ledger == nil {
		return nil
	}
	var last *domain.Job
	for _, j := range family {
		if j.Status == domain.JobCompleted {
			last = j
			break
		}
	}
	if last == nil || last.Errored == 0 {
		return nil
	}
	recs, err := o.Ledger.List(ctx, last.ID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.Kind.Transient() {
			continue
		}
		first, _, _ := strings.Cut(rec.DateRange, ":")
		d, err := domain.ParseDate(first)
		if err != nil {
			continue
		}
		for sym, s := range starts {
			if (rec.Symbol == "" || rec.Symbol == sym) && d.Before(s) {
				starts[sym] = d
			}
		}
		o.logger().Info("retrying failed unit of previous job", "job", last.ID,
			"symbol", rec.Symbol, "range", rec.DateRange, "kind", rec.Kind)
	}
	return nil
}

// starts resolves the first day to fetch per symbol. Historical runs share
// one start. Daily runs resume the day after stored coverage ends: per symbol
// in per-symbol mode, universe-wide in grouped mode. Without any coverage a
// daily run fetches only the end day unless a start is given.
func (o *Orchestrator) starts(ctx context.Context, req Request, symbols []string, end time.Time) (map[string]time.Time, error) {
	starts := make(map[string]time.Time, len(symbols))
	fallback := end
	switch {
	case !req.Start.IsZero():
		fallback = domain.Day(req.Start)
	case req.Mode == domain.ModeHistorical && !o.Opts.DefaultStart.IsZero():
		fallback = domain.Day(o.Opts.DefaultStart)
	}
	if req.Mode == domain.ModeHistorical || o.Coverage == nil {
		for _, sym := range symbols {
			starts[sym] = fallback
		}
		return starts, nil
	}

	coverage, err := o.Coverage.ListCoverage(ctx, req.Resolution)
	if err != nil {
		return nil, fmt.Errorf("reading coverage: %w", err)
	}
	maxDates := make(map[string]time.Time, len(coverage))
	var newest time.Time
	for _, c := range coverage {
		maxDates[c.Symbol] = c.MaxDate
		if c.MaxDate.After(newest) {
			newest = c.MaxDate
		}
	}

	for _, sym := range symbols {
		last, ok := maxDates[sym]
		if req.Granularity == domain.GranularityGrouped {
			last, ok = newest, !newest.IsZero()
		}
		if ok {
			starts[sym] = domain.Day(last).AddDate(0, 0, 1)
		} else {
			starts[sym] = fallback
		}
	}
	return starts, nil
}

// ---------------------------------------------------------------------------
// Locking and checkpoints
// ---------------------------------------------------------------------------

// lock acquires the job lock and refreshes it until release is called. A
// refresh that finds the lock taken by another owner is sent on lost.
func (o *Orchestrator) lock(ctx context.Context, jobID string, log *slog.Logger) (release func(), lost <-chan error, err error) {
	if o.Locker == nil {
		return func() {}, nil, nil
	}
	owner := o.owner()
	if err := o.Locker.Acquire(ctx, jobID, owner); err != nil {
		return nil, nil, fmt.Errorf("locking job %s: %w", jobID, err)
	}
	log.Debug("job lock acquired", "owner", owner)

	refresh := o.Opts.LockRefresh
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	lostCh := make(chan error, 1)
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := o.Locker.Acquire(hbCtx, jobID, owner)
				switch {
				case errors.Is(err, store.ErrJobLocked):
					lostCh <- fmt.Errorf("lost lock on job %s: %w", jobID, err)
					return
				case err != nil && hbCtx.Err() == nil:
					log.Warn("refreshing job lock", "error", err)
				}
			}
		}
	}()

	release = func() {
		stop()
		<-done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.Locker.Release(rctx, jobID, owner); err != nil {
			log.Warn("releasing job lock", "error", err)
		}
	}
	return release, lostCh, nil
}

func (o *Orchestrator) save(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	snapshot := job.Clone()
	n := len(snapshot.Unsaved())
	err := o.Checkpoints.SaveJob(ctx, snapshot)
	o.Metrics.CheckpointSaved(err)
	if err != nil {
		return err
	}
	job.MarkSaved(n)
	return nil
}

func (o *Orchestrator) owner() string {
	if o.Owner == "" {
		host, _ := os.Hostname()
		o.Owner = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return o.Owner
}

// scheduler returns the scheduler for req, or nil when none is configured.
func (o *Orchestrator) scheduler(req Request) *Scheduler {
	if o.Scheduler == nil {
		return nil
	}
	s := *o.Scheduler
	s.NoPriority = s.NoPriority || req.NoPriority
	return &s
}

func (o *Orchestrator) writerFor(req Request) *Writer {
	w := *o.Writer
	if req.BatchSize > 0 {
		w.BatchSize = req.BatchSize
	}
	return &w
}

func (o *Orchestrator) concurrency(g domain.Granularity) int {
	if g == domain.GranularityPerSymbol {
		if o.Opts.PerSymbolConc > 0 {
			return o.Opts.PerSymbolConc
		}
		return DefaultPerSymbolConcurrency
	}
	if o.Opts.GroupedConc > 0 {
		return o.Opts.GroupedConc
	}
	return DefaultGroupedConcurrency
}

func (o *Orchestrator) setStatus(s domain.JobStatus) {
	if o.Health != nil {
		o.Health.SetStatus(s)
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default().With("component", "orchestrator")
	}
	return o.Log
}

// ---------------------------------------------------------------------------
// Run state
// ---------------------------------------------------------------------------

// rootState tracks a planned unit and the shrunk chunks descending from it.
type rootState struct {
	outstanding int
	failed      bool
	lost        bool // an error record could not be committed
	bars        int64
}

// run holds the progress of one Orchestrator.Run. mu serializes job
// mutation and checkpoint writes.
type run struct {
	o       *Orchestrator
	req     Request
	symbols []string
	writer  *Writer
	pool    *Pool
	log     *slog.Logger
	cancel  context.CancelFunc

	mu        sync.Mutex
	job       *domain.Job
	roots     map[string]*rootState
	closed    bool
	fatal     error
	lastSave  time.Time
	sinceSave int
	processed int
	succeeded int
	errored   int
	bars      int64
	lostUnits int
}

func (r *run) fetch(ctx context.Context, u domain.WorkUnit) ([]domain.Bar, error) {
	if u.Grouped() {
		return r.o.Provider.FetchGroupedDaily(ctx, u.Range.Start, r.symbols)
	}
	return r.o.Provider.FetchAggregates(ctx, u.Symbol, r.req.Resolution, u.Range.Start, u.Range.End)
}

func (r *run) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed || r.fatal != nil
}

func (r *run) onSuccess(u domain.WorkUnit, bars []domain.Bar, took time.Duration) {
	if r.isClosed() {
		return
	}
	res, err := r.writer.Write(context.Background(), r.req.Resolution, bars)
	if err != nil {
		r.fail(fmt.Errorf("unit %s: %w", u.Key(), err))
		return
	}
	r.o.Metrics.UnitDone(metrics.OutcomeSuccess, took)
	r.log.Debug("unit done", "unit", u.Key(), "bars", res.RowsWritten, "took", took)
	r.complete(u, true, false, res.RowsWritten)
}

func (r *run) onError(u domain.WorkUnit, err error, took time.Duration) {
	if r.isClosed() {
		return
	}
	// Abandoned after the grace period: leave the unit for the next run.
	if errors.Is(err, context.Canceled) {
		r.log.Debug("unit abandoned", "unit", u.Key())
		return
	}

	if errors.Is(err, provider.ErrCapacityExceeded) && !u.Grouped() {
		children, serr := r.o.Planner.Shrink(u.Range)
		if serr == nil {
			r.shrink(u, children, took)
			return
		}
		err = fmt.Errorf("%w (%v)", err, serr)
	}

	if provider.IsRetryable(err) && u.Attempt < r.o.Opts.UnitRetries {
		r.log.Info("retrying unit", "unit", u.Key(), "attempt", u.Attempt+1, "error", err)
		u.Attempt++
		r.pool.Submit(u)
		return
	}

	r.o.Metrics.UnitDone(metrics.OutcomeError, took)
	recorded := r.o.Ledger.Record(context.Background(), r.job.ID, u, err)
	r.complete(u, false, !recorded, 0)
}

func (r *run) shrink(u domain.WorkUnit, children []domain.DateRange, took time.Duration) {
	root := u.RootKey()
	units := make([]domain.WorkUnit, 0, len(children))
	for _, c := range children {
		units = append(units, domain.WorkUnit{
			Symbol:   u.Symbol,
			Range:    c,
			Priority: u.Priority,
			Root:     root,
		})
	}

	r.mu.Lock()
	if st := r.roots[root]; st != nil {
		st.outstanding += len(units) - 1
	}
	r.mu.Unlock()

	r.o.Metrics.UnitDone(metrics.OutcomeShrunk, took)
	r.log.Info("chunk over capacity, shrinking", "unit", u.Key(),
		"days", u.Range.Days(), "children", len(units), "first_days", children[0].Days())
	r.pool.Submit(units...)
}

// complete settles one unit. The root is marked processed once every
// descendant has settled.
func (r *run) complete(u domain.WorkUnit, ok, lost bool, bars int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	root := u.RootKey()
	st := r.roots[root]
	if st == nil {
		return
	}
	st.outstanding--
	st.bars += bars
	st.failed = st.failed || !ok
	st.lost = st.lost || lost
	r.bars += bars
	if st.outstanding > 0 {
		return
	}
	delete(r.roots, root)

	if st.lost {
		r.lostUnits++
		return
	}
	r.job.MarkProcessed(root, !st.failed, st.bars)
	r.processed++
	r.sinceSave++
	if st.failed {
		r.errored++
	} else {
		r.succeeded++
	}

	every := r.o.Opts.CheckpointEvery
	if every <= 0 {
		every = 100
	}
	if r.processed%every == 0 {
		r.log.Info("progress", "processed", r.processed, "remaining", len(r.roots)+r.pool.Pending(),
			"succeeded", r.succeeded, "errored", r.errored, "bars", r.bars)
	}

	if r.dueLocked(every) {
		if err := r.o.save(context.Background(), r.job); err != nil {
			r.failLocked(fmt.Errorf("saving checkpoint: %w", err))
			return
		}
		r.sinceSave = 0
		r.lastSave = time.Now()
	}
}

// dueLocked reports whether progress must be checkpointed now.
func (r *run) dueLocked(every int) bool {
	if r.req.Granularity == domain.GranularityGrouped {
		return true
	}
	interval := r.o.Opts.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return r.sinceSave >= every || time.Since(r.lastSave) >= interval
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *run) failLocked(err error) {
	if r.fatal != nil || r.closed {
		return
	}
	r.fatal = err
	r.log.Error("fatal error, stopping dispatch", "error", err)
	r.cancel()
}

// finish settles the terminal state, writes the final checkpoint and builds
// the summary.
func (r *run) finish(ctx context.Context, poolErr error, skipped int, started time.Time) (*domain.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var runErr error
	switch {
	case r.fatal != nil:
		r.job.Status = domain.JobFailed
		runErr = r.fatal
	case ctx.Err() != nil:
		r.job.Status = domain.JobCancelled
	case poolErr != nil:
		r.job.Status = domain.JobFailed
		runErr = poolErr
	case r.lostUnits > 0:
		r.job.Status = domain.JobFailed
		runErr = fmt.Errorf("%d units failed without a durable error record", r.lostUnits)
	case len(r.roots) > 0:
		r.job.Status = domain.JobFailed
		runErr = fmt.Errorf("%d units never settled", len(r.roots))
	default:
		r.job.Status = domain.JobCompleted
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.o.save(saveCtx, r.job); err != nil {
		r.log.Error("final checkpoint save failed", "status", r.job.Status, "error", err)
		if runErr == nil {
			r.job.Status = domain.JobFailed
			runErr = fmt.Errorf("saving final checkpoint: %w", err)
		}
	}
	r.o.setStatus(r.job.Status)

	summary := &domain.Summary{
		JobID:        r.job.ID,
		Status:       r.job.Status,
		Processed:    r.processed,
		Succeeded:    r.succeeded,
		Errored:      r.errored,
		Skipped:      skipped,
		BarsWritten:  r.bars,
		ErroredUnits: r.job.ErroredUnits(),
		Elapsed:      time.Since(started),
	}
	r.log.Info("job finished", "status", summary.Status, "processed", summary.Processed,
		"succeeded", summary.Succeeded, "errored", summary.Errored, "skipped", summary.Skipped,
		"bars", summary.BarsWritten, "elapsed", summary.Elapsed.Round(time.Millisecond))
	if n := len(summary.ErroredUnits); n > 0 {
		shown := summary.ErroredUnits[:min(n, 50)]
		r.log.Warn("errored units", "count", n, "units", shown)
	}
	return summary, runErr
}

// ---------------------------------------------------------------------------
// Gatherer adapter
// ---------------------------------------------------------------------------

// BulkGatherer runs one fixed request through an Orchestrator.
type BulkGatherer struct {
	Orchestrator *Orchestrator
	Request      Request

	// Summary is the result of the last Run.
	Summary *domain.Summary
}

// Name returns the gatherer identifier.
func (g *BulkGatherer) Name() string {
	name := "us-" + string(g.Request.Mode)
	if g.Request.Granularity == domain.GranularityPerSymbol {
		name += "-" + string(g.Request.Resolution)
	}
	return name
}

// Run executes the request. A failed job is an error.
func (g *BulkGatherer) Run(ctx context.Context) error {
	summary, err := g.Orchestrator.Run(ctx, g.Request)
	g.Summary = summary
	if err != nil {
		return err
	}
	if summary.Status == domain.JobFailed {
		return fmt.Errorf("job %s failed", summary.JobID)
	}
	return nil
}
