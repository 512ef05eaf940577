package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"barvault/internal/domain"
)

//go:embed migrations/postgres.sql
var postgresMigration string

// Compile-time interface check.
var _ Backend = (*PostgresStore)(nil)

// PostgresStore implements Backend on PostgreSQL (or TimescaleDB) through a
// pgx connection pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	LockTTL time.Duration
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool, LockTTL: 2 * time.Minute}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// UpsertBars queues one upsert per bar plus one coverage upsert per symbol in
// a single batch inside a transaction.
func (s *PostgresStore) UpsertBars(ctx context.Context, res domain.Resolution, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, bar := range bars {
		b.Queue(`INSERT INTO bars
			(symbol, resolution, ts, open, high, low, close, volume, vwap, trade_count)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9::numeric, $10)
			ON CONFLICT (symbol, resolution, ts) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume,
				vwap = EXCLUDED.vwap, trade_count = EXCLUDED.trade_count`,
			bar.Symbol, string(res), bar.Timestamp.UTC(),
			bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(),
			bar.Volume, nullDecimal(bar.VWAP), nullInt(bar.TradeCount),
		)
	}
	spans := coverageOf(res, bars)
	now := time.Now().UTC()
	for symbol, span := range spans {
		b.Queue(`INSERT INTO coverage (symbol, resolution, min_date, max_date, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, resolution) DO UPDATE SET
				min_date = LEAST(coverage.min_date, EXCLUDED.min_date),
				max_date = GREATEST(coverage.max_date, EXCLUDED.max_date),
				updated_at = EXCLUDED.updated_at`,
			symbol, string(res), span.Start, span.End, now)
	}

	br := tx.SendBatch(ctx, b)
	var total int64
	for i := 0; i < len(bars)+len(spans); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("upsert bars: %w", err)
		}
		if i < len(bars) {
			total += tag.RowsAffected()
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("upsert bars: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return total, nil
}

// ReadBars returns bars for symbol within [start, end].
func (s *PostgresStore) ReadBars(ctx context.Context, symbol string, res domain.Resolution, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, ts, open::text, high::text, low::text, close::text,
			volume, vwap::text, trade_count
		FROM bars
		WHERE symbol = $1 AND resolution = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`, symbol, string(res), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b                    domain.Bar
			open, high, low, cls string
			vwap                 *string
			trades               *int64
		)
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &open, &high, &low, &cls, &b.Volume, &vwap, &trades); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		if err := parsePrices(&b, open, high, low, cls); err != nil {
			return nil, err
		}
		if vwap != nil {
			v, err := decimal.NewFromString(*vwap)
			if err != nil {
				return nil, fmt.Errorf("parse vwap: %w", err)
			}
			b.VWAP = &v
		}
		b.TradeCount = trades
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols returns all symbols with bars at res.
func (s *PostgresStore) ListSymbols(ctx context.Context, res domain.Resolution) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol FROM coverage WHERE resolution = $1 ORDER BY symbol`, string(res))
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return symbols, nil
}

// ---------------------------------------------------------------------------
// CoverageStore / VolumeSource implementation
// ---------------------------------------------------------------------------

// Coverage returns the coverage record of symbol, or nil when none exists.
func (s *PostgresStore) Coverage(ctx context.Context, symbol string, res domain.Resolution) (*domain.CoverageRecord, error) {
	var c domain.CoverageRecord
	var r string
	err := s.pool.QueryRow(ctx, `SELECT symbol, resolution, min_date, max_date, updated_at
		FROM coverage WHERE symbol = $1 AND resolution = $2`, symbol, string(res)).
		Scan(&c.Symbol, &r, &c.MinDate, &c.MaxDate, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coverage %s: %w", symbol, err)
	}
	c.Resolution = domain.Resolution(r)
	c.MinDate, c.MaxDate = domain.Day(c.MinDate), domain.Day(c.MaxDate)
	return &c, nil
}

// ListCoverage returns every coverage record at res ordered by symbol.
func (s *PostgresStore) ListCoverage(ctx context.Context, res domain.Resolution) ([]domain.CoverageRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, min_date, max_date, updated_at
		FROM coverage WHERE resolution = $1 ORDER BY symbol`, string(res))
	if err != nil {
		return nil, fmt.Errorf("list coverage: %w", err)
	}
	defer rows.Close()

	var out []domain.CoverageRecord
	for rows.Next() {
		c := domain.CoverageRecord{Resolution: res}
		if err := rows.Scan(&c.Symbol, &c.MinDate, &c.MaxDate, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		c.MinDate, c.MaxDate = domain.Day(c.MinDate), domain.Day(c.MaxDate)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AverageVolumes returns the mean daily volume since the given day.
func (s *PostgresStore) AverageVolumes(ctx context.Context, symbols []string, since time.Time) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, AVG(volume)::float8 FROM bars
		WHERE resolution = $1 AND ts >= $2 AND symbol = ANY($3)
		GROUP BY symbol`, string(domain.ResolutionDay), domain.Day(since), symbols)
	if err != nil {
		return nil, fmt.Errorf("average volumes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			sym string
			avg float64
		)
		if err := rows.Scan(&sym, &avg); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		out[sym] = avg
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// ErrorStore implementation
// ---------------------------------------------------------------------------

// AppendError inserts an error record. Re-appending the same id is a no-op.
func (s *PostgresStore) AppendError(ctx context.Context, rec domain.ErrorRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO ingest_errors
		(id, job_id, symbol, date_range, kind, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.JobID, rec.Symbol, rec.DateRange, string(rec.Kind), rec.Message, rec.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

// ListErrors returns the error records of a job in insertion order.
func (s *PostgresStore) ListErrors(ctx context.Context, jobID string) ([]domain.ErrorRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, symbol, date_range, kind, message, occurred_at
		FROM ingest_errors WHERE job_id = $1 ORDER BY occurred_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorRecord
	for rows.Next() {
		var (
			rec  domain.ErrorRecord
			kind string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Symbol, &rec.DateRange, &kind, &rec.Message, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// CheckpointStore implementation
// ---------------------------------------------------------------------------

// pgCheckpointColumns is the column list scanned by scanPgJob.
const pgCheckpointColumns = `job_id, mode, granularity, resolution, start_date, end_date,
	total_units, succeeded, errored, total_bars, status, last_unit, updated_at`

// LoadJob reads a checkpoint with its processed units and starts.
func (s *PostgresStore) LoadJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+pgCheckpointColumns+` FROM checkpoints WHERE job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewJob(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT unit_key, ok FROM checkpoint_units WHERE job_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint units %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			ok  bool
		)
		if err := rows.Scan(&key, &ok); err != nil {
			return nil, fmt.Errorf("scan checkpoint unit: %w", err)
		}
		job.ProcessedUnits[key] = ok
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.pool.Query(ctx, `SELECT symbol, start_date FROM checkpoint_starts WHERE job_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint starts %s: %w", id, err)
	}
	defer srows.Close()
	for srows.Next() {
		var (
			sym string
			day time.Time
		)
		if err := srows.Scan(&sym, &day); err != nil {
			return nil, fmt.Errorf("scan checkpoint start: %w", err)
		}
		if job.Starts == nil {
			job.Starts = make(map[string]time.Time)
		}
		job.Starts[sym] = domain.Day(day)
	}
	return job, srows.Err()
}

// ListJobs returns the checkpoint rows of mode, newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, mode domain.JobMode) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgCheckpointColumns+` FROM checkpoints WHERE mode = $1 ORDER BY updated_at DESC`,
		string(mode))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanPgJob(row pgx.Row) (*domain.Job, error) {
	var (
		id, mode, gran, res, status string
		job                         = domain.NewJob("")
	)
	err := row.Scan(&id, &mode, &gran, &res, &job.Start, &job.End,
		&job.TotalUnits, &job.Succeeded, &job.Errored, &job.TotalBarsWritten,
		&status, &job.LastProcessedUnit, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.ID = id
	job.Mode = domain.JobMode(mode)
	job.Granularity = domain.Granularity(gran)
	job.Resolution = domain.Resolution(res)
	job.Status = domain.JobStatus(status)
	job.Start, job.End = domain.Day(job.Start), domain.Day(job.End)
	return job, nil
}

// SaveJob upserts the checkpoint row and inserts the job's unsaved unit keys
// in one transaction.
func (s *PostgresStore) SaveJob(ctx context.Context, job *domain.Job) error {
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO checkpoints
			(job_id, mode, granularity, resolution, start_date, end_date,
			 total_units, succeeded, errored, total_bars, status, last_unit, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (job_id) DO UPDATE SET
				mode = EXCLUDED.mode, granularity = EXCLUDED.granularity,
				resolution = EXCLUDED.resolution, start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date, total_units = EXCLUDED.total_units,
				succeeded = EXCLUDED.succeeded, errored = EXCLUDED.errored,
				total_bars = EXCLUDED.total_bars, status = EXCLUDED.status,
				last_unit = EXCLUDED.last_unit, updated_at = EXCLUDED.updated_at`,
			job.ID, string(job.Mode), string(job.Granularity), string(job.Resolution),
			job.Start, job.End, job.TotalUnits, job.Succeeded, job.Errored, job.TotalBarsWritten,
			string(job.Status), job.LastProcessedUnit, updated.UTC())
		if err != nil {
			return fmt.Errorf("save checkpoint %s: %w", job.ID, err)
		}

		b := &pgx.Batch{}
		for _, k := range job.Unsaved() {
			b.Queue(`INSERT INTO checkpoint_units (job_id, unit_key, ok) VALUES ($1, $2, $3)
				ON CONFLICT (job_id, unit_key) DO NOTHING`, job.ID, k, job.ProcessedUnits[k])
		}
		if job.StartsUnsaved() {
			b.Queue(`DELETE FROM checkpoint_starts WHERE job_id = $1`, job.ID)
			for sym, day := range job.Starts {
				b.Queue(`INSERT INTO checkpoint_starts (job_id, symbol, start_date) VALUES ($1, $2, $3)`,
					job.ID, sym, day)
			}
		}
		if b.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("save checkpoint units %s: %w", job.ID, err)
		}
		return nil
	})
}

// ClearJob deletes a checkpoint; its units cascade.
func (s *PostgresStore) ClearJob(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", id, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Locker implementation
// ---------------------------------------------------------------------------

// Acquire takes or refreshes the lock on jobID. Expired locks are reclaimed.
func (s *PostgresStore) Acquire(ctx context.Context, jobID, owner string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `INSERT INTO job_locks (job_id, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE job_locks.owner = EXCLUDED.owner OR job_locks.expires_at < $3`,
		jobID, owner, now, now.Add(s.LockTTL))
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrJobLocked)
	}
	return nil
}

// Release drops the lock if owner holds it.
func (s *PostgresStore) Release(ctx context.Context, jobID, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE job_id = $1 AND owner = $2`, jobID, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", jobID, err)
	}
	return nil
}
