package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"barvault/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

//go:embed migrations/sqlite.sql
var sqliteMigration string

// Compile-time interface check.
var _ Backend = (*SQLiteStore)(nil)

// timeLayout is a fixed-width UTC layout, so text timestamps sort
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// rowsPerInsert keeps multi-row statements well under SQLite's bound
// parameter limit (10 columns per row).
const rowsPerInsert = 500

// SQLiteStore implements Backend on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
	// LockTTL is how long a job lock survives without a refresh.
	LockTTL time.Duration
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. ":memory:" is supported.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer. One connection serializes bar batches,
	// checkpoints and error records instead of failing them with SQLITE_BUSY,
	// and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteMigration); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db, LockTTL: 2 * time.Minute}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// UpsertBars writes bars and the resulting coverage in one transaction.
func (s *SQLiteStore) UpsertBars(ctx context.Context, res domain.Resolution, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i := 0; i < len(bars); i += rowsPerInsert {
		batch := bars[i:min(i+rowsPerInsert, len(bars))]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*10)
		for j, b := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				b.Symbol, string(res), b.Timestamp.UnixMilli(),
				b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
				b.Volume, nullDecimal(b.VWAP), nullInt(b.TradeCount),
			)
		}

		query := fmt.Sprintf(`INSERT INTO bars
			(symbol, resolution, ts, open, high, low, close, volume, vwap, trade_count)
			VALUES %s
			ON CONFLICT (symbol, resolution, ts) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume,
				vwap = excluded.vwap, trade_count = excluded.trade_count`,
			strings.Join(placeholders, ", "))

		r, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("upsert bars: %w", err)
		}
		n, _ := r.RowsAffected()
		total += n
	}

	now := time.Now().UTC().Format(timeLayout)
	for symbol, span := range coverageOf(res, bars) {
		_, err := tx.ExecContext(ctx, `INSERT INTO coverage (symbol, resolution, min_date, max_date, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (symbol, resolution) DO UPDATE SET
				min_date = MIN(coverage.min_date, excluded.min_date),
				max_date = MAX(coverage.max_date, excluded.max_date),
				updated_at = excluded.updated_at`,
			symbol, string(res), span.Start.Format(domain.DateLayout), span.End.Format(domain.DateLayout), now)
		if err != nil {
			return 0, fmt.Errorf("update coverage %s: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return total, nil
}

// ReadBars returns bars for symbol within [start, end].
func (s *SQLiteStore) ReadBars(ctx context.Context, symbol string, res domain.Resolution, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, ts, open, high, low, close, volume, vwap, trade_count
		FROM bars
		WHERE symbol = ? AND resolution = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		symbol, string(res), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bars []domain.Bar
	for rows.Next() {
		var (
			b                    domain.Bar
			ts                   int64
			open, high, low, cls string
			vwap                 sql.NullString
			trades               sql.NullInt64
		)
		if err := rows.Scan(&b.Symbol, &ts, &open, &high, &low, &cls, &b.Volume, &vwap, &trades); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timestamp = time.UnixMilli(ts).UTC()
		if err := parsePrices(&b, open, high, low, cls); err != nil {
			return nil, err
		}
		if vwap.Valid {
			v, err := decimal.NewFromString(vwap.String)
			if err != nil {
				return nil, fmt.Errorf("parse vwap: %w", err)
			}
			b.VWAP = &v
		}
		if trades.Valid {
			n := trades.Int64
			b.TradeCount = &n
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ListSymbols returns all symbols with bars at res.
func (s *SQLiteStore) ListSymbols(ctx context.Context, res domain.Resolution) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM coverage WHERE resolution = ? ORDER BY symbol`, string(res))
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ---------------------------------------------------------------------------
// CoverageStore / VolumeSource implementation
// ---------------------------------------------------------------------------

// Coverage returns the coverage record of symbol, or nil when none exists.
func (s *SQLiteStore) Coverage(ctx context.Context, symbol string, res domain.Resolution) (*domain.CoverageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT symbol, resolution, min_date, max_date, updated_at
		FROM coverage WHERE symbol = ? AND resolution = ?`, symbol, string(res))
	c, err := scanCoverage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coverage %s: %w", symbol, err)
	}
	return &c, nil
}

// ListCoverage returns every coverage record at res ordered by symbol.
func (s *SQLiteStore) ListCoverage(ctx context.Context, res domain.Resolution) ([]domain.CoverageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, resolution, min_date, max_date, updated_at
		FROM coverage WHERE resolution = ? ORDER BY symbol`, string(res))
	if err != nil {
		return nil, fmt.Errorf("list coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CoverageRecord
	for rows.Next() {
		c, err := scanCoverage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AverageVolumes returns the mean daily volume since the given day.
func (s *SQLiteStore) AverageVolumes(ctx context.Context, symbols []string, since time.Time) (map[string]float64, error) {
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[sym] = true
	}

	// The universe can exceed the bound-parameter limit, so filter in Go.
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, AVG(volume) FROM bars
		WHERE resolution = ? AND ts >= ?
		GROUP BY symbol`, string(domain.ResolutionDay), domain.Day(since).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("average volumes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			sym string
			avg float64
		)
		if err := rows.Scan(&sym, &avg); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		if want[sym] {
			out[sym] = avg
		}
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// ErrorStore implementation
// ---------------------------------------------------------------------------

// AppendError inserts an error record. Re-appending the same id is a no-op.
func (s *SQLiteStore) AppendError(ctx context.Context, rec domain.ErrorRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ingest_errors
		(id, job_id, symbol, date_range, kind, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.JobID, rec.Symbol, rec.DateRange, string(rec.Kind), rec.Message,
		rec.OccurredAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

// ListErrors returns the error records of a job in insertion order.
func (s *SQLiteStore) ListErrors(ctx context.Context, jobID string) ([]domain.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, symbol, date_range, kind, message, occurred_at
		FROM ingest_errors WHERE job_id = ? ORDER BY occurred_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ErrorRecord
	for rows.Next() {
		var (
			rec        domain.ErrorRecord
			kind, when string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Symbol, &rec.DateRange, &kind, &rec.Message, &when); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Kind = domain.ErrorKind(kind)
		rec.OccurredAt, _ = time.Parse(timeLayout, when)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// CheckpointStore implementation
// ---------------------------------------------------------------------------

// checkpointColumns is the column list scanned by scanJob.
const checkpointColumns = `job_id, mode, granularity, resolution, start_date, end_date,
	total_units, succeeded, errored, total_bars, status, last_unit, updated_at`

// LoadJob reads a checkpoint with its processed units and starts.
func (s *SQLiteStore) LoadJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewJob(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_key, ok FROM checkpoint_units WHERE job_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint units %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
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

	srows, err := s.db.QueryContext(ctx,
		`SELECT symbol, start_date FROM checkpoint_starts WHERE job_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint starts %s: %w", id, err)
	}
	defer func() { _ = srows.Close() }()
	for srows.Next() {
		var sym, day string
		if err := srows.Scan(&sym, &day); err != nil {
			return nil, fmt.Errorf("scan checkpoint start: %w", err)
		}
		if job.Starts == nil {
			job.Starts = make(map[string]time.Time)
		}
		job.Starts[sym], _ = time.Parse(domain.DateLayout, day)
	}
	return job, srows.Err()
}

// ListJobs returns the checkpoint rows of mode, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, mode domain.JobMode) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE mode = ? ORDER BY updated_at DESC`,
		string(mode))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SaveJob upserts the checkpoint row and inserts the job's unsaved unit keys
// in one transaction.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints
		(job_id, mode, granularity, resolution, start_date, end_date,
		 total_units, succeeded, errored, total_bars, status, last_unit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			mode = excluded.mode, granularity = excluded.granularity,
			resolution = excluded.resolution, start_date = excluded.start_date,
			end_date = excluded.end_date, total_units = excluded.total_units,
			succeeded = excluded.succeeded, errored = excluded.errored,
			total_bars = excluded.total_bars, status = excluded.status,
			last_unit = excluded.last_unit, updated_at = excluded.updated_at`,
		job.ID, string(job.Mode), string(job.Granularity), string(job.Resolution),
		job.Start.Format(domain.DateLayout), job.End.Format(domain.DateLayout),
		job.TotalUnits, job.Succeeded, job.Errored, job.TotalBarsWritten,
		string(job.Status), job.LastProcessedUnit, updated.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", job.ID, err)
	}

	keys := job.Unsaved()
	if len(keys) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO checkpoint_units (job_id, unit_key, ok) VALUES (?, ?, ?)
			ON CONFLICT (job_id, unit_key) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare checkpoint units: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, k := range keys {
			if _, err := stmt.ExecContext(ctx, job.ID, k, job.ProcessedUnits[k]); err != nil {
				return fmt.Errorf("save checkpoint unit %s: %w", k, err)
			}
		}
	}

	if job.StartsUnsaved() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_starts WHERE job_id = ?`, job.ID); err != nil {
			return fmt.Errorf("clear checkpoint starts %s: %w", job.ID, err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO checkpoint_starts (job_id, symbol, start_date) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare checkpoint starts: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for sym, day := range job.Starts {
			if _, err := stmt.ExecContext(ctx, job.ID, sym, day.Format(domain.DateLayout)); err != nil {
				return fmt.Errorf("save checkpoint start %s: %w", sym, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", job.ID, err)
	}
	return nil
}

// ClearJob deletes a checkpoint and its units.
func (s *SQLiteStore) ClearJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_units WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("clear checkpoint units %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_starts WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("clear checkpoint starts %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", id, err)
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Locker implementation
// ---------------------------------------------------------------------------

// Acquire takes or refreshes the lock on jobID. Expired locks are reclaimed.
func (s *SQLiteStore) Acquire(ctx context.Context, jobID, owner string) error {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_id = ? AND expires_at < ?`, jobID, now.UnixMilli()); err != nil {
		return fmt.Errorf("reclaim lock %s: %w", jobID, err)
	}
	r, err := tx.ExecContext(ctx, `INSERT INTO job_locks (job_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET expires_at = excluded.expires_at
		WHERE job_locks.owner = excluded.owner`,
		jobID, owner, now.UTC().Format(timeLayout), now.Add(s.LockTTL).UnixMilli())
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", jobID, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrJobLocked)
	}
	return tx.Commit()
}

// Release drops the lock if owner holds it.
func (s *SQLiteStore) Release(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_id = ? AND owner = ?`, jobID, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", jobID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoverage(row rowScanner) (domain.CoverageRecord, error) {
	var (
		c                 domain.CoverageRecord
		res, lo, hi, when string
	)
	if err := row.Scan(&c.Symbol, &res, &lo, &hi, &when); err != nil {
		return c, err
	}
	c.Resolution = domain.Resolution(res)
	c.MinDate, _ = time.Parse(domain.DateLayout, lo)
	c.MaxDate, _ = time.Parse(domain.DateLayout, hi)
	c.UpdatedAt, _ = time.Parse(timeLayout, when)
	return c, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		id, mode, gran, res, start, end, status, updated string
		job                                              = domain.NewJob("")
	)
	err := row.Scan(&id, &mode, &gran, &res, &start, &end,
		&job.TotalUnits, &job.Succeeded, &job.Errored, &job.TotalBarsWritten,
		&status, &job.LastProcessedUnit, &updated)
	if err != nil {
		return nil, err
	}
	job.ID = id
	job.Mode = domain.JobMode(mode)
	job.Granularity = domain.Granularity(gran)
	job.Resolution = domain.Resolution(res)
	job.Start, _ = time.Parse(domain.DateLayout, start)
	job.End, _ = time.Parse(domain.DateLayout, end)
	job.Status = domain.JobStatus(status)
	job.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return job, nil
}

func parsePrices(b *domain.Bar, open, high, low, cls string) error {
	var err error
	if b.Open, err = decimal.NewFromString(open); err != nil {
		return fmt.Errorf("parse open: %w", err)
	}
	if b.High, err = decimal.NewFromString(high); err != nil {
		return fmt.Errorf("parse high: %w", err)
	}
	if b.Low, err = decimal.NewFromString(low); err != nil {
		return fmt.Errorf("parse low: %w", err)
	}
	if b.Close, err = decimal.NewFromString(cls); err != nil {
		return fmt.Errorf("parse close: %w", err)
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
