package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"barvault/internal/cache"
	"barvault/internal/checkpoint"
	"barvault/internal/config"
	"barvault/internal/domain"
	"barvault/internal/gather/us"
	"barvault/internal/health"
	"barvault/internal/metrics"
	"barvault/internal/provider"
	"barvault/internal/store"
	"barvault/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	historical := flag.Bool("historical", false, "backfill every symbol from --start (or ingest.start_date)")
	daily := flag.Bool("daily", false, "fetch from the day after stored coverage up to the latest finished trading day")
	verify := flag.Bool("verify", false, "sample stored symbols and check them for gaps and implausible bars")
	start := flag.String("start", "", "first day to fetch (YYYY-MM-DD)")
	end := flag.String("end", "", "last day to fetch (YYYY-MM-DD); default latest finished trading day")
	symbols := flag.String("symbols", "", "comma-separated symbols instead of the discovered universe")
	symbolsFile := flag.String("symbols-file", "", "CSV file of symbols (first or \"symbol\" column)")
	perSymbol := flag.Bool("per-symbol", false, "fetch one symbol per request in date chunks instead of grouped daily")
	resolution := flag.String("resolution", "day", "bar resolution: day or minute (minute requires --per-symbol)")
	noPriority := flag.Bool("no-priority", false, "dispatch in universe order instead of by liquidity")
	batchSize := flag.Int("batch-size", 0, "rows per write transaction (default per resolution)")
	resume := flag.Bool("resume", false, "require an existing checkpoint for the job")
	clearCheckpoint := flag.String("clear-checkpoint", "", "delete the checkpoint of `job_id` and exit")
	forceRefresh := flag.Bool("force-refresh", false, "refetch the universe even if the cache is fresh")
	sample := flag.Int("sample", 0, "symbols to sample in --verify (default ingest.verify_sample)")
	cfgFlag := flag.String("config", "", "config file (default $BARVAULT_CONFIG or config/barvault.yaml)")
	flag.Parse()

	cfgPath := "config/barvault.yaml"
	if p := os.Getenv("BARVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("failed to load config %s: %v", cfgPath, err)
		return 1
	}

	// Dual logger: stdout + per-day log file.
	logFileName := filepath.Join(cfg.Logging.Dir, fmt.Sprintf("bulk-load-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return 1
	}
	defer logFile.Close()
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile))
	util.SetDefault(logger)

	mode, err := selectMode(*historical, *daily, *verify)
	if err != nil {
		return usage(err)
	}
	req := us.Request{
		Mode:         mode,
		Granularity:  domain.GranularityGrouped,
		Resolution:   domain.Resolution(*resolution),
		NoPriority:   *noPriority,
		ForceRefresh: *forceRefresh,
		Resume:       *resume,
		BatchSize:    *batchSize,
	}
	if *perSymbol {
		req.Granularity = domain.GranularityPerSymbol
	}
	if !req.Resolution.Valid() {
		return usage(fmt.Errorf("unknown resolution %q", *resolution))
	}
	if req.Resolution != domain.ResolutionDay && !*perSymbol && mode != domain.ModeVerify {
		return usage(errors.New("--resolution minute requires --per-symbol"))
	}
	if req.Start, err = parseOptionalDate(*start); err != nil {
		return usage(err)
	}
	if req.End, err = parseOptionalDate(*end); err != nil {
		return usage(err)
	}
	if req.Symbols, err = requestedSymbols(*symbols, *symbolsFile); err != nil {
		return usage(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Storage.Backend, "error", err)
		return 1
	}
	defer backend.Close()

	checkpoints, err := openCheckpoints(cfg, backend)
	if err != nil {
		slog.Error("failed to open checkpoints", "error", err)
		return 1
	}
	if *clearCheckpoint != "" {
		if err := checkpoints.ClearJob(ctx, *clearCheckpoint); err != nil {
			slog.Error("failed to clear checkpoint", "job", *clearCheckpoint, "error", err)
			return 1
		}
		slog.Info("checkpoint cleared", "job", *clearCheckpoint)
		return 0
	}

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, m, logger); err != nil {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	var hs *health.Server
	if cfg.Server.GRPCPort > 0 {
		hs = health.New(logger)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		go func() {
			if err := hs.Serve(ctx, addr); err != nil {
				slog.Warn("health server stopped", "error", err)
			}
		}()
	}

	alp, err := provider.NewAlpaca(provider.AlpacaOpts{
		APIKey:      cfg.Alpaca.APIKey,
		APISecret:   cfg.Alpaca.APISecret,
		BaseURL:     cfg.Alpaca.BaseURL,
		DataURL:     cfg.Alpaca.DataURL,
		Feed:        cfg.Alpaca.Feed,
		SymbolBatch: cfg.Ingest.SymbolBatch,
		MaxResults:  cfg.Ingest.MaxResults,
		Exchanges:   cfg.Ingest.Exchanges,
	})
	if err != nil {
		slog.Error("failed to create Alpaca client", "error", err)
		return 1
	}
	calendar, err := us.NewCalendar(alp.Trading(), logger)
	if err != nil {
		slog.Error("failed to create trading calendar", "error", err)
		return 1
	}

	slog.Info("starting bulk-load", "mode", mode, "granularity", req.Granularity,
		"resolution", req.Resolution, "backend", cfg.Storage.Backend, "logFile", logFileName)

	if mode == domain.ModeVerify {
		n := cfg.Ingest.VerifySample
		if *sample > 0 {
			n = *sample
		}
		v := &us.Verifier{
			Bars:         backend,
			Coverage:     backend,
			Calendar:     calendar,
			Resolution:   req.Resolution,
			MaxDailyMove: cfg.Ingest.MaxDailyMove,
			Log:          logger.With("component", "verify"),
		}
		report, err := v.Run(ctx, n)
		if err != nil {
			slog.Error("verify failed", "error", err)
			return 1
		}
		for _, sr := range report.Symbols {
			if !sr.OK() {
				slog.Warn("verify issue", "symbol", sr.Symbol, "coverage", sr.Coverage.String(),
					"missing_days", len(sr.MissingDays), "implausible", len(sr.Issues))
			}
		}
		slog.Info("verify report", "clean", report.Clean(), "sampled", len(report.Symbols),
			"gaps", report.Gaps, "implausible", report.Implausible)
		return 0
	}

	limiter := util.NewRateLimiter(cfg.Ingest.RateLimit, max(cfg.Ingest.RateLimit/60, 1))
	client := provider.WithRetry(alp, provider.Policy{
		MaxRetries: cfg.Ingest.RetryMax,
		BaseDelay:  cfg.Ingest.RetryBaseDelay,
		MaxDelay:   cfg.Ingest.RetryMaxDelay,
		OnRetry: func(op string, kind domain.ErrorKind) {
			m.ProviderRetry(op, string(kind))
		},
	}, limiter, logger)

	universe, locker, err := openShared(ctx, cfg, backend)
	if err != nil {
		slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		return 1
	}

	defaultStart, err := domain.ParseDate(cfg.Ingest.StartDate)
	if err != nil {
		slog.Error("invalid ingest.start_date", "error", err)
		return 1
	}

	orch := &us.Orchestrator{
		Provider: client,
		Discovery: &us.Discovery{
			Lister:    client,
			Cache:     universe,
			TTL:       cfg.Ingest.UniverseCacheTTL,
			Exchanges: cfg.Ingest.Exchanges,
			Reference: us.LoadReferenceData(cfg.Ingest.ReferenceDir, logger),
			Log:       logger.With("component", "discovery"),
		},
		Calendar: calendar,
		Planner: us.Planner{
			ChunkDays:    cfg.Ingest.ChunkDays,
			MinChunkDays: cfg.Ingest.MinChunkDays,
			MaxResults:   cfg.Ingest.MaxResults,
		},
		Scheduler: &us.Scheduler{
			Volumes:      backend,
			LookbackDays: cfg.Ingest.PriorityDays,
			Log:          logger.With("component", "scheduler"),
		},
		Writer: &us.Writer{
			Store:       backend,
			BatchDaily:  cfg.Ingest.BatchDaily,
			BatchMinute: cfg.Ingest.BatchMinute,
			Metrics:     m,
			Log:         logger.With("component", "writer"),
		},
		Ledger:      &us.Ledger{Store: backend, Log: logger.With("component", "ledger")},
		Checkpoints: checkpoints,
		Coverage:    backend,
		Locker:      locker,
		Metrics:     m,
		Opts: us.Options{
			DefaultStart:       defaultStart,
			CheckpointEvery:    cfg.Ingest.CheckpointEvery,
			CheckpointInterval: cfg.Ingest.CheckpointInterval,
			PerSymbolConc:      cfg.Ingest.PerSymbolConc,
			GroupedConc:        cfg.Ingest.GroupedConc,
			UnitTimeout:        cfg.Ingest.UnitTimeout,
			ShutdownGrace:      cfg.Ingest.ShutdownGrace,
			UnitRetries:        cfg.Ingest.UnitRetries,
			LockRefresh:        cfg.Ingest.LockTTL / 4,
		},
		Log: logger.With("component", "orchestrator"),
	}
	if hs != nil {
		orch.Health = hs
	}

	g := &us.BulkGatherer{Orchestrator: orch, Request: req}
	if err := g.Run(ctx); err != nil {
		slog.Error("bulk-load failed", "gatherer", g.Name(), "error", err)
		return 1
	}
	if g.Summary != nil {
		fmt.Printf("%s: %s, %d processed (%d ok, %d errored), %d skipped, %d bars in %s\n",
			g.Summary.JobID, g.Summary.Status, g.Summary.Processed, g.Summary.Succeeded,
			g.Summary.Errored, g.Summary.Skipped, g.Summary.BarsWritten, g.Summary.Elapsed.Round(time.Second))
	}
	return 0
}

func usage(err error) int {
	fmt.Fprintf(os.Stderr, "bulk-load: %v\n", err)
	flag.Usage()
	return 1
}

func selectMode(historical, daily, verify bool) (domain.JobMode, error) {
	var modes []domain.JobMode
	if historical {
		modes = append(modes, domain.ModeHistorical)
	}
	if daily {
		modes = append(modes, domain.ModeDaily)
	}
	if verify {
		modes = append(modes, domain.ModeVerify)
	}
	if len(modes) != 1 {
		return "", errors.New("exactly one of --historical, --daily or --verify is required")
	}
	return modes[0], nil
}

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return domain.ParseDate(s)
}

func requestedSymbols(list, file string) ([]string, error) {
	switch {
	case list != "" && file != "":
		return nil, errors.New("--symbols and --symbols-file are mutually exclusive")
	case file != "":
		return us.LoadCSVSymbols(file)
	case list != "":
		return us.ParseSymbolList(list), nil
	}
	return nil, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, cfg.Ingest.PerSymbolConc/10)
		if err != nil {
			return nil, err
		}
		s.LockTTL = cfg.Ingest.LockTTL
		return s, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
		s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.LockTTL = cfg.Ingest.LockTTL
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openCheckpoints(cfg *config.Config, backend store.Backend) (store.CheckpointStore, error) {
	if cfg.Storage.Checkpoints == "file" {
		return checkpoint.NewFileStore(filepath.Join(cfg.Storage.DataDir, "checkpoints"))
	}
	return backend, nil
}

// openShared returns the universe cache and the job locker. With Redis
// configured both live there so that hosts sharing a database also share
// them; otherwise the cache is a local file and the database holds locks.
func openShared(ctx context.Context, cfg *config.Config, backend store.Backend) (cache.UniverseCache, store.Locker, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewFileCache(filepath.Join(cfg.Storage.DataDir, "universe")), backend, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisCache(client, cfg.Ingest.UniverseCacheTTL),
		store.NewRedisLocker(client, cfg.Ingest.LockTTL), nil
}
