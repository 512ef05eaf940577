package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"barvault/internal/config"
	"barvault/internal/domain"
	"barvault/internal/gather/us"
	"barvault/internal/store"
	"barvault/internal/util"
)

// exportWorkers bounds concurrent symbol exports; each holds one symbol's
// bars for the requested range in memory.
const exportWorkers = 8

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols (default: every stored symbol)")
	start := flag.String("start", "", "first day to export (YYYY-MM-DD); default ingest.start_date")
	end := flag.String("end", "", "last day to export (YYYY-MM-DD); default today")
	resolution := flag.String("resolution", "day", "bar resolution: day or minute")
	flag.Parse()

	cfgPath := "config/barvault.yaml"
	if p := os.Getenv("BARVAULT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	util.SetDefault(logger)

	res := domain.Resolution(*resolution)
	if !res.Valid() {
		log.Fatalf("unknown resolution %q", *resolution)
	}
	from, err := domain.ParseDate(cfg.Ingest.StartDate)
	if *start != "" {
		from, err = domain.ParseDate(*start)
	}
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}
	to := domain.Day(time.Now().UTC())
	if *end != "" {
		if to, err = domain.ParseDate(*end); err != nil {
			log.Fatalf("invalid end: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer db.Close()

	list := us.ParseSymbolList(*symbols)
	if len(list) == 0 {
		if list, err = db.ListSymbols(ctx, res); err != nil {
			log.Fatalf("listing symbols: %v", err)
		}
	}

	archive := store.NewParquetArchive(cfg.Storage.DataDir)
	started := time.Now()
	var bars, files atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportWorkers)
	for _, sym := range list {
		g.Go(func() error {
			lo, hi := domain.SessionBounds(res, domain.DateRange{Start: from, End: to})
			got, err := db.ReadBars(gctx, sym, res, lo, hi)
			if err != nil {
				return fmt.Errorf("reading %s: %w", sym, err)
			}
			n, err := archive.WriteBars(res, got)
			if err != nil {
				return fmt.Errorf("exporting %s: %w", sym, err)
			}
			bars.Add(int64(len(got)))
			files.Add(int64(n))
			slog.Debug("symbol exported", "symbol", sym, "bars", len(got), "files", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}
	slog.Info("export finished", "symbols", len(list), "bars", bars.Load(), "files", files.Load(),
		"dir", cfg.Storage.DataDir, "elapsed", time.Since(started).Round(time.Millisecond))
}

// openStore opens the configured bar database.
func openStore(ctx context.Context, cfg *config.Config) (interface {
	store.BarStore
	Close() error
}, error) {
	if cfg.Storage.Backend == "postgres" {
		return store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, exportWorkers)
	}
	return store.NewSQLiteStore(cfg.Storage.SQLitePath)
}
