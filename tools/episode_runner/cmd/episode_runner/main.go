package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	episoderunner "github.com/jordan16ellis/fw-coll-env/tools/episode_runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	mode := flag.String("mode", string(episoderunner.ModeCompare), "filtered, unfiltered or compare")
	count := flag.Int("count", cfg.Episodes.Count, "number of sampled episodes per arm")
	workers := flag.Int("workers", cfg.Episodes.Workers, "parallel episodes; zero uses GOMAXPROCS")
	seed := flag.Uint64("seed", cfg.Episodes.Seed, "scenario sampling seed")
	replayDir := flag.String("replay-dir", cfg.Replay.Dir, "write a replay bundle per episode under this directory")
	dsn := flag.String("dsn", cfg.Database.DSN, "PostgreSQL DSN for storing results")
	migrate := flag.Bool("migrate", cfg.Database.Migrate, "apply database migrations before storing")
	runID := flag.String("run-id", "", "identifier for stored runs; random when empty")
	results := flag.Bool("results", false, "include per-episode results in the report")
	flag.Parse()

	parsedMode, err := episoderunner.ParseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := episoderunner.Run(ctx, episoderunner.Options{
		Config:         cfg,
		Mode:           parsedMode,
		Count:          *count,
		Workers:        *workers,
		Seed:           *seed,
		ReplayDir:      *replayDir,
		DSN:            *dsn,
		Migrate:        *migrate,
		RunID:          *runID,
		IncludeResults: *results,
	}, logger)
	if err != nil {
		logger.Error("episode run failed", logging.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	//1.- Print the report as JSON so evaluations can be diffed and archived.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
