package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/config"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era1"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/fetcher"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/manifest"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/storage"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: era-fetcher [flags] <output_dir> <start>:<end>

Fetches the inclusive era range <start>:<end> into <output_dir>, one
finalized file per era. A bare number N is shorthand for 0:N.

Stream mode reads the provider token from %s.

Flags:
`, config.TokenEnv)
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

// run carries the real main body so deferred cleanup executes before the
// process exits.
func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	overwrite := flag.Bool("overwrite", false, "rewrite eras whose final file already exists")
	workers := flag.Int("workers", 0, "max concurrently fetched eras (overrides config)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		return 2
	}
	outputDir := flag.Arg(0)

	start, end, err := era.ParseRange(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "era-fetcher: %v\n", err)
		return 2
	}
	plan, err := era.Plan(start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "era-fetcher: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "era-fetcher: %v\n", err)
		return 2
	}
	if *overwrite {
		cfg.Fetch.Overwrite = true
	}
	if *workers > 0 {
		cfg.Fetch.Workers = *workers
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("era fetcher starting",
		"version", Version,
		"git_sha", GitSHA,
		"first_era", start.String(),
		"last_era", end.String(),
		"eras", len(plan),
		"output_dir", outputDir,
	)

	if cfg.Source.Mode == "stream" && cfg.Token == "" {
		fmt.Fprintf(os.Stderr, "era-fetcher: stream mode requires %s to be set\n", config.TokenEnv)
		return 2
	}

	metrics.Init("era_fetcher")
	metrics.Serve(metrics.Config{Enabled: cfg.Metrics.Enabled, Address: cfg.Metrics.Address})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	src, err := source.New(ctx, source.Config{
		Mode:      cfg.Source.Mode,
		StreamURL: cfg.Source.StreamURL,
		Bucket:    cfg.Source.Bucket,
		Prefix:    cfg.Source.Prefix,
		Token:     cfg.Token,
	})
	if err != nil {
		log.Error("failed to create block source", "error", err)
		return 1
	}
	defer src.Close()

	store, err := storage.NewEraStore(ctx, storage.Config{
		Backend:   cfg.Storage.Backend,
		OutputDir: outputDir,
		Bucket:    cfg.Storage.Bucket,
		Prefix:    cfg.Storage.Prefix,
	})
	if err != nil {
		log.Error("failed to create era store", "error", err)
		return 1
	}
	defer store.Close()

	sched := fetcher.New(fetcher.Config{
		Workers:         cfg.Fetch.Workers,
		MaxWriteBacklog: cfg.Fetch.MaxWriteBacklog,
		MaxAttempts:     cfg.Fetch.MaxAttempts,
		BaseBackoff:     time.Duration(cfg.Fetch.BackoffMs) * time.Millisecond,
		MaxBackoff:      time.Duration(cfg.Fetch.MaxBackoffMs) * time.Millisecond,
		BlocksPerEra:    uint64(cfg.Fetch.BlocksPerEra),
		Overwrite:       cfg.Fetch.Overwrite,
	}, src, era1.Encoder{}, store)

	report, runErr := sched.Run(ctx, plan)
	for _, f := range report.Failed {
		log.Error("era not fetched",
			"era", f.Era.String(),
			"file", f.Era.FileName(),
			"class", f.Err.Class.String(),
			"error", f.Err.Err,
		)
	}
	log.Info("run finished",
		"done", len(report.Done),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)

	// The manifest lives next to the era files in the output directory.
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == "local" {
		if merr := manifest.Update(outputDir, uint64(cfg.Fetch.BlocksPerEra), report.Receipts); merr != nil {
			log.Error("failed to update manifest", "error", merr)
		}
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		log.Info("interrupted; finalized eras are complete and valid")
		return 130
	case runErr != nil:
		log.Error("run aborted", "error", runErr)
		return 1
	case report.Err() != nil:
		return 1
	}
	return 0
}
