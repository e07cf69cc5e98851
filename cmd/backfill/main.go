// Command backfill embeds every stored listing and writes it to the vector
// index. It is safe to rerun: points are keyed by listing id.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/carsearch/engine/backfill"
	"github.com/WessleyAI/carsearch/engine/listings"
	"github.com/WessleyAI/carsearch/engine/semantic"
	"github.com/WessleyAI/carsearch/pkg/config"
	"github.com/WessleyAI/carsearch/pkg/embedcache"
	"github.com/WessleyAI/carsearch/pkg/metrics"
	"github.com/WessleyAI/carsearch/pkg/ollama"
	"github.com/schollz/progressbar/v3"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $CONFIG_FILE)")
	batch := flag.Int("batch", 0, "listings per batch (default from config)")
	pause := flag.Duration("pause", 0, "pause between batches (default from config)")
	limit := flag.Int("limit", -1, "stop after this many listings, 0 for all (default from config)")
	quiet := flag.Bool("quiet", false, "disable the progress bar")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *batch > 0 {
		cfg.Backfill.BatchSize = *batch
	}
	if *pause > 0 {
		cfg.Backfill.Pause = *pause
	}
	if *limit >= 0 {
		cfg.Backfill.Limit = *limit
	}

	logger := cfg.Logger(os.Stderr)
	if err := run(cfg, logger, !*quiet, *metricsAddr); err != nil {
		logger.Error("backfill failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, showProgress bool, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	store, err := listings.Open(cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer index.Close()
	if err := index.EnsureCollection(ctx, cfg.Qdrant.Dimensions); err != nil {
		return err
	}

	client := ollama.New(cfg.Ollama.URL, ollama.WithTimeout(cfg.Ollama.Timeout))
	var embedder backfill.Embedder = ollama.Embedder{Client: client, Model: cfg.Ollama.EmbedModel}
	if cfg.EmbedCachePath != "" {
		cache, err := embedcache.Open(cfg.EmbedCachePath)
		if err != nil {
			return err
		}
		defer cache.Close()
		embedder = cache.Embedder(embedder, cfg.Ollama.EmbedModel, logger)
	}

	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if cfg.Backfill.Limit > 0 && int64(cfg.Backfill.Limit) < total {
		total = int64(cfg.Backfill.Limit)
	}

	runner := &backfill.Runner{
		Source:    store,
		Embedder:  embedder,
		Index:     index,
		BatchSize: cfg.Backfill.BatchSize,
		Pause:     cfg.Backfill.Pause,
		Workers:   cfg.Backfill.Workers,
		Limit:     cfg.Backfill.Limit,
		Logger:    logger,
		Metrics:   m,
	}
	if showProgress {
		bar := progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription("Embedding listings"),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
		runner.OnProgress = func(p backfill.Progress) {
			bar.Add(p.Read)
		}
		defer bar.Finish()
	}

	logger.Info("backfill starting", "listings", total, "batch_size", cfg.Backfill.BatchSize, "collection", index.Collection())
	rep, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if rep.Failed() > 0 {
		logger.Warn("some listings were skipped", "failed", rep.Failed(), "err", rep.Failures.ErrorOrNil())
	}
	fmt.Fprintf(os.Stdout, "indexed %d of %d listings in %d batches (%d failed)\n", rep.Indexed, rep.Read, rep.Batches, rep.Failed())
	return nil
}
