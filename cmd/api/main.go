// Package main implements the car search API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/carsearch/engine/history"
	"github.com/WessleyAI/carsearch/engine/lang"
	"github.com/WessleyAI/carsearch/engine/listings"
	"github.com/WessleyAI/carsearch/engine/search"
	"github.com/WessleyAI/carsearch/engine/semantic"
	"github.com/WessleyAI/carsearch/pkg/config"
	"github.com/WessleyAI/carsearch/pkg/embedcache"
	"github.com/WessleyAI/carsearch/pkg/metrics"
	"github.com/WessleyAI/carsearch/pkg/mid"
	"github.com/WessleyAI/carsearch/pkg/ollama"
	"github.com/WessleyAI/carsearch/pkg/resilience"
	"github.com/nats-io/nats.go"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// --- Relational store ---
	store, err := listings.Open(cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// --- Vector index ---
	vectorStore, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	// --- Model server ---
	client := ollama.New(cfg.Ollama.URL, ollama.WithTimeout(cfg.Ollama.Timeout))
	var embedder search.Embedder = ollama.Embedder{Client: client, Model: cfg.Ollama.EmbedModel}
	if cfg.EmbedCachePath != "" {
		cache, err := embedcache.Open(cfg.EmbedCachePath)
		if err != nil {
			return err
		}
		defer cache.Close()
		embedder = cache.Embedder(embedder, cfg.Ollama.EmbedModel, logger)
	}
	translator := ollama.Translator{Client: client, Model: cfg.Ollama.TranslateModel}

	// --- Conversation recording ---
	var recorder search.Recorder = store
	var nc *nats.Conn
	natsClosed := make(chan struct{})
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("carsearch-api"),
			nats.ClosedHandler(func(*nats.Conn) { close(natsClosed) }),
		)
		if err != nil {
			logger.Warn("nats unavailable, recording conversations directly", "url", cfg.NATS.URL, "err", err)
			nc = nil
		} else {
			recorder = history.NewPublisher(nc, cfg.NATS.ConversationSubject)
		}
	}

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.Search.BreakerThreshold,
		Timeout:       cfg.Search.BreakerTimeout,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("generation breaker state changed", "from", from.String(), "to", to.String())
			m.SetBreakerState(search.StepGenerate, int(to))
		},
	})

	detector, err := lang.NewWhatlangDetector(cfg.Search.LocalizeTarget)
	if err != nil {
		return err
	}
	svc, err := search.New(search.Deps{
		Normalizer: lang.NewNormalizer(detector, translator, logger),
		Localizer:  lang.NewLocalizer(translator, cfg.Search.LocalizeTarget),
		Embedder:   embedder,
		Retriever:  vectorStore,
		Generator:  ollama.Generator{Client: client, Model: cfg.Ollama.ChatModel},
		Listings:   store,
		Recorder:   recorder,
		Metrics:    m,
		Breaker:    breaker,
	}, searchOptions(cfg.Search), logger)
	if err != nil {
		return err
	}

	// --- Build HTTP server ---
	srvHandler := &server{search: svc, store: store, metrics: m.Handler(), logger: logger}
	handler := mid.Chain(srvHandler.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Metrics(m),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("carsearch-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Search.Timeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutCtx)
	svc.Wait()
	if nc != nil {
		if derr := drainNATS(nc, natsClosed, 5*time.Second); derr != nil {
			logger.Warn("nats drain incomplete, recent conversations may be lost", "err", derr)
		}
	}
	return err
}

// natsDrainer is the shutdown half of *nats.Conn.
type natsDrainer interface {
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// drainNATS pushes buffered conversation events to the server and waits
// for the connection to close. Drain alone returns before that happens.
func drainNATS(nc natsDrainer, closed <-chan struct{}, timeout time.Duration) error {
	if err := nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		return errors.New("nats drain: timed out waiting for close")
	}
}

func searchOptions(c config.Search) search.Options {
	return search.Options{
		DefaultTopK:   c.DefaultTopK,
		MaxTopK:       c.MaxTopK,
		OverFetch:     c.OverFetch,
		Timeout:       c.Timeout,
		RecordTimeout: c.RecordTimeout,
		Retry: search.RetryPolicy{
			Translate: c.Attempts.Translate,
			Embed:     c.Attempts.Embed,
			Retrieve:  c.Attempts.Retrieve,
			Generate:  c.Attempts.Generate,
		},
	}
}
