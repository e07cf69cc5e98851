// Command recorder consumes conversation events from NATS and appends them
// to the relational store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/carsearch/engine/history"
	"github.com/WessleyAI/carsearch/engine/listings"
	"github.com/WessleyAI/carsearch/pkg/config"
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
		logger.Error("recorder exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := listings.Open(cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("carsearch-recorder"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	consumer := history.NewConsumer(store, logger)
	sub, err := consumer.Subscribe(nc, cfg.NATS.ConversationSubject)
	if err != nil {
		return err
	}
	logger.Info("recorder listening", "subject", sub.Subject)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Drain delivers buffered events before the connection closes.
	return nc.Drain()
}
