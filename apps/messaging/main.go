package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/meeting-chat/pkg/bus"
	"github.com/mahaj/meeting-chat/pkg/config"
	"github.com/mahaj/meeting-chat/pkg/db"
	"github.com/mahaj/meeting-chat/pkg/logging"
)

func main() {
	var cfg config.Messaging
	if err := config.Load(&cfg); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New("messaging", cfg.LogLevel, cfg.IsDevelopment())

	// Schema creation belongs to a migration tool in production.
	if err := db.EnsureSchema(cfg.Hosts, cfg.Keyspace, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare ScyllaDB schema")
	}

	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	consumer := NewConsumer(db.NewMessageRepository(session), logger)
	sub := bus.NewGroupSubscriber(cfg.Brokers, cfg.Topic, cfg.GroupID, logger)
	defer sub.Close()

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("topic", cfg.Topic).Str("group", cfg.GroupID).Msg("starting kafka consumer")
		return sub.Run(ctx, consumer.Handle)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("messaging stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("messaging stopped")
}
