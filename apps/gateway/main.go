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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/meeting-chat/pkg/auth"
	"github.com/mahaj/meeting-chat/pkg/bus"
	"github.com/mahaj/meeting-chat/pkg/config"
	"github.com/mahaj/meeting-chat/pkg/logging"
	"github.com/mahaj/meeting-chat/pkg/presence"
	"github.com/mahaj/meeting-chat/pkg/snowflake"
)

func newRouter(hub *Hub, tokens *auth.Signer) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, tokens, w, r)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func main() {
	var cfg config.Gateway
	if err := config.Load(&cfg); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New("gateway", cfg.LogLevel, cfg.IsDevelopment())
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			logger.Fatal().Err(err).Msg("error opening log file")
		}
		defer f.Close()
		logger = logging.NewWithWriter(f, "gateway", cfg.LogLevel, false)
	}

	tokens, err := auth.NewSigner(cfg.JWTSecret, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid jwt secret")
	}

	// In production, node ID should be unique per instance
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}

	publisher := bus.NewPublisher(cfg.Brokers, cfg.Topic)
	defer publisher.Close()

	rdb := presence.New(cfg.RedisAddr)
	defer rdb.Close()

	hub := NewHub(publisher, rdb, node, logger)
	fanout := bus.NewFanoutSubscriber(cfg.Brokers, cfg.Topic, uuid.NewString(), logger)
	defer fanout.Close()

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     newRouter(hub, tokens),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return fanout.Run(ctx, hub.Deliver) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("gateway stopped")
}
