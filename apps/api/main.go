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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/auth"
	"github.com/mahaj/meeting-chat/pkg/bus"
	"github.com/mahaj/meeting-chat/pkg/config"
	"github.com/mahaj/meeting-chat/pkg/db"
	"github.com/mahaj/meeting-chat/pkg/logging"
	"github.com/mahaj/meeting-chat/pkg/metrics"
	"github.com/mahaj/meeting-chat/pkg/presence"
)

func newRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.Health)
	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.tokens))
		r.Route("/channels/{channel}", func(r chi.Router) {
			r.Get("/messages", s.History)
			r.Patch("/messages/{id}", s.EditMessage)
			r.Delete("/messages/{id}", s.DeleteMessage)
			r.Get("/users", s.Users)
		})
	})
	return r
}

func main() {
	var cfg config.API
	if err := config.Load(&cfg); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New("api", cfg.LogLevel, cfg.IsDevelopment())

	tokens, err := auth.NewSigner(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid jwt secret")
	}

	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	rdb := presence.New(cfg.RedisAddr)
	defer rdb.Close()

	publisher := bus.NewPublisher(cfg.Brokers, cfg.Topic)
	defer publisher.Close()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      newRouter(NewServer(db.NewMessageRepository(session), rdb, publisher, tokens, logger)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("api service starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("api server failed")
	}
	logger.Info().Msg("api service stopped")
}
