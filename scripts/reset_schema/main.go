package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/config"
	"github.com/mahaj/meeting-chat/pkg/db"
	"github.com/mahaj/meeting-chat/pkg/logging"
)

// Drops the messages table and recreates the current schema. Development only.
func main() {
	var cfg struct {
		config.Common
		config.Scylla
	}
	if err := config.Load(&cfg); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New("reset-schema", cfg.LogLevel, true)
	if !cfg.IsDevelopment() {
		logger.Fatal().Str("env", cfg.Env).Msg("refusing to drop tables outside development")
	}

	session, err := db.NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	logger.Info().Msg("dropping table messages")
	err = session.Query("DROP TABLE IF EXISTS messages").Exec()
	session.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to drop table")
	}

	if err := db.EnsureSchema(cfg.Hosts, cfg.Keyspace, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to recreate schema")
	}
}
