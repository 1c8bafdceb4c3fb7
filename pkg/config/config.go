package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Common holds settings every service reads.
type Common struct {
	Env       string `env:"ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
}

func (c Common) IsDevelopment() bool {
	return c.Env == "development"
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"chat-messages"`
}

type Scylla struct {
	Hosts    []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
}

type Gateway struct {
	Common
	Kafka
	Addr      string `env:"GATEWAY_ADDR" envDefault:":8080"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	// NodeID seeds snowflake ids; it must differ between gateway instances.
	NodeID int64 `env:"NODE_ID" envDefault:"1"`
	// LogFile, when set, replaces stdout as the log destination.
	LogFile string `env:"GATEWAY_LOG_FILE"`
}

type API struct {
	Common
	Kafka
	Scylla
	Addr      string        `env:"API_ADDR" envDefault:":8081"`
	RedisAddr string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type Messaging struct {
	Common
	Kafka
	Scylla
	GroupID     string `env:"KAFKA_GROUP_ID" envDefault:"messaging-service-group"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`
}

// Load fills cfg from the environment after reading an optional .env file
// in the working directory.
func Load[T any](cfg *T) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
