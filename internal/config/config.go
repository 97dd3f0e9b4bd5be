// Package config loads the surrounding validator host's configuration:
// peer roster, timing cadences, and the log-retention bound the PBFT core
// consumes directly, plus the ambient logging/server knobs the host itself
// needs. It follows a familiar env-var loading shape (string/int/duration
// getters with defaults), extended with go-playground/validator struct-tag
// validation so a misconfigured roster or non-positive duration fails fast
// at startup instead of inside the consensus engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the validator host process.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Consensus Consensus       `json:"consensus" validate:"required"`
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
}

// ServerConfig holds the operator-facing HTTP listener (/status and
// /events) configuration for the netsim demo harness.
type ServerConfig struct {
	Port         int           `json:"port" validate:"min=0"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// Consensus carries every consensus-engine tuning option the host exposes.
type Consensus struct {
	// Peers is the ordered roster of peer-ids; the primary for view v is
	// Peers[v % len(Peers)].
	Peers []string `json:"peers" validate:"min=1"`

	// BlockDuration is the publish cadence TryPublish is driven at.
	BlockDuration time.Duration `json:"block_duration" validate:"min=1"`

	// CheckpointPeriod is the number of committed blocks between
	// checkpoints; 0 disables periodic checkpointing.
	CheckpointPeriod uint64 `json:"checkpoint_period"`

	// ViewChangeTimeout is the duration after which a pending block
	// triggers a view change.
	ViewChangeTimeout time.Duration `json:"view_change_timeout" validate:"min=1"`

	// MessageTimeout is the per-tick cadence for backlog retry and
	// publish attempts.
	MessageTimeout time.Duration `json:"message_timeout" validate:"min=1"`

	// MaxLogSize is handed to the consensus log as its size limit. The log
	// does not enforce it: messages are dropped only by garbage collection
	// at a stable checkpoint.
	MaxLogSize int `json:"max_log_size" validate:"min=1"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// StoreConfig configures the optional Postgres/Redis-backed service
// adapter (internal/hoststore); the in-memory adapter is the default and
// needs none of this.
type StoreConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	RedisAddr   string `json:"redis_addr"`
	RedisDB     int    `json:"redis_db"`
}

var validate = validator.New()

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  time.Duration(getEnvInt("READ_TIMEOUT_SECONDS", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
			IdleTimeout:  time.Duration(getEnvInt("IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Consensus: Consensus{
			Peers:             getEnvList("PBFT_PEERS", nil),
			BlockDuration:     time.Duration(getEnvInt("PBFT_BLOCK_DURATION_MS", 500)) * time.Millisecond,
			CheckpointPeriod:  uint64(getEnvInt("PBFT_CHECKPOINT_PERIOD", 100)),
			ViewChangeTimeout: time.Duration(getEnvInt("PBFT_VIEW_CHANGE_TIMEOUT_MS", 5000)) * time.Millisecond,
			MessageTimeout:    time.Duration(getEnvInt("PBFT_MESSAGE_TIMEOUT_MS", 200)) * time.Millisecond,
			MaxLogSize:        getEnvInt("PBFT_MAX_LOG_SIZE", 10000),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			PostgresDSN: getEnv("PBFT_POSTGRES_DSN", ""),
			RedisAddr:   getEnv("PBFT_REDIS_ADDR", ""),
			RedisDB:     getEnvInt("PBFT_REDIS_DB", 0),
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated env var into a roster, trimming
// whitespace around each entry and dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
