// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreWAL    = "wal"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type Config struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	DataDir       string        `env:"DATA_DIR" envDefault:"./data"`
	Store         string        `env:"STORE" envDefault:"wal"`
	BlockInterval time.Duration `env:"BLOCK_INTERVAL" envDefault:"6s"`
	CallerHeader  string        `env:"CALLER_HEADER" envDefault:"X-Caller-ID"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"text"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	CommitLog CommitLog `envPrefix:"COMMITLOG_"`
}

type CommitLog struct {
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"1s"`
	EnqueueTimeout time.Duration `env:"ENQUEUE_TIMEOUT" envDefault:"500ms"`
	MaxQueue       int           `env:"MAX_QUEUE" envDefault:"1024"`
	BufferBytes    int           `env:"BUFFER_BYTES" envDefault:"4194304"`
	SyncOnAppend   bool          `env:"SYNC" envDefault:"false"`
}

// Load parses KV_-prefixed environment variables and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "KV_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreWAL, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store %q (want %s, %s or %s)", c.Store, StoreWAL, StoreSQLite, StoreMemory)
	}
	if c.BlockInterval <= 0 {
		return fmt.Errorf("config: block interval must be positive, got %s", c.BlockInterval)
	}
	if c.CallerHeader == "" {
		return fmt.Errorf("config: caller header is required")
	}
	if c.CommitLog.FlushInterval <= 0 || c.CommitLog.EnqueueTimeout <= 0 {
		return fmt.Errorf("config: commit log intervals must be positive")
	}
	return nil
}

// CommitLogPath is where the WAL store keeps its log.
func (c Config) CommitLogPath() string { return filepath.Join(c.DataDir, "claims.wal") }

// SQLitePath is where the sqlite store keeps its database.
func (c Config) SQLitePath() string { return filepath.Join(c.DataDir, "claims.db") }
